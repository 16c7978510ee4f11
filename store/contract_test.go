package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/gitgate/gitgate"
	"golang.org/x/crypto/bcrypt"
)

// testServiceContract runs the behavior shared by every backend. Each
// subtest gets a fresh service from the factory.
func testServiceContract(t *testing.T, newService func(t *testing.T) gitgate.Service) {
	t.Helper()
	ctx := context.Background()

	t.Run("UpdateAndGetUser", func(t *testing.T) {
		svc := newService(t)
		u := &gitgate.User{
			Username:     "Alice",
			Credential:   testHash(t, "alicepw"),
			Repositories: []string{"ProjectX/Repo.git", "projectx/repo.git", "alpha/tools.git"},
		}
		if err := svc.UpdateUser(ctx, u); err != nil {
			t.Fatalf("update user: %v", err)
		}
		got, err := svc.User(ctx, "ALICE")
		if err != nil {
			t.Fatalf("get user: %v", err)
		}
		if got.Username != "Alice" {
			t.Errorf("display casing lost: got %q", got.Username)
		}
		want := []string{"alpha/tools.git", "projectx/repo.git"}
		if !slices.Equal(got.Repositories, want) {
			t.Errorf("repositories = %v, want %v", got.Repositories, want)
		}

		got.Username = "mangled"
		got.Repositories[0] = "mangled"
		again, err := svc.User(ctx, "alice")
		if err != nil {
			t.Fatalf("get user again: %v", err)
		}
		if again.Username != "Alice" || again.Repositories[0] != "alpha/tools.git" {
			t.Error("returned model is not a defensive copy")
		}

		if _, err := svc.User(ctx, "nobody"); !errors.Is(err, gitgate.ErrNotFound) {
			t.Errorf("missing user: got %v, want ErrNotFound", err)
		}
	})

	t.Run("CaseInsensitiveUpsert", func(t *testing.T) {
		svc := newService(t)
		seedUser(t, svc, "Alice", "alicepw")
		if err := svc.UpdateUser(ctx, &gitgate.User{Username: "alice", Credential: testHash(t, "alicepw"), Admin: true}); err != nil {
			t.Fatalf("second update: %v", err)
		}
		names, err := svc.Usernames(ctx)
		if err != nil {
			t.Fatalf("usernames: %v", err)
		}
		if len(names) != 1 {
			t.Fatalf("want one user, got %v", names)
		}
		got, err := svc.User(ctx, "Alice")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.Admin {
			t.Error("upsert did not replace the record")
		}
	})

	t.Run("Authenticate", func(t *testing.T) {
		svc := newService(t)
		seedUser(t, svc, "Alice", "alicepw")
		seedTeam(t, svc, "Core", []string{"alice"}, nil)

		got, err := svc.Authenticate(ctx, "ALICE", "alicepw")
		if err != nil {
			t.Fatalf("authenticate: %v", err)
		}
		if got.Username != "Alice" {
			t.Errorf("username = %q", got.Username)
		}
		if len(got.Teams) != 1 || got.Teams[0].Name != "Core" {
			t.Errorf("teams not populated: %v", got.Teams)
		}
	})

	t.Run("AuthenticateFailuresIndistinguishable", func(t *testing.T) {
		svc := newService(t)
		seedUser(t, svc, "Alice", "alicepw")

		_, unknownErr := svc.Authenticate(ctx, "ghost", "alicepw")
		_, wrongErr := svc.Authenticate(ctx, "Alice", "wrong")
		_, emptyErr := svc.Authenticate(ctx, "Alice", "")
		for _, err := range []error{unknownErr, wrongErr, emptyErr} {
			if !errors.Is(err, gitgate.ErrUnauthenticated) {
				t.Fatalf("got %v, want ErrUnauthenticated", err)
			}
		}
		if unknownErr.Error() != wrongErr.Error() {
			t.Errorf("failure causes are distinguishable: %q vs %q", unknownErr, wrongErr)
		}
	})

	t.Run("CookieRoundTrip", func(t *testing.T) {
		svc := newService(t)
		if !svc.SupportsCookies() {
			t.Skip("backend has no cookie support")
		}
		seedUser(t, svc, "Alice", "alicepw")

		token, err := svc.Cookie(ctx, "alice")
		if err != nil {
			t.Fatalf("cookie: %v", err)
		}
		got, err := svc.AuthenticateCookie(ctx, token)
		if err != nil {
			t.Fatalf("authenticate cookie: %v", err)
		}
		if got.Username != "Alice" {
			t.Errorf("username = %q", got.Username)
		}

		if _, err := svc.AuthenticateCookie(ctx, "bogus"); !errors.Is(err, gitgate.ErrUnauthenticated) {
			t.Errorf("bogus token: got %v, want ErrUnauthenticated", err)
		}
		if _, err := svc.Cookie(ctx, "ghost"); !errors.Is(err, gitgate.ErrNotFound) {
			t.Errorf("cookie for missing user: got %v, want ErrNotFound", err)
		}

		// Rotating the credential must invalidate the issued token.
		if err := svc.UpdateUser(ctx, &gitgate.User{Username: "Alice", Credential: testHash(t, "newpw")}); err != nil {
			t.Fatalf("rotate credential: %v", err)
		}
		if _, err := svc.AuthenticateCookie(ctx, token); !errors.Is(err, gitgate.ErrUnauthenticated) {
			t.Errorf("stale token still valid: %v", err)
		}
		fresh, err := svc.Cookie(ctx, "alice")
		if err != nil {
			t.Fatalf("fresh cookie: %v", err)
		}
		if fresh == token {
			t.Error("token did not rotate with the credential")
		}
	})

	t.Run("TeamRoundTrip", func(t *testing.T) {
		svc := newService(t)
		seedUser(t, svc, "Alice", "alicepw")
		seedUser(t, svc, "Bob", "bobpw")
		seedTeam(t, svc, "Core", []string{"Alice", "BOB", "alice"}, []string{"X/Y.git"})

		got, err := svc.Team(ctx, "CORE")
		if err != nil {
			t.Fatalf("get team: %v", err)
		}
		if got.Name != "Core" {
			t.Errorf("display casing lost: %q", got.Name)
		}
		if !slices.Equal(got.Users, []string{"alice", "bob"}) {
			t.Errorf("members = %v", got.Users)
		}
		if !got.HasRepository("x/y.git") {
			t.Errorf("grants = %v", got.Repositories)
		}
		if _, err := svc.Team(ctx, "ghosts"); !errors.Is(err, gitgate.ErrNotFound) {
			t.Errorf("missing team: got %v, want ErrNotFound", err)
		}
	})

	t.Run("TeamUnknownMemberRejected", func(t *testing.T) {
		svc := newService(t)
		seedUser(t, svc, "Alice", "alicepw")
		err := svc.UpdateTeam(ctx, &gitgate.Team{Name: "Core", Users: []string{"alice", "ghost"}})
		if !errors.Is(err, gitgate.ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound", err)
		}
		if _, err := svc.Team(ctx, "core"); !errors.Is(err, gitgate.ErrNotFound) {
			t.Error("failed update left a team behind")
		}
	})

	t.Run("RenameUserCascades", func(t *testing.T) {
		svc := newService(t)
		seedUser(t, svc, "Alice", "alicepw")
		seedUser(t, svc, "Bob", "bobpw")
		seedTeam(t, svc, "Core", []string{"alice", "bob"}, nil)

		renamed := &gitgate.User{Username: "Alicia", Credential: testHash(t, "alicepw")}
		if err := svc.RenameUser(ctx, "ALICE", renamed); err != nil {
			t.Fatalf("rename: %v", err)
		}
		if _, err := svc.User(ctx, "alice"); !errors.Is(err, gitgate.ErrNotFound) {
			t.Errorf("old name still resolves: %v", err)
		}
		if _, err := svc.User(ctx, "alicia"); err != nil {
			t.Errorf("new name does not resolve: %v", err)
		}
		team, err := svc.Team(ctx, "core")
		if err != nil {
			t.Fatalf("get team: %v", err)
		}
		if !slices.Equal(team.Users, []string{"alicia", "bob"}) {
			t.Errorf("membership not rewritten: %v", team.Users)
		}

		if err := svc.RenameUser(ctx, "alicia", &gitgate.User{Username: "Bob", Credential: testHash(t, "x")}); !errors.Is(err, gitgate.ErrExists) {
			t.Errorf("rename onto taken name: got %v, want ErrExists", err)
		}
		if err := svc.RenameUser(ctx, "ghost", &gitgate.User{Username: "Someone", Credential: testHash(t, "x")}); !errors.Is(err, gitgate.ErrNotFound) {
			t.Errorf("rename of missing user: got %v, want ErrNotFound", err)
		}
		// The failed renames must not have changed anything.
		team, err = svc.Team(ctx, "core")
		if err != nil {
			t.Fatalf("get team: %v", err)
		}
		if !slices.Equal(team.Users, []string{"alicia", "bob"}) {
			t.Errorf("failed rename mutated membership: %v", team.Users)
		}
	})

	t.Run("DeleteUserCascades", func(t *testing.T) {
		svc := newService(t)
		seedUser(t, svc, "Alice", "alicepw")
		seedUser(t, svc, "Bob", "bobpw")
		seedTeam(t, svc, "Core", []string{"alice", "bob"}, nil)

		if err := svc.DeleteUser(ctx, "BOB"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := svc.User(ctx, "bob"); !errors.Is(err, gitgate.ErrNotFound) {
			t.Error("user still resolves after delete")
		}
		team, err := svc.Team(ctx, "core")
		if err != nil {
			t.Fatalf("get team: %v", err)
		}
		if team.HasUser("bob") {
			t.Errorf("membership survived the delete: %v", team.Users)
		}
		if err := svc.DeleteUser(ctx, "bob"); !errors.Is(err, gitgate.ErrNotFound) {
			t.Errorf("second delete: got %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteTeam", func(t *testing.T) {
		svc := newService(t)
		seedUser(t, svc, "Alice", "alicepw")
		seedTeam(t, svc, "Core", []string{"alice"}, nil)

		if err := svc.DeleteTeam(ctx, "CORE"); err != nil {
			t.Fatalf("delete team: %v", err)
		}
		u, err := svc.User(ctx, "alice")
		if err != nil {
			t.Fatalf("get user: %v", err)
		}
		if len(u.Teams) != 0 {
			t.Errorf("user still lists the team: %v", u.Teams)
		}
		if err := svc.DeleteTeam(ctx, "core"); !errors.Is(err, gitgate.ErrNotFound) {
			t.Errorf("second delete: got %v, want ErrNotFound", err)
		}
	})

	t.Run("RenameTeam", func(t *testing.T) {
		svc := newService(t)
		seedUser(t, svc, "Alice", "alicepw")
		seedTeam(t, svc, "Core", []string{"alice"}, []string{"x/y.git"})
		seedTeam(t, svc, "Ops", nil, nil)

		if err := svc.RenameTeam(ctx, "core", &gitgate.Team{Name: "Platform", Users: []string{"alice"}, Repositories: []string{"x/y.git"}}); err != nil {
			t.Fatalf("rename team: %v", err)
		}
		if _, err := svc.Team(ctx, "core"); !errors.Is(err, gitgate.ErrNotFound) {
			t.Error("old team name still resolves")
		}
		team, err := svc.Team(ctx, "platform")
		if err != nil {
			t.Fatalf("get team: %v", err)
		}
		if !team.HasRepository("x/y.git") || !team.HasUser("alice") {
			t.Errorf("rename dropped state: %+v", team)
		}
		if err := svc.RenameTeam(ctx, "platform", &gitgate.Team{Name: "ops"}); !errors.Is(err, gitgate.ErrExists) {
			t.Errorf("rename onto taken name: got %v, want ErrExists", err)
		}
	})

	t.Run("RoleUserSets", func(t *testing.T) {
		svc := newService(t)
		seedUser(t, svc, "Alice", "alicepw")
		seedUser(t, svc, "Bob", "bobpw")
		seedUser(t, svc, "Carol", "carolpw")
		const role = "projectx/repo.git"

		if err := svc.SetUsernamesForRole(ctx, role, []string{"Alice", "BOB"}); err != nil {
			t.Fatalf("set role users: %v", err)
		}
		names, err := svc.UsernamesForRole(ctx, role)
		if err != nil {
			t.Fatalf("get role users: %v", err)
		}
		if !slices.Equal(names, []string{"Alice", "Bob"}) {
			t.Errorf("holders = %v", names)
		}

		// Replacement drops alice, keeps bob, adds carol.
		if err := svc.SetUsernamesForRole(ctx, role, []string{"bob", "carol"}); err != nil {
			t.Fatalf("replace role users: %v", err)
		}
		names, _ = svc.UsernamesForRole(ctx, role)
		if !slices.Equal(names, []string{"Bob", "Carol"}) {
			t.Errorf("holders after replace = %v", names)
		}
		alice, err := svc.User(ctx, "alice")
		if err != nil {
			t.Fatalf("get alice: %v", err)
		}
		if alice.HasRepository(role) {
			t.Error("replaced set left a stale grant")
		}

		// Unknown username rejects the whole call.
		err = svc.SetUsernamesForRole(ctx, role, []string{"bob", "ghost"})
		if !errors.Is(err, gitgate.ErrNotFound) {
			t.Fatalf("unknown holder: got %v, want ErrNotFound", err)
		}
		names, _ = svc.UsernamesForRole(ctx, role)
		if !slices.Equal(names, []string{"Bob", "Carol"}) {
			t.Errorf("failed set mutated holders: %v", names)
		}

		// Empty list clears the role.
		if err := svc.SetUsernamesForRole(ctx, role, nil); err != nil {
			t.Fatalf("clear role: %v", err)
		}
		names, _ = svc.UsernamesForRole(ctx, role)
		if len(names) != 0 {
			t.Errorf("holders after clear = %v", names)
		}
	})

	t.Run("RoleTeamSets", func(t *testing.T) {
		svc := newService(t)
		seedUser(t, svc, "Alice", "alicepw")
		seedTeam(t, svc, "Core", []string{"alice"}, nil)
		seedTeam(t, svc, "Ops", nil, nil)
		const role = "projectx/repo.git"

		if err := svc.SetTeamnamesForRole(ctx, role, []string{"CORE"}); err != nil {
			t.Fatalf("set role teams: %v", err)
		}
		names, err := svc.TeamnamesForRole(ctx, role)
		if err != nil {
			t.Fatalf("get role teams: %v", err)
		}
		if !slices.Equal(names, []string{"Core"}) {
			t.Errorf("holders = %v", names)
		}
		if err := svc.SetTeamnamesForRole(ctx, role, []string{"ghosts"}); !errors.Is(err, gitgate.ErrNotFound) {
			t.Errorf("unknown team: got %v, want ErrNotFound", err)
		}
		if err := svc.SetTeamnamesForRole(ctx, role, []string{"ops"}); err != nil {
			t.Fatalf("replace role teams: %v", err)
		}
		names, _ = svc.TeamnamesForRole(ctx, role)
		if !slices.Equal(names, []string{"Ops"}) {
			t.Errorf("holders after replace = %v", names)
		}
	})

	t.Run("RenameRole", func(t *testing.T) {
		svc := newService(t)
		seedUser(t, svc, "Alice", "alicepw")
		seedUser(t, svc, "Bob", "bobpw")
		seedTeam(t, svc, "Core", []string{"alice"}, nil)
		const oldRole = "projectx/old.git"
		const newRole = "projectx/new.git"

		if err := svc.SetUsernamesForRole(ctx, oldRole, []string{"alice", "bob"}); err != nil {
			t.Fatalf("seed user grants: %v", err)
		}
		if err := svc.SetTeamnamesForRole(ctx, oldRole, []string{"core"}); err != nil {
			t.Fatalf("seed team grants: %v", err)
		}
		// Bob already holds the new name; the rename must collapse, not
		// double-grant.
		if err := svc.SetUsernamesForRole(ctx, newRole, []string{"bob"}); err != nil {
			t.Fatalf("seed overlapping grant: %v", err)
		}

		if err := svc.RenameRole(ctx, "PROJECTX/OLD.GIT", newRole); err != nil {
			t.Fatalf("rename role: %v", err)
		}
		users, _ := svc.UsernamesForRole(ctx, newRole)
		teams, _ := svc.TeamnamesForRole(ctx, newRole)
		if !slices.Equal(users, []string{"Alice", "Bob"}) || !slices.Equal(teams, []string{"Core"}) {
			t.Errorf("holders after rename = %v / %v", users, teams)
		}
		oldUsers, _ := svc.UsernamesForRole(ctx, oldRole)
		oldTeams, _ := svc.TeamnamesForRole(ctx, oldRole)
		if len(oldUsers)+len(oldTeams) != 0 {
			t.Errorf("old role still held: %v / %v", oldUsers, oldTeams)
		}
		bob, err := svc.User(ctx, "bob")
		if err != nil {
			t.Fatalf("get bob: %v", err)
		}
		if len(bob.Repositories) != 1 {
			t.Errorf("grant duplicated: %v", bob.Repositories)
		}

		if err := svc.RenameRole(ctx, "nobody/holds.git", "x/y.git"); !errors.Is(err, gitgate.ErrNotFound) {
			t.Errorf("rename of unheld role: got %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteRole", func(t *testing.T) {
		svc := newService(t)
		seedUser(t, svc, "Alice", "alicepw")
		seedTeam(t, svc, "Core", []string{"alice"}, nil)
		const role = "projectx/repo.git"

		if err := svc.SetUsernamesForRole(ctx, role, []string{"alice"}); err != nil {
			t.Fatalf("seed user grant: %v", err)
		}
		if err := svc.SetTeamnamesForRole(ctx, role, []string{"core"}); err != nil {
			t.Fatalf("seed team grant: %v", err)
		}
		if err := svc.DeleteRole(ctx, "PROJECTX/REPO.GIT"); err != nil {
			t.Fatalf("delete role: %v", err)
		}
		users, _ := svc.UsernamesForRole(ctx, role)
		teams, _ := svc.TeamnamesForRole(ctx, role)
		if len(users)+len(teams) != 0 {
			t.Errorf("role still held: %v / %v", users, teams)
		}
		if err := svc.DeleteRole(ctx, role); !errors.Is(err, gitgate.ErrNotFound) {
			t.Errorf("second delete: got %v, want ErrNotFound", err)
		}
	})

	t.Run("SortedListings", func(t *testing.T) {
		svc := newService(t)
		seedUser(t, svc, "carol", "pw")
		seedUser(t, svc, "Alice", "pw")
		seedUser(t, svc, "bob", "pw")
		seedUser(t, svc, "carol", "pw")
		seedTeam(t, svc, "ops", nil, nil)
		seedTeam(t, svc, "Core", nil, nil)

		names, err := svc.Usernames(ctx)
		if err != nil {
			t.Fatalf("usernames: %v", err)
		}
		if !slices.Equal(names, []string{"Alice", "bob", "carol"}) {
			t.Errorf("usernames = %v", names)
		}
		teams, err := svc.Teamnames(ctx)
		if err != nil {
			t.Fatalf("teamnames: %v", err)
		}
		if !slices.Equal(teams, []string{"Core", "ops"}) {
			t.Errorf("teamnames = %v", teams)
		}
		users, err := svc.Users(ctx)
		if err != nil {
			t.Fatalf("users: %v", err)
		}
		if len(users) != 3 || users[0].Username != "Alice" {
			t.Errorf("users listing = %v", users)
		}
	})

	t.Run("ConcurrentCreatesAllVisible", func(t *testing.T) {
		svc := newService(t)
		const n = 20
		hash := testHash(t, "pw")
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				u := &gitgate.User{Username: fmt.Sprintf("user%02d", i), Credential: hash}
				errs[i] = svc.UpdateUser(ctx, u)
			}(i)
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Fatalf("create %d: %v", i, err)
			}
		}
		names, err := svc.Usernames(ctx)
		if err != nil {
			t.Fatalf("usernames: %v", err)
		}
		if len(names) != n {
			t.Fatalf("want %d users, got %d: %v", n, len(names), names)
		}
	})
}

func testHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := gitgate.HashCredential(password, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing %q: %v", password, err)
	}
	return hash
}

func seedUser(t *testing.T, svc gitgate.Service, username, password string) {
	t.Helper()
	u := &gitgate.User{Username: username, Credential: testHash(t, password)}
	if err := svc.UpdateUser(context.Background(), u); err != nil {
		t.Fatalf("seeding user %s: %v", username, err)
	}
}

func seedTeam(t *testing.T, svc gitgate.Service, name string, users, repos []string) {
	t.Helper()
	team := &gitgate.Team{Name: name, Users: users, Repositories: repos}
	if err := svc.UpdateTeam(context.Background(), team); err != nil {
		t.Fatalf("seeding team %s: %v", name, err)
	}
}
