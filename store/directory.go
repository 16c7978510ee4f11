package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"cloud.google.com/go/datastore"
	"github.com/gitgate/gitgate"
)

const (
	userKind = "User"
	teamKind = "Team"
	rootKind = "Directory"
)

// DirectoryService keeps accounts in Cloud Datastore, standing in for an
// external account directory. It cannot issue cookie tokens; callers are
// expected to authenticate with credentials on every request.
//
// All entities hang off one root key, so ancestor queries can join the
// transactions that carry the rename and delete cascades.
type DirectoryService struct {
	client  *datastore.Client
	project string
	root    *datastore.Key
}

var _ gitgate.Service = (*DirectoryService)(nil)

// NewDirectoryService connects to the configured datastore.
func NewDirectoryService(ctx context.Context, settings gitgate.Settings) (*DirectoryService, error) {
	if _, err := settings.Cost(); err != nil {
		return nil, err
	}
	if settings.Project == "" {
		return nil, &gitgate.ConfigError{Setting: "project", Reason: "directory backend requires a project id"}
	}
	var client *datastore.Client
	var err error
	if settings.Database != "" {
		client, err = datastore.NewClientWithDatabase(ctx, settings.Project, settings.Database)
	} else {
		client, err = datastore.NewClient(ctx, settings.Project)
	}
	if err != nil {
		return nil, &gitgate.ConfigError{Setting: "project", Reason: err.Error()}
	}
	return &DirectoryService{
		client:  client,
		project: settings.Project,
		root:    datastore.NameKey(rootKind, "root", nil),
	}, nil
}

// Close releases the datastore client.
func (s *DirectoryService) Close() error {
	return s.client.Close()
}

func (s *DirectoryService) String() string {
	return "directory:" + s.project
}

// SupportsCookies is false: the directory holds no token state.
func (s *DirectoryService) SupportsCookies() bool {
	return false
}

func (s *DirectoryService) Cookie(ctx context.Context, username string) (string, error) {
	return "", gitgate.ErrUnsupported
}

func (s *DirectoryService) AuthenticateCookie(ctx context.Context, token string) (*gitgate.User, error) {
	return nil, gitgate.ErrUnsupported
}

func (s *DirectoryService) Authenticate(ctx context.Context, username, password string) (*gitgate.User, error) {
	u := new(gitgate.User)
	err := s.client.Get(ctx, s.userKey(gitgate.NormalizeName(username)), u)
	if err != nil || !u.CheckPassword(password) {
		return nil, gitgate.ErrUnauthenticated
	}
	normalizeUser(u)
	if err := s.populateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *DirectoryService) User(ctx context.Context, username string) (*gitgate.User, error) {
	u := new(gitgate.User)
	err := s.client.Get(ctx, s.userKey(gitgate.NormalizeName(username)), u)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil, gitgate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	normalizeUser(u)
	if err := s.populateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *DirectoryService) UpdateUser(ctx context.Context, u *gitgate.User) error {
	if err := validName(u.Username); err != nil {
		return err
	}
	c := u.Copy()
	canonicalizeUser(c)
	if _, err := s.client.Put(ctx, s.userKey(gitgate.NormalizeName(c.Username)), c); err != nil {
		return fmt.Errorf("putting user: %w", err)
	}
	return nil
}

func (s *DirectoryService) RenameUser(ctx context.Context, oldname string, u *gitgate.User) error {
	if err := validName(u.Username); err != nil {
		return err
	}
	oldKey := gitgate.NormalizeName(oldname)
	newKey := gitgate.NormalizeName(u.Username)

	tx, err := s.client.NewTransaction(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var cur gitgate.User
	if err := tx.Get(s.userKey(oldKey), &cur); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return gitgate.ErrNotFound
		}
		return fmt.Errorf("getting user: %w", err)
	}
	if oldKey != newKey {
		var clash gitgate.User
		err := tx.Get(s.userKey(newKey), &clash)
		if err == nil {
			return gitgate.ErrExists
		}
		if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return fmt.Errorf("checking new name: %w", err)
		}
		if err := tx.Delete(s.userKey(oldKey)); err != nil {
			return fmt.Errorf("deleting old user: %w", err)
		}
		member, err := s.teamsWithMember(ctx, tx, oldKey)
		if err != nil {
			return err
		}
		for _, t := range member {
			t.RemoveUser(oldKey)
			t.AddUser(newKey)
			if _, err := tx.Put(s.teamKey(gitgate.NormalizeName(t.Name)), t); err != nil {
				return fmt.Errorf("updating team %s: %w", t.Name, err)
			}
		}
	}
	c := u.Copy()
	canonicalizeUser(c)
	if _, err := tx.Put(s.userKey(newKey), c); err != nil {
		return fmt.Errorf("putting user: %w", err)
	}
	if _, err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rename: %w", err)
	}
	return nil
}

func (s *DirectoryService) DeleteUser(ctx context.Context, username string) error {
	key := gitgate.NormalizeName(username)

	tx, err := s.client.NewTransaction(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var cur gitgate.User
	if err := tx.Get(s.userKey(key), &cur); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return gitgate.ErrNotFound
		}
		return fmt.Errorf("getting user: %w", err)
	}
	if err := tx.Delete(s.userKey(key)); err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	member, err := s.teamsWithMember(ctx, tx, key)
	if err != nil {
		return err
	}
	for _, t := range member {
		t.RemoveUser(key)
		if _, err := tx.Put(s.teamKey(gitgate.NormalizeName(t.Name)), t); err != nil {
			return fmt.Errorf("updating team %s: %w", t.Name, err)
		}
	}
	if _, err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}

func (s *DirectoryService) Usernames(ctx context.Context) ([]string, error) {
	users, err := s.allUsers(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	return names, nil
}

func (s *DirectoryService) Users(ctx context.Context) ([]*gitgate.User, error) {
	users, err := s.allUsers(ctx)
	if err != nil {
		return nil, err
	}
	teams, err := s.allTeams(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		key := gitgate.NormalizeName(u.Username)
		for _, t := range teams {
			if t.HasUser(key) {
				u.Teams = append(u.Teams, t.Copy())
			}
		}
	}
	return users, nil
}

func (s *DirectoryService) Team(ctx context.Context, teamname string) (*gitgate.Team, error) {
	t := new(gitgate.Team)
	err := s.client.Get(ctx, s.teamKey(gitgate.NormalizeName(teamname)), t)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil, gitgate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting team: %w", err)
	}
	normalizeTeam(t)
	return t, nil
}

func (s *DirectoryService) UpdateTeam(ctx context.Context, t *gitgate.Team) error {
	if err := validName(t.Name); err != nil {
		return err
	}
	tx, err := s.client.NewTransaction(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkMembersTx(tx, t); err != nil {
		return err
	}
	c := t.Copy()
	canonicalizeTeam(c)
	if _, err := tx.Put(s.teamKey(gitgate.NormalizeName(c.Name)), c); err != nil {
		return fmt.Errorf("putting team: %w", err)
	}
	if _, err := tx.Commit(); err != nil {
		return fmt.Errorf("committing team: %w", err)
	}
	return nil
}

func (s *DirectoryService) RenameTeam(ctx context.Context, oldname string, t *gitgate.Team) error {
	if err := validName(t.Name); err != nil {
		return err
	}
	oldKey := gitgate.NormalizeName(oldname)
	newKey := gitgate.NormalizeName(t.Name)

	tx, err := s.client.NewTransaction(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var cur gitgate.Team
	if err := tx.Get(s.teamKey(oldKey), &cur); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return gitgate.ErrNotFound
		}
		return fmt.Errorf("getting team: %w", err)
	}
	if oldKey != newKey {
		var clash gitgate.Team
		err := tx.Get(s.teamKey(newKey), &clash)
		if err == nil {
			return gitgate.ErrExists
		}
		if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return fmt.Errorf("checking new name: %w", err)
		}
		if err := tx.Delete(s.teamKey(oldKey)); err != nil {
			return fmt.Errorf("deleting old team: %w", err)
		}
	}
	if err := s.checkMembersTx(tx, t); err != nil {
		return err
	}
	c := t.Copy()
	canonicalizeTeam(c)
	if _, err := tx.Put(s.teamKey(newKey), c); err != nil {
		return fmt.Errorf("putting team: %w", err)
	}
	if _, err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rename: %w", err)
	}
	return nil
}

func (s *DirectoryService) DeleteTeam(ctx context.Context, teamname string) error {
	key := gitgate.NormalizeName(teamname)

	tx, err := s.client.NewTransaction(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var cur gitgate.Team
	if err := tx.Get(s.teamKey(key), &cur); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return gitgate.ErrNotFound
		}
		return fmt.Errorf("getting team: %w", err)
	}
	if err := tx.Delete(s.teamKey(key)); err != nil {
		return fmt.Errorf("deleting team: %w", err)
	}
	if _, err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}

func (s *DirectoryService) Teamnames(ctx context.Context) ([]string, error) {
	teams, err := s.allTeams(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(teams))
	for _, t := range teams {
		names = append(names, t.Name)
	}
	return names, nil
}

func (s *DirectoryService) Teams(ctx context.Context) ([]*gitgate.Team, error) {
	return s.allTeams(ctx)
}

func (s *DirectoryService) UsernamesForRole(ctx context.Context, role string) ([]string, error) {
	users, err := s.userHolders(ctx, nil, role)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	slices.SortFunc(names, compareNames)
	return names, nil
}

func (s *DirectoryService) SetUsernamesForRole(ctx context.Context, role string, usernames []string) error {
	if err := validName(role); err != nil {
		return err
	}
	want := gitgate.NormalizeNames(usernames)

	tx, err := s.client.NewTransaction(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	wanted := make(map[string]*gitgate.User, len(want))
	for _, name := range want {
		u := new(gitgate.User)
		if err := tx.Get(s.userKey(name), u); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return fmt.Errorf("user %q: %w", name, gitgate.ErrNotFound)
			}
			return fmt.Errorf("getting user: %w", err)
		}
		wanted[name] = u
	}
	holders, err := s.userHolders(ctx, tx, role)
	if err != nil {
		return err
	}
	for _, u := range holders {
		key := gitgate.NormalizeName(u.Username)
		if _, keep := wanted[key]; keep {
			continue
		}
		u.RemoveRepository(role)
		if _, err := tx.Put(s.userKey(key), u); err != nil {
			return fmt.Errorf("updating user %s: %w", u.Username, err)
		}
	}
	for key, u := range wanted {
		if u.HasRepository(role) {
			continue
		}
		u.AddRepository(role)
		if _, err := tx.Put(s.userKey(key), u); err != nil {
			return fmt.Errorf("updating user %s: %w", u.Username, err)
		}
	}
	if _, err := tx.Commit(); err != nil {
		return fmt.Errorf("committing role change: %w", err)
	}
	return nil
}

func (s *DirectoryService) TeamnamesForRole(ctx context.Context, role string) ([]string, error) {
	teams, err := s.teamHolders(ctx, nil, role)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(teams))
	for _, t := range teams {
		names = append(names, t.Name)
	}
	slices.SortFunc(names, compareNames)
	return names, nil
}

func (s *DirectoryService) SetTeamnamesForRole(ctx context.Context, role string, teamnames []string) error {
	if err := validName(role); err != nil {
		return err
	}
	want := gitgate.NormalizeNames(teamnames)

	tx, err := s.client.NewTransaction(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	wanted := make(map[string]*gitgate.Team, len(want))
	for _, name := range want {
		t := new(gitgate.Team)
		if err := tx.Get(s.teamKey(name), t); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return fmt.Errorf("team %q: %w", name, gitgate.ErrNotFound)
			}
			return fmt.Errorf("getting team: %w", err)
		}
		wanted[name] = t
	}
	holders, err := s.teamHolders(ctx, tx, role)
	if err != nil {
		return err
	}
	for _, t := range holders {
		key := gitgate.NormalizeName(t.Name)
		if _, keep := wanted[key]; keep {
			continue
		}
		t.RemoveRepository(role)
		if _, err := tx.Put(s.teamKey(key), t); err != nil {
			return fmt.Errorf("updating team %s: %w", t.Name, err)
		}
	}
	for key, t := range wanted {
		if t.HasRepository(role) {
			continue
		}
		t.AddRepository(role)
		if _, err := tx.Put(s.teamKey(key), t); err != nil {
			return fmt.Errorf("updating team %s: %w", t.Name, err)
		}
	}
	if _, err := tx.Commit(); err != nil {
		return fmt.Errorf("committing role change: %w", err)
	}
	return nil
}

func (s *DirectoryService) RenameRole(ctx context.Context, oldRole, newRole string) error {
	if err := validName(oldRole); err != nil {
		return err
	}
	if err := validName(newRole); err != nil {
		return err
	}
	tx, err := s.client.NewTransaction(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	users, err := s.userHolders(ctx, tx, oldRole)
	if err != nil {
		return err
	}
	teams, err := s.teamHolders(ctx, tx, oldRole)
	if err != nil {
		return err
	}
	if len(users)+len(teams) == 0 {
		return gitgate.ErrNotFound
	}
	for _, u := range users {
		u.RemoveRepository(oldRole)
		u.AddRepository(newRole)
		if _, err := tx.Put(s.userKey(gitgate.NormalizeName(u.Username)), u); err != nil {
			return fmt.Errorf("updating user %s: %w", u.Username, err)
		}
	}
	for _, t := range teams {
		t.RemoveRepository(oldRole)
		t.AddRepository(newRole)
		if _, err := tx.Put(s.teamKey(gitgate.NormalizeName(t.Name)), t); err != nil {
			return fmt.Errorf("updating team %s: %w", t.Name, err)
		}
	}
	if _, err := tx.Commit(); err != nil {
		return fmt.Errorf("committing role rename: %w", err)
	}
	return nil
}

func (s *DirectoryService) DeleteRole(ctx context.Context, role string) error {
	if err := validName(role); err != nil {
		return err
	}
	tx, err := s.client.NewTransaction(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	users, err := s.userHolders(ctx, tx, role)
	if err != nil {
		return err
	}
	teams, err := s.teamHolders(ctx, tx, role)
	if err != nil {
		return err
	}
	if len(users)+len(teams) == 0 {
		return gitgate.ErrNotFound
	}
	for _, u := range users {
		u.RemoveRepository(role)
		if _, err := tx.Put(s.userKey(gitgate.NormalizeName(u.Username)), u); err != nil {
			return fmt.Errorf("updating user %s: %w", u.Username, err)
		}
	}
	for _, t := range teams {
		t.RemoveRepository(role)
		if _, err := tx.Put(s.teamKey(gitgate.NormalizeName(t.Name)), t); err != nil {
			return fmt.Errorf("updating team %s: %w", t.Name, err)
		}
	}
	if _, err := tx.Commit(); err != nil {
		return fmt.Errorf("committing role delete: %w", err)
	}
	return nil
}

func (s *DirectoryService) userKey(key string) *datastore.Key {
	return datastore.NameKey(userKind, key, s.root)
}

func (s *DirectoryService) teamKey(key string) *datastore.Key {
	return datastore.NameKey(teamKind, key, s.root)
}

func (s *DirectoryService) allUsers(ctx context.Context) ([]*gitgate.User, error) {
	var users []*gitgate.User
	q := datastore.NewQuery(userKind).Ancestor(s.root)
	if _, err := s.client.GetAll(ctx, q, &users); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	for _, u := range users {
		normalizeUser(u)
	}
	slices.SortFunc(users, func(a, b *gitgate.User) int {
		return compareNames(a.Username, b.Username)
	})
	return users, nil
}

func (s *DirectoryService) allTeams(ctx context.Context) ([]*gitgate.Team, error) {
	var teams []*gitgate.Team
	q := datastore.NewQuery(teamKind).Ancestor(s.root)
	if _, err := s.client.GetAll(ctx, q, &teams); err != nil {
		return nil, fmt.Errorf("listing teams: %w", err)
	}
	for _, t := range teams {
		normalizeTeam(t)
	}
	slices.SortFunc(teams, func(a, b *gitgate.Team) int {
		return compareNames(a.Name, b.Name)
	})
	return teams, nil
}

// teamsWithMember finds the teams listing the user, inside the given
// transaction.
func (s *DirectoryService) teamsWithMember(ctx context.Context, tx *datastore.Transaction, key string) ([]*gitgate.Team, error) {
	var teams []*gitgate.Team
	q := datastore.NewQuery(teamKind).Ancestor(s.root).FilterField("Users", "=", key).Transaction(tx)
	if _, err := s.client.GetAll(ctx, q, &teams); err != nil {
		return nil, fmt.Errorf("querying teams: %w", err)
	}
	for _, t := range teams {
		normalizeTeam(t)
	}
	return teams, nil
}

func (s *DirectoryService) userHolders(ctx context.Context, tx *datastore.Transaction, role string) ([]*gitgate.User, error) {
	var users []*gitgate.User
	q := datastore.NewQuery(userKind).Ancestor(s.root).FilterField("Repositories", "=", gitgate.NormalizeName(role))
	if tx != nil {
		q = q.Transaction(tx)
	}
	if _, err := s.client.GetAll(ctx, q, &users); err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	for _, u := range users {
		normalizeUser(u)
	}
	return users, nil
}

func (s *DirectoryService) teamHolders(ctx context.Context, tx *datastore.Transaction, role string) ([]*gitgate.Team, error) {
	var teams []*gitgate.Team
	q := datastore.NewQuery(teamKind).Ancestor(s.root).FilterField("Repositories", "=", gitgate.NormalizeName(role))
	if tx != nil {
		q = q.Transaction(tx)
	}
	if _, err := s.client.GetAll(ctx, q, &teams); err != nil {
		return nil, fmt.Errorf("querying teams: %w", err)
	}
	for _, t := range teams {
		normalizeTeam(t)
	}
	return teams, nil
}

func (s *DirectoryService) populateUser(ctx context.Context, u *gitgate.User) error {
	key := gitgate.NormalizeName(u.Username)
	var teams []*gitgate.Team
	q := datastore.NewQuery(teamKind).Ancestor(s.root).FilterField("Users", "=", key)
	if _, err := s.client.GetAll(ctx, q, &teams); err != nil {
		return fmt.Errorf("querying teams: %w", err)
	}
	for _, t := range teams {
		normalizeTeam(t)
	}
	slices.SortFunc(teams, func(a, b *gitgate.Team) int {
		return compareNames(a.Name, b.Name)
	})
	u.Teams = teams
	return nil
}

func (s *DirectoryService) checkMembersTx(tx *datastore.Transaction, t *gitgate.Team) error {
	for _, name := range t.Users {
		key := gitgate.NormalizeName(name)
		var u gitgate.User
		if err := tx.Get(s.userKey(key), &u); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return fmt.Errorf("team member %q: %w", name, gitgate.ErrNotFound)
			}
			return fmt.Errorf("getting user: %w", err)
		}
	}
	return nil
}

// canonicalizeUser prepares an owned record for storage.
func canonicalizeUser(u *gitgate.User) {
	u.Username = strings.TrimSpace(u.Username)
	u.Repositories = gitgate.NormalizeNames(u.Repositories)
	u.Teams = nil
}

func canonicalizeTeam(t *gitgate.Team) {
	t.Name = strings.TrimSpace(t.Name)
	t.Users = gitgate.NormalizeNames(t.Users)
	t.Repositories = gitgate.NormalizeNames(t.Repositories)
}

// normalizeUser smooths over datastore's nil round-trip for empty slices.
func normalizeUser(u *gitgate.User) {
	if u.Repositories == nil {
		u.Repositories = []string{}
	}
}

func normalizeTeam(t *gitgate.Team) {
	if t.Users == nil {
		t.Users = []string{}
	}
	if t.Repositories == nil {
		t.Repositories = []string{}
	}
}

func compareNames(a, b string) int {
	return strings.Compare(gitgate.NormalizeName(a), gitgate.NormalizeName(b))
}
