package testutl

import (
	"context"
	"testing"

	"github.com/gitgate/gitgate"
	"golang.org/x/crypto/bcrypt"
)

// SeedUser stores a user with a hashed password. MinCost keeps test runs
// fast; nothing here measures hash strength.
func SeedUser(t testing.TB, svc gitgate.Service, username, password string, admin bool) *gitgate.User {
	t.Helper()
	hash, err := gitgate.HashCredential(password, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing credential: %v", err)
	}
	u := &gitgate.User{Username: username, Credential: hash, Admin: admin}
	if err := svc.UpdateUser(context.Background(), u); err != nil {
		t.Fatalf("seeding user %s: %v", username, err)
	}
	return u
}

// SeedTeam stores a team. Member users must already exist.
func SeedTeam(t testing.TB, svc gitgate.Service, name string, users, repositories []string) *gitgate.Team {
	t.Helper()
	tm := &gitgate.Team{Name: name, Users: users, Repositories: repositories}
	if err := svc.UpdateTeam(context.Background(), tm); err != nil {
		t.Fatalf("seeding team %s: %v", name, err)
	}
	return tm
}
