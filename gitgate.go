// Package gitgate defines the identity and access contract for a
// source-hosting platform: users, teams, per-repository role grants, and
// credential plus cookie-token authentication. Backends implementing
// Service live under store/.
package gitgate

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a user, team, or role key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when a rename would collide with an existing name.
	ErrExists = errors.New("already exists")
	// ErrUnauthenticated is the single failure value for every authentication
	// miss. It carries no detail about the cause.
	ErrUnauthenticated = errors.New("authentication failed")
	// ErrUnsupported is returned for capabilities a backend does not provide,
	// such as cookie tokens on a directory-backed provider.
	ErrUnsupported = errors.New("not supported by this backend")
)

// ConfigError reports an invalid provider configuration. It is only returned
// while constructing a backend; a provider that failed construction must not
// be used.
type ConfigError struct {
	Setting string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid setting %s: %s", e.Setting, e.Reason)
}

// Service is the identity and access provider contract.
//
// Identifier resolution is case-insensitive for usernames, team names, and
// repository roles. Mutations are atomic: a failed call leaves no visible
// change. Returned models are defensive copies, with User.Teams populated
// from team membership at read time.
type Service interface {
	fmt.Stringer

	// SupportsCookies reports whether this backend can issue and verify
	// cookie tokens.
	SupportsCookies() bool

	// Cookie returns the session token for an existing user. Backends
	// without cookie support return ErrUnsupported.
	Cookie(ctx context.Context, username string) (string, error)

	// AuthenticateCookie resolves a previously issued token by exact match.
	// Any miss, malformed token included, returns ErrUnauthenticated.
	AuthenticateCookie(ctx context.Context, token string) (*User, error)

	// Authenticate verifies a username and password pair. Unknown users and
	// wrong passwords are indistinguishable: both return ErrUnauthenticated.
	Authenticate(ctx context.Context, username, password string) (*User, error)

	// User fetches one user by name.
	User(ctx context.Context, username string) (*User, error)

	// UpdateUser inserts or replaces the record keyed by the model's own
	// username.
	UpdateUser(ctx context.Context, u *User) error

	// RenameUser replaces the record stored under oldname with u. When the
	// names differ the old key is removed, the record is stored under the
	// new key, and team membership entries follow, all in one mutation.
	RenameUser(ctx context.Context, oldname string, u *User) error

	// DeleteUser removes the user and every team membership entry that
	// references it.
	DeleteUser(ctx context.Context, username string) error

	// Usernames lists all usernames, sorted.
	Usernames(ctx context.Context) ([]string, error)

	// Users lists all users sorted by username.
	Users(ctx context.Context) ([]*User, error)

	// Team fetches one team by name.
	Team(ctx context.Context, teamname string) (*Team, error)

	// UpdateTeam inserts or replaces the record keyed by the model's own
	// name.
	UpdateTeam(ctx context.Context, t *Team) error

	// RenameTeam replaces the record stored under oldname with t.
	RenameTeam(ctx context.Context, oldname string, t *Team) error

	// DeleteTeam removes the team. User records are untouched; their
	// computed team lists shrink on the next read.
	DeleteTeam(ctx context.Context, teamname string) error

	// Teamnames lists all team names, sorted.
	Teamnames(ctx context.Context) ([]string, error)

	// Teams lists all teams sorted by name.
	Teams(ctx context.Context) ([]*Team, error)

	// UsernamesForRole lists the users holding a direct grant for the role.
	UsernamesForRole(ctx context.Context, role string) ([]string, error)

	// SetUsernamesForRole replaces the set of users granted the role. Every
	// listed user must exist or the whole call fails with ErrNotFound. An
	// empty list clears the role from all users.
	SetUsernamesForRole(ctx context.Context, role string, usernames []string) error

	// TeamnamesForRole lists the teams granted the role.
	TeamnamesForRole(ctx context.Context, role string) ([]string, error)

	// SetTeamnamesForRole replaces the set of teams granted the role.
	SetTeamnamesForRole(ctx context.Context, role string, teamnames []string) error

	// RenameRole rewrites the grant on every user and team holding it. The
	// holder count is unchanged. Returns ErrNotFound when nothing holds the
	// old role.
	RenameRole(ctx context.Context, oldRole, newRole string) error

	// DeleteRole removes the grant from every user and team holding it.
	DeleteRole(ctx context.Context, role string) error
}
