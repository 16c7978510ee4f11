package store

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gitgate/gitgate"
	bolt "go.etcd.io/bbolt"
)

var (
	usersBucket = []byte("users")
	teamsBucket = []byte("teams")
)

// errStop aborts a bucket scan early without failing the transaction.
var errStop = errors.New("stop iteration")

// BoltService is the single-file backend. Records are JSON values keyed by
// normalized name; every mutation runs in one write transaction, which makes
// the cascades atomic.
type BoltService struct {
	db   *bolt.DB
	path string
}

var _ gitgate.Service = (*BoltService)(nil)

// NewBoltService opens (or creates) the database file and its buckets.
func NewBoltService(settings gitgate.Settings) (*BoltService, error) {
	if _, err := settings.Cost(); err != nil {
		return nil, err
	}
	if settings.Path == "" {
		return nil, &gitgate.ConfigError{Setting: "path", Reason: "bolt backend requires a database file"}
	}
	db, err := bolt.Open(settings.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, &gitgate.ConfigError{Setting: "path", Reason: err.Error()}
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(usersBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(teamsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &BoltService{db: db, path: settings.Path}, nil
}

// Close releases the database file.
func (s *BoltService) Close() error {
	return s.db.Close()
}

func (s *BoltService) String() string {
	return "bolt:" + s.path
}

func (s *BoltService) SupportsCookies() bool {
	return true
}

func (s *BoltService) Cookie(ctx context.Context, username string) (string, error) {
	var token string
	err := s.db.View(func(tx *bolt.Tx) error {
		u, err := boltGetUser(tx, gitgate.NormalizeName(username))
		if err != nil {
			return err
		}
		token = u.CookieToken()
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *BoltService) AuthenticateCookie(ctx context.Context, token string) (*gitgate.User, error) {
	var found *gitgate.User
	err := s.db.View(func(tx *bolt.Tx) error {
		err := boltForEachUser(tx, func(key string, u *gitgate.User) error {
			if hmac.Equal([]byte(u.CookieToken()), []byte(token)) {
				found = u
				return errStop
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			return err
		}
		if found == nil {
			return nil
		}
		return boltPopulateUser(tx, found)
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, gitgate.ErrUnauthenticated
	}
	return found, nil
}

func (s *BoltService) Authenticate(ctx context.Context, username, password string) (*gitgate.User, error) {
	var found *gitgate.User
	err := s.db.View(func(tx *bolt.Tx) error {
		u, err := boltGetUser(tx, gitgate.NormalizeName(username))
		if errors.Is(err, gitgate.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !u.CheckPassword(password) {
			return nil
		}
		if err := boltPopulateUser(tx, u); err != nil {
			return err
		}
		found = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, gitgate.ErrUnauthenticated
	}
	return found, nil
}

func (s *BoltService) User(ctx context.Context, username string) (*gitgate.User, error) {
	var u *gitgate.User
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		u, err = boltGetUser(tx, gitgate.NormalizeName(username))
		if err != nil {
			return err
		}
		return boltPopulateUser(tx, u)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *BoltService) UpdateUser(ctx context.Context, u *gitgate.User) error {
	if err := validName(u.Username); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return boltPutUser(tx, u.Copy())
	})
}

func (s *BoltService) RenameUser(ctx context.Context, oldname string, u *gitgate.User) error {
	if err := validName(u.Username); err != nil {
		return err
	}
	oldKey := gitgate.NormalizeName(oldname)
	newKey := gitgate.NormalizeName(u.Username)
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := boltGetUser(tx, oldKey); err != nil {
			return err
		}
		if oldKey != newKey {
			if raw := tx.Bucket(usersBucket).Get([]byte(newKey)); raw != nil {
				return gitgate.ErrExists
			}
			if err := tx.Bucket(usersBucket).Delete([]byte(oldKey)); err != nil {
				return err
			}
			member, err := boltTeamsWithMember(tx, oldKey)
			if err != nil {
				return err
			}
			for _, t := range member {
				t.RemoveUser(oldKey)
				t.AddUser(newKey)
				if err := boltPutTeam(tx, t); err != nil {
					return err
				}
			}
		}
		return boltPutUser(tx, u.Copy())
	})
}

func (s *BoltService) DeleteUser(ctx context.Context, username string) error {
	key := gitgate.NormalizeName(username)
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := boltGetUser(tx, key); err != nil {
			return err
		}
		if err := tx.Bucket(usersBucket).Delete([]byte(key)); err != nil {
			return err
		}
		member, err := boltTeamsWithMember(tx, key)
		if err != nil {
			return err
		}
		for _, t := range member {
			t.RemoveUser(key)
			if err := boltPutTeam(tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltService) Usernames(ctx context.Context) ([]string, error) {
	names := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return boltForEachUser(tx, func(_ string, u *gitgate.User) error {
			names = append(names, u.Username)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (s *BoltService) Users(ctx context.Context) ([]*gitgate.User, error) {
	users := []*gitgate.User{}
	err := s.db.View(func(tx *bolt.Tx) error {
		err := boltForEachUser(tx, func(_ string, u *gitgate.User) error {
			users = append(users, u)
			return nil
		})
		if err != nil {
			return err
		}
		for _, u := range users {
			if err := boltPopulateUser(tx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (s *BoltService) Team(ctx context.Context, teamname string) (*gitgate.Team, error) {
	var t *gitgate.Team
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		t, err = boltGetTeam(tx, gitgate.NormalizeName(teamname))
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltService) UpdateTeam(ctx context.Context, t *gitgate.Team) error {
	if err := validName(t.Name); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := boltCheckMembers(tx, t); err != nil {
			return err
		}
		return boltPutTeam(tx, t.Copy())
	})
}

func (s *BoltService) RenameTeam(ctx context.Context, oldname string, t *gitgate.Team) error {
	if err := validName(t.Name); err != nil {
		return err
	}
	oldKey := gitgate.NormalizeName(oldname)
	newKey := gitgate.NormalizeName(t.Name)
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := boltGetTeam(tx, oldKey); err != nil {
			return err
		}
		if oldKey != newKey {
			if raw := tx.Bucket(teamsBucket).Get([]byte(newKey)); raw != nil {
				return gitgate.ErrExists
			}
			if err := tx.Bucket(teamsBucket).Delete([]byte(oldKey)); err != nil {
				return err
			}
		}
		if err := boltCheckMembers(tx, t); err != nil {
			return err
		}
		return boltPutTeam(tx, t.Copy())
	})
}

func (s *BoltService) DeleteTeam(ctx context.Context, teamname string) error {
	key := gitgate.NormalizeName(teamname)
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := boltGetTeam(tx, key); err != nil {
			return err
		}
		return tx.Bucket(teamsBucket).Delete([]byte(key))
	})
}

func (s *BoltService) Teamnames(ctx context.Context) ([]string, error) {
	names := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return boltForEachTeam(tx, func(_ string, t *gitgate.Team) error {
			names = append(names, t.Name)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (s *BoltService) Teams(ctx context.Context) ([]*gitgate.Team, error) {
	teams := []*gitgate.Team{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return boltForEachTeam(tx, func(_ string, t *gitgate.Team) error {
			teams = append(teams, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return teams, nil
}

func (s *BoltService) UsernamesForRole(ctx context.Context, role string) ([]string, error) {
	names := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return boltForEachUser(tx, func(_ string, u *gitgate.User) error {
			if u.HasRepository(role) {
				names = append(names, u.Username)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (s *BoltService) SetUsernamesForRole(ctx context.Context, role string, usernames []string) error {
	if err := validName(role); err != nil {
		return err
	}
	want := gitgate.NormalizeNames(usernames)
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range want {
			if raw := tx.Bucket(usersBucket).Get([]byte(name)); raw == nil {
				return fmt.Errorf("user %q: %w", name, gitgate.ErrNotFound)
			}
		}
		var changed []*gitgate.User
		err := boltForEachUser(tx, func(key string, u *gitgate.User) error {
			holds := u.HasRepository(role)
			wants := slices.Contains(want, key)
			if holds == wants {
				return nil
			}
			if wants {
				u.AddRepository(role)
			} else {
				u.RemoveRepository(role)
			}
			changed = append(changed, u)
			return nil
		})
		if err != nil {
			return err
		}
		return boltPutUsers(tx, changed)
	})
}

func (s *BoltService) TeamnamesForRole(ctx context.Context, role string) ([]string, error) {
	names := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return boltForEachTeam(tx, func(_ string, t *gitgate.Team) error {
			if t.HasRepository(role) {
				names = append(names, t.Name)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (s *BoltService) SetTeamnamesForRole(ctx context.Context, role string, teamnames []string) error {
	if err := validName(role); err != nil {
		return err
	}
	want := gitgate.NormalizeNames(teamnames)
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range want {
			if raw := tx.Bucket(teamsBucket).Get([]byte(name)); raw == nil {
				return fmt.Errorf("team %q: %w", name, gitgate.ErrNotFound)
			}
		}
		var changed []*gitgate.Team
		err := boltForEachTeam(tx, func(key string, t *gitgate.Team) error {
			holds := t.HasRepository(role)
			wants := slices.Contains(want, key)
			if holds == wants {
				return nil
			}
			if wants {
				t.AddRepository(role)
			} else {
				t.RemoveRepository(role)
			}
			changed = append(changed, t)
			return nil
		})
		if err != nil {
			return err
		}
		return boltPutTeams(tx, changed)
	})
}

func (s *BoltService) RenameRole(ctx context.Context, oldRole, newRole string) error {
	if err := validName(oldRole); err != nil {
		return err
	}
	if err := validName(newRole); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		users, teams, err := boltRoleHolders(tx, oldRole)
		if err != nil {
			return err
		}
		if len(users)+len(teams) == 0 {
			return gitgate.ErrNotFound
		}
		for _, u := range users {
			u.RemoveRepository(oldRole)
			u.AddRepository(newRole)
		}
		for _, t := range teams {
			t.RemoveRepository(oldRole)
			t.AddRepository(newRole)
		}
		if err := boltPutUsers(tx, users); err != nil {
			return err
		}
		return boltPutTeams(tx, teams)
	})
}

func (s *BoltService) DeleteRole(ctx context.Context, role string) error {
	if err := validName(role); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		users, teams, err := boltRoleHolders(tx, role)
		if err != nil {
			return err
		}
		if len(users)+len(teams) == 0 {
			return gitgate.ErrNotFound
		}
		for _, u := range users {
			u.RemoveRepository(role)
		}
		for _, t := range teams {
			t.RemoveRepository(role)
		}
		if err := boltPutUsers(tx, users); err != nil {
			return err
		}
		return boltPutTeams(tx, teams)
	})
}

func boltGetUser(tx *bolt.Tx, key string) (*gitgate.User, error) {
	raw := tx.Bucket(usersBucket).Get([]byte(key))
	if raw == nil {
		return nil, gitgate.ErrNotFound
	}
	var u gitgate.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decoding user %s: %w", key, err)
	}
	return &u, nil
}

func boltGetTeam(tx *bolt.Tx, key string) (*gitgate.Team, error) {
	raw := tx.Bucket(teamsBucket).Get([]byte(key))
	if raw == nil {
		return nil, gitgate.ErrNotFound
	}
	var t gitgate.Team
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decoding team %s: %w", key, err)
	}
	return &t, nil
}

// boltPutUser canonicalizes and stores a record the caller owns.
func boltPutUser(tx *bolt.Tx, u *gitgate.User) error {
	u.Username = strings.TrimSpace(u.Username)
	u.Repositories = gitgate.NormalizeNames(u.Repositories)
	u.Teams = nil
	buf, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return tx.Bucket(usersBucket).Put([]byte(gitgate.NormalizeName(u.Username)), buf)
}

func boltPutUsers(tx *bolt.Tx, users []*gitgate.User) error {
	for _, u := range users {
		if err := boltPutUser(tx, u); err != nil {
			return err
		}
	}
	return nil
}

func boltPutTeam(tx *bolt.Tx, t *gitgate.Team) error {
	t.Name = strings.TrimSpace(t.Name)
	t.Users = gitgate.NormalizeNames(t.Users)
	t.Repositories = gitgate.NormalizeNames(t.Repositories)
	buf, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return tx.Bucket(teamsBucket).Put([]byte(gitgate.NormalizeName(t.Name)), buf)
}

func boltPutTeams(tx *bolt.Tx, teams []*gitgate.Team) error {
	for _, t := range teams {
		if err := boltPutTeam(tx, t); err != nil {
			return err
		}
	}
	return nil
}

// boltForEachUser walks the users bucket in key order, decoding each record.
// Callbacks must not write to the bucket; collect changes and put them after
// the walk.
func boltForEachUser(tx *bolt.Tx, fn func(key string, u *gitgate.User) error) error {
	return tx.Bucket(usersBucket).ForEach(func(k, v []byte) error {
		var u gitgate.User
		if err := json.Unmarshal(v, &u); err != nil {
			return fmt.Errorf("decoding user %s: %w", k, err)
		}
		return fn(string(k), &u)
	})
}

func boltForEachTeam(tx *bolt.Tx, fn func(key string, t *gitgate.Team) error) error {
	return tx.Bucket(teamsBucket).ForEach(func(k, v []byte) error {
		var t gitgate.Team
		if err := json.Unmarshal(v, &t); err != nil {
			return fmt.Errorf("decoding team %s: %w", k, err)
		}
		return fn(string(k), &t)
	})
}

// boltPopulateUser attaches the derived team list inside the transaction the
// user was read in.
func boltPopulateUser(tx *bolt.Tx, u *gitgate.User) error {
	key := gitgate.NormalizeName(u.Username)
	u.Teams = nil
	return boltForEachTeam(tx, func(_ string, t *gitgate.Team) error {
		if t.HasUser(key) {
			u.Teams = append(u.Teams, t)
		}
		return nil
	})
}

func boltTeamsWithMember(tx *bolt.Tx, key string) ([]*gitgate.Team, error) {
	var member []*gitgate.Team
	err := boltForEachTeam(tx, func(_ string, t *gitgate.Team) error {
		if t.HasUser(key) {
			member = append(member, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

func boltCheckMembers(tx *bolt.Tx, t *gitgate.Team) error {
	for _, name := range t.Users {
		key := gitgate.NormalizeName(name)
		if raw := tx.Bucket(usersBucket).Get([]byte(key)); raw == nil {
			return fmt.Errorf("team member %q: %w", name, gitgate.ErrNotFound)
		}
	}
	return nil
}

// boltRoleHolders collects every user and team holding the role.
func boltRoleHolders(tx *bolt.Tx, role string) ([]*gitgate.User, []*gitgate.Team, error) {
	var users []*gitgate.User
	err := boltForEachUser(tx, func(_ string, u *gitgate.User) error {
		if u.HasRepository(role) {
			users = append(users, u)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	var teams []*gitgate.Team
	err = boltForEachTeam(tx, func(_ string, t *gitgate.Team) error {
		if t.HasRepository(role) {
			teams = append(teams, t)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return users, teams, nil
}
