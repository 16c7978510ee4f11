package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/gitgate/gitgate"
)

// Persister receives a full state snapshot after every successful mutation.
// Implementations must be atomic: on error the in-memory state is rolled
// back and the mutation reported as failed.
type Persister interface {
	Persist(users []*gitgate.User, teams []*gitgate.Team) error
}

// MemoryService is the in-memory reference backend. All records are kept in
// maps keyed by normalized name, with a token index for cookie lookups.
// Reads and mutations are guarded by a single RWMutex, so readers never
// observe a half-applied cascade.
type MemoryService struct {
	mu      sync.RWMutex
	users   map[string]*gitgate.User
	teams   map[string]*gitgate.Team
	cookies map[string]string
	persist Persister
}

var _ gitgate.Service = (*MemoryService)(nil)

// NewMemoryService builds an empty in-memory provider.
func NewMemoryService(settings gitgate.Settings) (*MemoryService, error) {
	if _, err := settings.Cost(); err != nil {
		return nil, err
	}
	return newMemoryService(), nil
}

func newMemoryService() *MemoryService {
	return &MemoryService{
		users:   make(map[string]*gitgate.User),
		teams:   make(map[string]*gitgate.Team),
		cookies: make(map[string]string),
	}
}

func (s *MemoryService) String() string {
	return "memory"
}

// SupportsCookies is true: the memory backend maintains a token index.
func (s *MemoryService) SupportsCookies() bool {
	return true
}

func (s *MemoryService) Cookie(ctx context.Context, username string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[gitgate.NormalizeName(username)]
	if !ok {
		return "", gitgate.ErrNotFound
	}
	return u.CookieToken(), nil
}

func (s *MemoryService) AuthenticateCookie(ctx context.Context, token string) (*gitgate.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.cookies[token]
	if !ok {
		return nil, gitgate.ErrUnauthenticated
	}
	u, ok := s.users[key]
	if !ok {
		return nil, gitgate.ErrUnauthenticated
	}
	return s.populateUser(u), nil
}

func (s *MemoryService) Authenticate(ctx context.Context, username, password string) (*gitgate.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[gitgate.NormalizeName(username)]
	if !ok || !u.CheckPassword(password) {
		return nil, gitgate.ErrUnauthenticated
	}
	return s.populateUser(u), nil
}

func (s *MemoryService) User(ctx context.Context, username string) (*gitgate.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[gitgate.NormalizeName(username)]
	if !ok {
		return nil, gitgate.ErrNotFound
	}
	return s.populateUser(u), nil
}

func (s *MemoryService) UpdateUser(ctx context.Context, u *gitgate.User) error {
	if err := validName(u.Username); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	undo := s.cloneState()
	s.putUser(u.Copy())
	return s.commit(undo)
}

func (s *MemoryService) RenameUser(ctx context.Context, oldname string, u *gitgate.User) error {
	if err := validName(u.Username); err != nil {
		return err
	}
	oldKey := gitgate.NormalizeName(oldname)
	newKey := gitgate.NormalizeName(u.Username)

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[oldKey]
	if !ok {
		return gitgate.ErrNotFound
	}
	if oldKey != newKey {
		if _, taken := s.users[newKey]; taken {
			return gitgate.ErrExists
		}
	}
	undo := s.cloneState()
	if oldKey != newKey {
		delete(s.users, oldKey)
		delete(s.cookies, cur.CookieToken())
		for _, t := range s.teams {
			if t.HasUser(oldKey) {
				t.RemoveUser(oldKey)
				t.AddUser(newKey)
			}
		}
	}
	s.putUser(u.Copy())
	return s.commit(undo)
}

func (s *MemoryService) DeleteUser(ctx context.Context, username string) error {
	key := gitgate.NormalizeName(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[key]
	if !ok {
		return gitgate.ErrNotFound
	}
	undo := s.cloneState()
	delete(s.users, key)
	delete(s.cookies, cur.CookieToken())
	for _, t := range s.teams {
		t.RemoveUser(key)
	}
	return s.commit(undo)
}

func (s *MemoryService) Usernames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.users))
	for _, key := range sortedKeys(s.users) {
		names = append(names, s.users[key].Username)
	}
	return names, nil
}

func (s *MemoryService) Users(ctx context.Context) ([]*gitgate.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]*gitgate.User, 0, len(s.users))
	for _, key := range sortedKeys(s.users) {
		users = append(users, s.populateUser(s.users[key]))
	}
	return users, nil
}

func (s *MemoryService) Team(ctx context.Context, teamname string) (*gitgate.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[gitgate.NormalizeName(teamname)]
	if !ok {
		return nil, gitgate.ErrNotFound
	}
	return t.Copy(), nil
}

func (s *MemoryService) UpdateTeam(ctx context.Context, t *gitgate.Team) error {
	if err := validName(t.Name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMembers(t); err != nil {
		return err
	}
	undo := s.cloneState()
	s.putTeam(t.Copy())
	return s.commit(undo)
}

func (s *MemoryService) RenameTeam(ctx context.Context, oldname string, t *gitgate.Team) error {
	if err := validName(t.Name); err != nil {
		return err
	}
	oldKey := gitgate.NormalizeName(oldname)
	newKey := gitgate.NormalizeName(t.Name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[oldKey]; !ok {
		return gitgate.ErrNotFound
	}
	if oldKey != newKey {
		if _, taken := s.teams[newKey]; taken {
			return gitgate.ErrExists
		}
	}
	if err := s.checkMembers(t); err != nil {
		return err
	}
	undo := s.cloneState()
	if oldKey != newKey {
		delete(s.teams, oldKey)
	}
	s.putTeam(t.Copy())
	return s.commit(undo)
}

func (s *MemoryService) DeleteTeam(ctx context.Context, teamname string) error {
	key := gitgate.NormalizeName(teamname)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[key]; !ok {
		return gitgate.ErrNotFound
	}
	undo := s.cloneState()
	delete(s.teams, key)
	return s.commit(undo)
}

func (s *MemoryService) Teamnames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.teams))
	for _, key := range sortedKeys(s.teams) {
		names = append(names, s.teams[key].Name)
	}
	return names, nil
}

func (s *MemoryService) Teams(ctx context.Context) ([]*gitgate.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	teams := make([]*gitgate.Team, 0, len(s.teams))
	for _, key := range sortedKeys(s.teams) {
		teams = append(teams, s.teams[key].Copy())
	}
	return teams, nil
}

func (s *MemoryService) UsernamesForRole(ctx context.Context, role string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := []string{}
	for _, key := range sortedKeys(s.users) {
		if s.users[key].HasRepository(role) {
			names = append(names, s.users[key].Username)
		}
	}
	return names, nil
}

func (s *MemoryService) SetUsernamesForRole(ctx context.Context, role string, usernames []string) error {
	if err := validName(role); err != nil {
		return err
	}
	want := gitgate.NormalizeNames(usernames)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range want {
		if _, ok := s.users[name]; !ok {
			return fmt.Errorf("user %q: %w", name, gitgate.ErrNotFound)
		}
	}
	undo := s.cloneState()
	for key, u := range s.users {
		if slices.Contains(want, key) {
			u.AddRepository(role)
		} else {
			u.RemoveRepository(role)
		}
	}
	return s.commit(undo)
}

func (s *MemoryService) TeamnamesForRole(ctx context.Context, role string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := []string{}
	for _, key := range sortedKeys(s.teams) {
		if s.teams[key].HasRepository(role) {
			names = append(names, s.teams[key].Name)
		}
	}
	return names, nil
}

func (s *MemoryService) SetTeamnamesForRole(ctx context.Context, role string, teamnames []string) error {
	if err := validName(role); err != nil {
		return err
	}
	want := gitgate.NormalizeNames(teamnames)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range want {
		if _, ok := s.teams[name]; !ok {
			return fmt.Errorf("team %q: %w", name, gitgate.ErrNotFound)
		}
	}
	undo := s.cloneState()
	for key, t := range s.teams {
		if slices.Contains(want, key) {
			t.AddRepository(role)
		} else {
			t.RemoveRepository(role)
		}
	}
	return s.commit(undo)
}

func (s *MemoryService) RenameRole(ctx context.Context, oldRole, newRole string) error {
	if err := validName(oldRole); err != nil {
		return err
	}
	if err := validName(newRole); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roleHolders(oldRole) == 0 {
		return gitgate.ErrNotFound
	}
	undo := s.cloneState()
	for _, u := range s.users {
		if u.HasRepository(oldRole) {
			u.RemoveRepository(oldRole)
			u.AddRepository(newRole)
		}
	}
	for _, t := range s.teams {
		if t.HasRepository(oldRole) {
			t.RemoveRepository(oldRole)
			t.AddRepository(newRole)
		}
	}
	return s.commit(undo)
}

func (s *MemoryService) DeleteRole(ctx context.Context, role string) error {
	if err := validName(role); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roleHolders(role) == 0 {
		return gitgate.ErrNotFound
	}
	undo := s.cloneState()
	for _, u := range s.users {
		u.RemoveRepository(role)
	}
	for _, t := range s.teams {
		t.RemoveRepository(role)
	}
	return s.commit(undo)
}

// populateUser returns a defensive copy with the derived team list attached.
// Callers must hold at least the read lock.
func (s *MemoryService) populateUser(u *gitgate.User) *gitgate.User {
	c := u.Copy()
	key := gitgate.NormalizeName(u.Username)
	for _, tk := range sortedKeys(s.teams) {
		if s.teams[tk].HasUser(key) {
			c.Teams = append(c.Teams, s.teams[tk].Copy())
		}
	}
	return c
}

// putUser canonicalizes and indexes a record. Callers must hold the write
// lock and pass a copy they own.
func (s *MemoryService) putUser(u *gitgate.User) {
	u.Username = strings.TrimSpace(u.Username)
	u.Repositories = gitgate.NormalizeNames(u.Repositories)
	u.Teams = nil
	key := gitgate.NormalizeName(u.Username)
	if old, ok := s.users[key]; ok {
		delete(s.cookies, old.CookieToken())
	}
	s.users[key] = u
	s.cookies[u.CookieToken()] = key
}

func (s *MemoryService) putTeam(t *gitgate.Team) {
	t.Name = strings.TrimSpace(t.Name)
	t.Users = gitgate.NormalizeNames(t.Users)
	t.Repositories = gitgate.NormalizeNames(t.Repositories)
	s.teams[gitgate.NormalizeName(t.Name)] = t
}

// checkMembers rejects teams referencing usernames that do not resolve.
func (s *MemoryService) checkMembers(t *gitgate.Team) error {
	for _, name := range t.Users {
		if _, ok := s.users[gitgate.NormalizeName(name)]; !ok {
			return fmt.Errorf("team member %q: %w", name, gitgate.ErrNotFound)
		}
	}
	return nil
}

func (s *MemoryService) roleHolders(role string) int {
	n := 0
	for _, u := range s.users {
		if u.HasRepository(role) {
			n++
		}
	}
	for _, t := range s.teams {
		if t.HasRepository(role) {
			n++
		}
	}
	return n
}

type memState struct {
	users   map[string]*gitgate.User
	teams   map[string]*gitgate.Team
	cookies map[string]string
}

func (s *MemoryService) cloneState() memState {
	st := memState{
		users:   make(map[string]*gitgate.User, len(s.users)),
		teams:   make(map[string]*gitgate.Team, len(s.teams)),
		cookies: maps.Clone(s.cookies),
	}
	for k, u := range s.users {
		st.users[k] = u.Copy()
	}
	for k, t := range s.teams {
		st.teams[k] = t.Copy()
	}
	return st
}

// commit runs the persister and rolls back to undo when it fails. Callers
// must hold the write lock.
func (s *MemoryService) commit(undo memState) error {
	if s.persist == nil {
		return nil
	}
	users, teams := s.snapshot()
	if err := s.persist.Persist(users, teams); err != nil {
		s.users = undo.users
		s.teams = undo.teams
		s.cookies = undo.cookies
		return fmt.Errorf("persisting state: %w", err)
	}
	return nil
}

// snapshot returns sorted deep copies of the full state. Callers must hold
// at least the read lock.
func (s *MemoryService) snapshot() ([]*gitgate.User, []*gitgate.Team) {
	users := make([]*gitgate.User, 0, len(s.users))
	for _, key := range sortedKeys(s.users) {
		u := s.users[key].Copy()
		u.Teams = nil
		users = append(users, u)
	}
	teams := make([]*gitgate.Team, 0, len(s.teams))
	for _, key := range sortedKeys(s.teams) {
		teams = append(teams, s.teams[key].Copy())
	}
	return users, teams
}

func sortedKeys[V any](m map[string]V) []string {
	keys := slices.Collect(maps.Keys(m))
	slices.Sort(keys)
	return keys
}

func validName(name string) error {
	if gitgate.NormalizeName(name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	return nil
}
