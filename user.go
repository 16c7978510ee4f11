package gitgate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// NormalizeName returns the index key for a principal or role name. All
// lookups resolve through normalized keys, so names that differ only in
// case refer to the same record. Display casing is kept on the model.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeNames normalizes a grant or membership list: every entry is
// lower-cased and trimmed, empties and duplicates dropped, result sorted.
func NormalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = NormalizeName(n)
		if n == "" || slices.Contains(out, n) {
			continue
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// User is an account known to the provider.
//
// Credential holds a bcrypt hash, never a plaintext secret. Repositories
// lists the repository roles granted directly to the account, stored in
// normalized form. Teams is computed from team membership whenever the user
// is read back; it is never authoritative and never persisted.
type User struct {
	Username     string   `json:"username"`
	Credential   string   `json:"credential,omitempty"`
	Admin        bool     `json:"admin"`
	Repositories []string `json:"repositories,omitempty"`
	Teams        []*Team  `json:"-" datastore:"-"`
}

// HasRepository reports whether the user holds a direct grant for the role.
func (u *User) HasRepository(role string) bool {
	return slices.Contains(u.Repositories, NormalizeName(role))
}

// AddRepository grants the role directly to the user.
func (u *User) AddRepository(role string) {
	role = NormalizeName(role)
	if role == "" || slices.Contains(u.Repositories, role) {
		return
	}
	u.Repositories = append(u.Repositories, role)
	slices.Sort(u.Repositories)
}

// RemoveRepository revokes a direct grant. Removing a role the user does not
// hold is a no-op.
func (u *User) RemoveRepository(role string) {
	role = NormalizeName(role)
	u.Repositories = slices.DeleteFunc(u.Repositories, func(r string) bool {
		return r == role
	})
}

// CanAccess reports whether the user may reach the repository through the
// admin flag, a direct grant, or any of its teams.
func (u *User) CanAccess(repository string) bool {
	if u.Admin || u.HasRepository(repository) {
		return true
	}
	for _, t := range u.Teams {
		if t.HasRepository(repository) {
			return true
		}
	}
	return false
}

// CheckPassword verifies a plaintext secret against the stored credential
// hash. The comparison cost is constant with respect to the secret.
func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.Credential), []byte(password)) == nil
}

// CookieToken derives the session token for the user. The token is stable
// while the credential is unchanged; rotating the credential invalidates
// every previously issued token.
func (u *User) CookieToken() string {
	sum := sha256.Sum256([]byte(NormalizeName(u.Username) + ":" + u.Credential))
	return hex.EncodeToString(sum[:])
}

// Copy returns a deep copy. Mutating the copy never affects store state.
func (u *User) Copy() *User {
	c := *u
	c.Repositories = slices.Clone(u.Repositories)
	if u.Teams != nil {
		c.Teams = make([]*Team, len(u.Teams))
		for i, t := range u.Teams {
			c.Teams[i] = t.Copy()
		}
	}
	return &c
}

func (u *User) String() string {
	return u.Username
}

// HashCredential hashes a plaintext secret for storage.
func HashCredential(password string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hashing credential: %w", err)
	}
	return string(b), nil
}
