package gitgate

import "slices"

// Team groups users and carries its own repository role grants. Membership
// lives on the team record; a user's team list is derived from it.
type Team struct {
	Name         string   `json:"name"`
	Users        []string `json:"users,omitempty"`
	Repositories []string `json:"repositories,omitempty"`
}

// HasUser reports whether the named user is a member.
func (t *Team) HasUser(username string) bool {
	return slices.Contains(t.Users, NormalizeName(username))
}

// AddUser adds a member. Usernames are stored normalized.
func (t *Team) AddUser(username string) {
	username = NormalizeName(username)
	if username == "" || slices.Contains(t.Users, username) {
		return
	}
	t.Users = append(t.Users, username)
	slices.Sort(t.Users)
}

// RemoveUser drops a member. Unknown members are a no-op.
func (t *Team) RemoveUser(username string) {
	username = NormalizeName(username)
	t.Users = slices.DeleteFunc(t.Users, func(u string) bool {
		return u == username
	})
}

// HasRepository reports whether the team holds a grant for the role.
func (t *Team) HasRepository(role string) bool {
	return slices.Contains(t.Repositories, NormalizeName(role))
}

// AddRepository grants the role to the team.
func (t *Team) AddRepository(role string) {
	role = NormalizeName(role)
	if role == "" || slices.Contains(t.Repositories, role) {
		return
	}
	t.Repositories = append(t.Repositories, role)
	slices.Sort(t.Repositories)
}

// RemoveRepository revokes the team's grant for the role.
func (t *Team) RemoveRepository(role string) {
	role = NormalizeName(role)
	t.Repositories = slices.DeleteFunc(t.Repositories, func(r string) bool {
		return r == role
	})
}

// Copy returns a deep copy.
func (t *Team) Copy() *Team {
	c := *t
	c.Users = slices.Clone(t.Users)
	c.Repositories = slices.Clone(t.Repositories)
	return &c
}

func (t *Team) String() string {
	return t.Name
}
