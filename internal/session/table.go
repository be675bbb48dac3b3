package session

import (
	"fmt"
	"sort"

	"github.com/charlesng35/collabd/internal/signal"
)

// UserTable owns the users of a session.
type UserTable struct {
	users   map[uint]*User
	addUser signal.Signal[*User]
}

// NewUserTable creates an empty user table.
func NewUserTable() *UserTable {
	return &UserTable{users: make(map[uint]*User)}
}

// AddUser is emitted after a user was inserted.
func (t *UserTable) AddUser() *signal.Signal[*User] {
	return &t.addUser
}

// Add inserts u. Inserting a second user with the same ID is a programming error.
func (t *UserTable) Add(u *User) {
	if _, exists := t.users[u.ID()]; exists {
		panic(fmt.Sprintf("session: user id %d already in table", u.ID()))
	}
	t.users[u.ID()] = u
	t.addUser.Emit(u)
}

// Lookup returns the user with the given ID, or nil.
func (t *UserTable) Lookup(id uint) *User {
	return t.users[id]
}

// LookupByName returns the user with the given name, or nil.
func (t *UserTable) LookupByName(name string) *User {
	for _, u := range t.users {
		if u.Name() == name {
			return u
		}
	}
	return nil
}

// Users returns all users ordered by ID.
func (t *UserTable) Users() []*User {
	out := make([]*User, 0, len(t.users))
	for _, u := range t.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ForEach calls fn for every user in ID order.
func (t *UserTable) ForEach(fn func(*User)) {
	for _, u := range t.Users() {
		fn(u)
	}
}

// Len returns the number of users.
func (t *UserTable) Len() int {
	return len(t.users)
}
