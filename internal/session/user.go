package session

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charlesng35/collabd/internal/signal"
	apperrors "github.com/charlesng35/collabd/pkg/errors"
)

// UserStatus is the presence state of a user.
type UserStatus int

const (
	UserActive UserStatus = iota
	UserInactive
	UserUnavailable
)

func (s UserStatus) String() string {
	switch s {
	case UserActive:
		return "active"
	case UserInactive:
		return "inactive"
	case UserUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ParseUserStatus parses the wire representation of a status.
func ParseUserStatus(raw string) (UserStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return UserActive, nil
	case "inactive":
		return UserInactive, nil
	case "unavailable":
		return UserUnavailable, nil
	default:
		return 0, apperrors.ErrInvalidAttribute.WithMessage("Invalid user status %q", raw)
	}
}

// UserFlags carries internal flags of a user.
type UserFlags uint

// FlagLocal marks users joined in-process rather than through a connection.
const FlagLocal UserFlags = 1 << 0

// User is a participant of a session. Users are owned by the session's UserTable;
// everything else refers to them by ID.
type User struct {
	id     uint
	name   string
	status UserStatus
	flags  UserFlags
	conn   Connection
	extra  map[string]string

	statusChanged signal.Signal[*User]
}

// NewUser builds a user from finalized fields. Name and ID are required.
func NewUser(fields UserFields) (*User, error) {
	if fields.Name == nil {
		return nil, apperrors.ErrMissingAttribute.WithMessage(`User has no "name"`)
	}
	if fields.ID == nil {
		return nil, apperrors.ErrMissingAttribute.WithMessage(`User has no "id"`)
	}

	u := &User{
		id:     *fields.ID,
		name:   *fields.Name,
		status: UserActive,
		extra:  make(map[string]string, len(fields.Extra)),
	}
	if fields.Status != nil {
		u.status = *fields.Status
	}
	if fields.Flags != nil {
		u.flags = *fields.Flags
	}
	if conn, ok := fields.Connection(); ok {
		u.conn = conn
	}
	for k, v := range fields.Extra {
		u.extra[k] = v
	}
	return u, nil
}

func (u *User) ID() uint              { return u.id }
func (u *User) Name() string          { return u.name }
func (u *User) Status() UserStatus    { return u.status }
func (u *User) Flags() UserFlags      { return u.flags }
func (u *User) Connection() Connection { return u.conn }

// IsLocal reports whether the user joined without a connection.
func (u *User) IsLocal() bool {
	return u.flags&FlagLocal != 0
}

// Extra returns a session-specific field.
func (u *User) Extra(key string) (string, bool) {
	v, ok := u.extra[key]
	return v, ok
}

// ExtraKeys returns the session-specific field names in sorted order.
func (u *User) ExtraKeys() []string {
	keys := make([]string, 0, len(u.extra))
	for k := range u.extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StatusChanged is emitted after the status of the user changed.
func (u *User) StatusChanged() *signal.Signal[*User] {
	return &u.statusChanged
}

// SetStatus changes the status and notifies observers when it differs.
func (u *User) SetStatus(status UserStatus) {
	if u.status == status {
		return
	}
	u.status = status
	u.statusChanged.Emit(u)
}

// SetConnection replaces the connection the user is bound to.
func (u *User) SetConnection(conn Connection) {
	u.conn = conn
}

// Apply updates every mutable field present in fields. Name and ID identify the user
// and are left untouched. All fields are assigned before observers are notified, so
// observers never see a partially updated user.
func (u *User) Apply(fields UserFields) {
	before := u.status

	if fields.Status != nil {
		u.status = *fields.Status
	}
	if fields.Flags != nil {
		u.flags = *fields.Flags
	}
	if conn, ok := fields.Connection(); ok {
		u.conn = conn
	}
	for k, v := range fields.Extra {
		u.extra[k] = v
	}

	if u.status != before {
		u.statusChanged.Emit(u)
	}
}

func (u *User) String() string {
	return fmt.Sprintf("user(%d, %q, %s)", u.id, u.name, u.status)
}
