package session

// UserFields are the construction fields of a user. Every field is optional; which
// ones must be present depends on the operation. Flags and the connection are
// internal and only set by the server.
type UserFields struct {
	Name   *string
	ID     *uint
	Status *UserStatus
	Flags  *UserFlags
	// Extra holds session-specific fields such as a caret position or a hue.
	Extra map[string]string

	conn    Connection
	hasConn bool
}

// NewUserFields starts a field set carrying a name.
func NewUserFields(name string) UserFields {
	return UserFields{Name: &name}
}

// WithStatus returns a copy with the status set.
func (f UserFields) WithStatus(status UserStatus) UserFields {
	f.Status = &status
	return f
}

// WithID returns a copy with the id set.
func (f UserFields) WithID(id uint) UserFields {
	f.ID = &id
	return f
}

// WithFlags returns a copy with the flags set.
func (f UserFields) WithFlags(flags UserFlags) UserFields {
	f.Flags = &flags
	return f
}

// WithExtra returns a copy with a session-specific field set.
func (f UserFields) WithExtra(key, value string) UserFields {
	extra := make(map[string]string, len(f.Extra)+1)
	for k, v := range f.Extra {
		extra[k] = v
	}
	extra[key] = value
	f.Extra = extra
	return f
}

// WithConnection returns a copy bound to conn. A nil conn is a present field meaning
// "no connection".
func (f UserFields) WithConnection(conn Connection) UserFields {
	f.conn = conn
	f.hasConn = true
	return f
}

// Connection returns the connection field and whether it is present.
func (f UserFields) Connection() (Connection, bool) {
	return f.conn, f.hasConn
}

// NameValue returns the name or the empty string.
func (f UserFields) NameValue() string {
	if f.Name == nil {
		return ""
	}
	return *f.Name
}
