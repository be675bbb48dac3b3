// Package session defines the contracts between the session proxy and its
// collaborators: network connections, communication groups and the document session
// that owns the user table and the synchronization sub-protocol.
package session

import (
	"github.com/charlesng35/collabd/internal/signal"
	"github.com/charlesng35/collabd/internal/wire"
)

// Connection is an addressable network endpoint.
type Connection interface {
	// ID uniquely identifies the connection for its lifetime.
	ID() string
	// RemoteAddr describes the peer for logs.
	RemoteAddr() string
	// Send enqueues msg for delivery without blocking. sent, if non-nil, is invoked on
	// the event loop once the message was written. It returns false when the
	// connection can no longer accept messages.
	Send(msg *wire.Message, sent func()) bool
}

// SameConnection compares connections by identity. Two nil connections are equal.
func SameConnection(a, b Connection) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID() == b.ID()
}

// CommunicationObject receives the traffic addressed to a group.
type CommunicationObject interface {
	Received(conn Connection, msg *wire.Message) wire.Scope
	Enqueued(conn Connection, msg *wire.Message)
	Sent(conn Connection, msg *wire.Message)
}

// Group is a named multicast channel with a dynamic member set.
type Group interface {
	Name() string
	AddMember(conn Connection)
	// RemoveMember removes conn and emits MemberRemoved. Removing a connection that is
	// not a member is a no-op.
	RemoveMember(conn Connection)
	HasMember(conn Connection) bool
	// SendMessage delivers msg to a single member.
	SendMessage(conn Connection, msg *wire.Message)
	// SendGroupMessage delivers msg to every member except the given one, which may be nil.
	SendGroupMessage(msg *wire.Message, except Connection)
	MemberRemoved() *signal.Signal[Connection]
}

// Status is the lifecycle state of a document session.
type Status int

const (
	StatusRunning Status = iota
	StatusSynchronizing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSynchronizing:
		return "synchronizing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SyncStatus is the state of a synchronization with one connection.
type SyncStatus int

const (
	SyncNone SyncStatus = iota
	SyncInProgress
	SyncAwaitingAck
)

func (s SyncStatus) String() string {
	switch s {
	case SyncNone:
		return "none"
	case SyncInProgress:
		return "in-progress"
	case SyncAwaitingAck:
		return "awaiting-ack"
	default:
		return "unknown"
	}
}

// SyncBegin is the payload of the synchronization-begin signal.
type SyncBegin struct {
	Group Group
	Conn  Connection
}

// SyncFailure is the payload of the synchronization-failed signal.
type SyncFailure struct {
	Conn Connection
	Err  error
}

// Signals are the events a document session raises. Sessions install their own
// bookkeeping as the default handler, so observers connected with Connect see the
// state before the session reacted and observers connected with ConnectAfter see the
// state afterwards.
type Signals struct {
	Close        signal.Signal[struct{}]
	SyncBegin    signal.Signal[SyncBegin]
	SyncComplete signal.Signal[Connection]
	SyncFailed   signal.Signal[SyncFailure]
}

// Session is the document session: it owns the document state, the user table and the
// synchronization sub-protocol.
type Session interface {
	CommunicationObject

	Status() Status
	// SyncStatus reports the synchronization state with conn in either direction.
	SyncStatus(conn Connection) SyncStatus
	// HasSynchronizations reports whether any synchronization is in flight.
	HasSynchronizations() bool
	// SyncConnection returns the peer the session is being synchronized from while
	// its status is StatusSynchronizing, nil otherwise.
	SyncConnection() Connection

	UserTable() *UserTable
	// AddUser creates a user from finalized fields and inserts it into the user table.
	AddUser(fields UserFields) (*User, error)
	// UserFieldsFromMessage extracts user construction fields from a join request.
	UserFieldsFromMessage(conn Connection, msg *wire.Message) (UserFields, error)
	// ValidateUserFields checks fields against the session's rules and the user
	// table. exclude, if non-nil, is ignored for conflict checks.
	ValidateUserFields(fields UserFields, exclude *User) error
	// UserToMessage writes the full user record into msg.
	UserToMessage(user *User, msg *wire.Message)

	SetSubscriptionGroup(group Group)
	// SendToSubscriptions multicasts msg to the subscription group.
	SendToSubscriptions(msg *wire.Message)
	SynchronizeTo(group Group, conn Connection)
	CancelSynchronization(conn Connection)
	Close()

	Signals() *Signals
}
