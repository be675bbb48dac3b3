// Package document provides an in-memory document session: a user table, an
// append-only log of content requests relayed between participants, and the
// synchronization sub-protocol that transfers the whole state to a new peer.
package document

import (
	"sort"

	"go.uber.org/zap"

	"github.com/charlesng35/collabd/internal/session"
	"github.com/charlesng35/collabd/internal/signal"
	"github.com/charlesng35/collabd/internal/wire"
	"github.com/charlesng35/collabd/pkg/logger"
)

// Request is one entry of the content log.
type Request struct {
	User uint
	Body string
}

// Session is the reference document session.
type Session struct {
	log     *zap.Logger
	name    string
	status  session.Status
	users   *session.UserTable
	content []Request
	signals session.Signals
	closing bool

	group               session.Group
	memberRemovedHandle signal.Handle

	outgoing map[string]*outgoingSync
	inbound  *inboundSync
}

var _ session.Session = (*Session)(nil)

// New creates a running session with no users and no content.
func New(name string) *Session {
	s := newSession(name)
	s.status = session.StatusRunning
	return s
}

// NewFromSync creates a session that receives its initial state from conn. The
// session stays in synchronizing status until conn sent the complete state.
func NewFromSync(name string, conn session.Connection) *Session {
	s := newSession(name)
	s.status = session.StatusSynchronizing
	s.inbound = &inboundSync{conn: conn}
	return s
}

func newSession(name string) *Session {
	s := &Session{
		log:      logger.WithModule("document").With(zap.String("document", name)),
		name:     name,
		users:    session.NewUserTable(),
		outgoing: make(map[string]*outgoingSync),
	}
	s.signals.Close.SetDefault(func(struct{}) { s.closeDefault() })
	s.signals.SyncComplete.SetDefault(s.syncCompleteDefault)
	s.signals.SyncFailed.SetDefault(s.syncFailedDefault)
	return s
}

// Name returns the document name.
func (s *Session) Name() string {
	return s.name
}

func (s *Session) Status() session.Status {
	return s.status
}

func (s *Session) Signals() *session.Signals {
	return &s.signals
}

func (s *Session) UserTable() *session.UserTable {
	return s.users
}

// Content returns a copy of the content log.
func (s *Session) Content() []Request {
	return append([]Request(nil), s.content...)
}

// AppendContent appends a request to the content log without notifying anyone. It is
// meant for seeding a session before it is shared.
func (s *Session) AppendContent(user uint, body string) {
	s.content = append(s.content, Request{User: user, Body: body})
}

func (s *Session) AddUser(fields session.UserFields) (*session.User, error) {
	u, err := session.NewUser(fields)
	if err != nil {
		return nil, err
	}
	s.users.Add(u)
	return u, nil
}

func (s *Session) SetSubscriptionGroup(group session.Group) {
	if s.group != nil {
		s.group.MemberRemoved().Disconnect(s.memberRemovedHandle)
	}
	s.group = group
	if group != nil {
		s.memberRemovedHandle = group.MemberRemoved().Connect(s.onMemberRemoved)
	}
}

func (s *Session) SendToSubscriptions(msg *wire.Message) {
	if s.group == nil {
		return
	}
	s.group.SendGroupMessage(msg, nil)
}

// Close closes the session. Synchronizations still in flight fail.
func (s *Session) Close() {
	if s.closing || s.status == session.StatusClosed {
		return
	}
	s.closing = true
	s.signals.Close.Emit(struct{}{})
}

func (s *Session) closeDefault() {
	for _, conn := range s.outgoingConnections() {
		s.failOutgoing(conn, errCanceled(), true)
	}
	if s.inbound != nil {
		s.failInbound(errCanceled(), true)
	}

	s.SetSubscriptionGroup(nil)
	s.status = session.StatusClosed
	s.closing = false
	s.log.Info("document session closed")
}

func (s *Session) outgoingConnections() []session.Connection {
	ids := make([]string, 0, len(s.outgoing))
	for id := range s.outgoing {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	conns := make([]session.Connection, 0, len(ids))
	for _, id := range ids {
		conns = append(conns, s.outgoing[id].conn)
	}
	return conns
}

// reply sends msg to conn alone.
func (s *Session) reply(conn session.Connection, msg *wire.Message) {
	if s.group != nil {
		s.group.SendMessage(conn, msg)
		return
	}
	conn.Send(msg, nil)
}
