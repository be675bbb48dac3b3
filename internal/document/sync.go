package document

import (
	"go.uber.org/zap"

	"github.com/charlesng35/collabd/internal/session"
	"github.com/charlesng35/collabd/internal/wire"
	apperrors "github.com/charlesng35/collabd/pkg/errors"
)

// AttrNumMessages announces how many sync-user and sync-request elements follow
// sync-begin.
const AttrNumMessages = "num-messages"

type outgoingSync struct {
	conn    session.Connection
	group   session.Group
	status  session.SyncStatus
	failing bool
}

type inboundSync struct {
	conn     session.Connection
	begun    bool
	expected uint
	received uint
	failing  bool
}

func errCanceled() error {
	return apperrors.ErrSyncCanceled
}

func (s *Session) SyncStatus(conn session.Connection) session.SyncStatus {
	if conn == nil {
		return session.SyncNone
	}
	if sync, ok := s.outgoing[conn.ID()]; ok {
		return sync.status
	}
	if s.inbound != nil && session.SameConnection(s.inbound.conn, conn) {
		return session.SyncInProgress
	}
	return session.SyncNone
}

func (s *Session) HasSynchronizations() bool {
	return len(s.outgoing) > 0 || s.inbound != nil
}

func (s *Session) SyncConnection() session.Connection {
	if s.status != session.StatusSynchronizing || s.inbound == nil {
		return nil
	}
	return s.inbound.conn
}

// SynchronizeTo sends the complete session state to conn. Messages go through group,
// so conn keeps receiving the group's traffic once the synchronization completed.
// The synchronization awaits the peer's acknowledgement after sync-end was written.
func (s *Session) SynchronizeTo(group session.Group, conn session.Connection) {
	if s.status != session.StatusRunning {
		s.log.Warn("refusing to synchronize a session that is not running", zap.String("conn", conn.ID()))
		return
	}
	if _, ok := s.outgoing[conn.ID()]; ok {
		s.log.Warn("synchronization already in progress", zap.String("conn", conn.ID()))
		return
	}

	sync := &outgoingSync{conn: conn, group: group, status: session.SyncInProgress}
	s.outgoing[conn.ID()] = sync
	s.signals.SyncBegin.Emit(session.SyncBegin{Group: group, Conn: conn})

	users := s.users.Users()
	begin := wire.New(wire.TagSyncBegin).
		SetUintAttr(AttrNumMessages, uint(len(users)+len(s.content)))
	group.SendMessage(conn, begin)

	for _, u := range users {
		if s.outgoing[conn.ID()] != sync {
			return
		}
		msg := wire.New(wire.TagSyncUser)
		s.UserToMessage(u, msg)
		group.SendMessage(conn, msg)
	}
	for _, req := range s.content {
		if s.outgoing[conn.ID()] != sync {
			return
		}
		msg := wire.New(wire.TagSyncRequest).SetUintAttr(wire.AttrUser, req.User)
		msg.Text = req.Body
		group.SendMessage(conn, msg)
	}
	if s.outgoing[conn.ID()] == sync {
		group.SendMessage(conn, wire.New(wire.TagSyncEnd))
	}
}

// CancelSynchronization aborts the synchronization with conn, in either direction.
// Canceling an inbound synchronization closes the session.
func (s *Session) CancelSynchronization(conn session.Connection) {
	if _, ok := s.outgoing[conn.ID()]; ok {
		s.failOutgoing(conn, errCanceled(), true)
		return
	}
	if s.inbound != nil && session.SameConnection(s.inbound.conn, conn) {
		s.failInbound(errCanceled(), true)
		s.Close()
	}
}

// Sent moves an outgoing synchronization to awaiting-ack once sync-end was written.
func (s *Session) Sent(conn session.Connection, msg *wire.Message) {
	if msg.Name != wire.TagSyncEnd {
		return
	}
	if sync, ok := s.outgoing[conn.ID()]; ok && sync.status == session.SyncInProgress && !sync.failing {
		sync.status = session.SyncAwaitingAck
	}
}

func (s *Session) Enqueued(session.Connection, *wire.Message) {}

// receivedFromSyncTarget handles a message from a peer the session synchronizes to.
func (s *Session) receivedFromSyncTarget(sync *outgoingSync, msg *wire.Message) wire.Scope {
	switch msg.Name {
	case wire.TagSyncAck:
		if sync.status != session.SyncAwaitingAck {
			s.failOutgoing(sync.conn, apperrors.ErrUnexpectedMessage.WithMessage("Received sync-ack before sync-end was sent"), true)
			return wire.ScopePTP
		}
		s.signals.SyncComplete.Emit(sync.conn)
	case wire.TagSyncError:
		s.failOutgoing(sync.conn, peerError(msg), false)
	default:
		s.failOutgoing(sync.conn, apperrors.ErrUnexpectedMessage.WithMessage("Received %q during synchronization", msg.Name), true)
	}
	return wire.ScopePTP
}

// receivedFromSyncSource handles a message from the peer the session is synchronized
// from.
func (s *Session) receivedFromSyncSource(msg *wire.Message) wire.Scope {
	in := s.inbound

	if msg.Name == wire.TagSyncCancel || msg.Name == wire.TagSyncError {
		s.failInbound(peerError(msg), false)
		s.Close()
		return wire.ScopePTP
	}

	if err := s.handleSyncMessage(in, msg); err != nil {
		s.failInbound(err, true)
		s.Close()
	}
	return wire.ScopePTP
}

func (s *Session) handleSyncMessage(in *inboundSync, msg *wire.Message) error {
	if !in.begun && msg.Name != wire.TagSyncBegin {
		return apperrors.ErrUnexpectedMessage.WithMessage("Expected sync-begin, got %q", msg.Name)
	}

	switch msg.Name {
	case wire.TagSyncBegin:
		if in.begun {
			return apperrors.ErrUnexpectedMessage.WithMessage("Received sync-begin twice")
		}
		n, ok, err := msg.UintAttr(AttrNumMessages)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.ErrMissingAttribute.WithMessage("sync-begin has no %q attribute", AttrNumMessages)
		}
		in.begun = true
		in.expected = n
		s.signals.SyncBegin.Emit(session.SyncBegin{Group: s.group, Conn: in.conn})
		return nil

	case wire.TagSyncUser:
		if err := s.countSyncMessage(in); err != nil {
			return err
		}
		return s.addSyncUser(in.conn, msg)

	case wire.TagSyncRequest:
		if err := s.countSyncMessage(in); err != nil {
			return err
		}
		user, ok, err := msg.UintAttr(wire.AttrUser)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.ErrMissingAttribute.WithMessage(`sync-request has no "user" attribute`)
		}
		if s.users.Lookup(user) == nil {
			return apperrors.ErrNoSuchUser.WithMessage("No user with ID %d", user)
		}
		s.content = append(s.content, Request{User: user, Body: msg.Text})
		return nil

	case wire.TagSyncEnd:
		if in.received != in.expected {
			return apperrors.ErrSyncFailed.WithMessage("Expected %d synchronization messages, got %d", in.expected, in.received)
		}
		s.reply(in.conn, wire.New(wire.TagSyncAck))
		s.signals.SyncComplete.Emit(in.conn)
		return nil

	default:
		return apperrors.ErrUnexpectedMessage.WithMessage("Received %q during synchronization", msg.Name)
	}
}

func (s *Session) countSyncMessage(in *inboundSync) error {
	if in.received >= in.expected {
		return apperrors.ErrSyncFailed.WithMessage("More synchronization messages than announced")
	}
	in.received++
	return nil
}

// addSyncUser inserts a user transferred by the synchronizing peer. Available users
// belong to the peer's connection.
func (s *Session) addSyncUser(conn session.Connection, msg *wire.Message) error {
	fields, err := s.UserFieldsFromMessage(conn, msg)
	if err != nil {
		return err
	}
	if fields.Status == nil {
		fields = fields.WithStatus(session.UserActive)
	}
	if err := s.ValidateUserFields(fields, nil); err != nil {
		return err
	}

	if *fields.Status == session.UserUnavailable {
		fields = fields.WithConnection(nil)
	} else {
		fields = fields.WithConnection(conn)
	}
	fields = fields.WithFlags(0)

	_, err = s.AddUser(fields)
	return err
}

// failOutgoing aborts the synchronization to conn. notify tells the peer first.
func (s *Session) failOutgoing(conn session.Connection, err error, notify bool) {
	sync, ok := s.outgoing[conn.ID()]
	if !ok || sync.failing {
		return
	}
	sync.failing = true

	if notify {
		msg := wire.NewRequestFailed(err, "")
		msg.Name = wire.TagSyncCancel
		sync.group.SendMessage(conn, msg)
	}
	s.signals.SyncFailed.Emit(session.SyncFailure{Conn: conn, Err: err})
}

// failInbound aborts the synchronization from the peer. The caller closes the session
// afterwards since it has no usable state.
func (s *Session) failInbound(err error, notify bool) {
	in := s.inbound
	if in == nil || in.failing {
		return
	}
	in.failing = true

	if notify {
		msg := wire.NewRequestFailed(err, "")
		msg.Name = wire.TagSyncError
		s.reply(in.conn, msg)
	}
	s.signals.SyncFailed.Emit(session.SyncFailure{Conn: in.conn, Err: err})
}

func (s *Session) syncCompleteDefault(conn session.Connection) {
	if s.inbound != nil && session.SameConnection(s.inbound.conn, conn) {
		s.inbound = nil
		s.status = session.StatusRunning
		s.log.Info("synchronized from peer", zap.String("conn", conn.ID()), zap.Int("users", s.users.Len()))
		return
	}
	delete(s.outgoing, conn.ID())
	s.log.Debug("synchronized to peer", zap.String("conn", conn.ID()))
}

func (s *Session) syncFailedDefault(f session.SyncFailure) {
	if s.inbound != nil && session.SameConnection(s.inbound.conn, f.Conn) {
		s.inbound = nil
	} else {
		delete(s.outgoing, f.Conn.ID())
	}
	s.log.Info("synchronization failed", zap.String("conn", f.Conn.ID()), zap.Error(f.Err))
}

// onMemberRemoved fails synchronizations with connections that left the group.
func (s *Session) onMemberRemoved(conn session.Connection) {
	err := apperrors.ErrSyncFailed.WithMessage("Connection left the session")
	if _, ok := s.outgoing[conn.ID()]; ok {
		s.failOutgoing(conn, err, false)
		return
	}
	if s.inbound != nil && session.SameConnection(s.inbound.conn, conn) {
		s.failInbound(err, false)
		s.Close()
	}
}

// peerError converts an error element sent by the peer.
func peerError(msg *wire.Message) error {
	domain, _ := msg.Attr(wire.AttrDomain)
	code, _ := msg.Attr(wire.AttrCode)
	if domain == "" {
		return apperrors.ErrSyncFailed.WithMessage("Peer aborted the synchronization: %s", msg.Text)
	}
	return apperrors.New(domain, code, msg.Text, 0)
}
