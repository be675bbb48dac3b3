package document

import (
	"go.uber.org/zap"

	"github.com/charlesng35/collabd/internal/session"
	"github.com/charlesng35/collabd/internal/wire"
	apperrors "github.com/charlesng35/collabd/pkg/errors"
)

// Received handles a message from conn. Synchronization traffic is handled by the
// synchronization in flight with conn; otherwise status changes and content requests
// of users joined through conn are applied and relayed to the group.
func (s *Session) Received(conn session.Connection, msg *wire.Message) wire.Scope {
	if sync, ok := s.outgoing[conn.ID()]; ok {
		if sync.failing {
			return wire.ScopePTP
		}
		return s.receivedFromSyncTarget(sync, msg)
	}
	if s.inbound != nil && session.SameConnection(s.inbound.conn, conn) {
		if s.inbound.failing {
			return wire.ScopePTP
		}
		return s.receivedFromSyncSource(msg)
	}

	switch s.status {
	case session.StatusClosed:
		return wire.ScopePTP
	case session.StatusSynchronizing:
		s.fail(conn, msg, apperrors.ErrSessionNotRunning)
		return wire.ScopePTP
	}

	var err error
	switch msg.Name {
	case wire.TagUserStatusChange:
		err = s.handleUserStatusChange(conn, msg)
	case wire.TagRequest:
		err = s.handleRequest(conn, msg)
	default:
		err = apperrors.ErrUnexpectedMessage.WithMessage("Unexpected message %q", msg.Name)
	}
	if err != nil {
		s.fail(conn, msg, err)
		return wire.ScopePTP
	}
	return wire.ScopeGroup
}

func (s *Session) fail(conn session.Connection, msg *wire.Message, err error) {
	seq, _ := msg.Attr(wire.AttrSeq)
	s.reply(conn, wire.NewRequestFailed(err, seq))
	s.log.Debug("request failed",
		zap.String("conn", conn.ID()),
		zap.String("message", msg.String()),
		zap.Error(err),
	)
}

// ownedUser resolves the user attribute named attr of msg to a user joined through conn.
func (s *Session) ownedUser(conn session.Connection, msg *wire.Message, attr string) (*session.User, error) {
	id, ok, err := msg.UintAttr(attr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrMissingAttribute.WithMessage("Request does not contain required attribute %q", attr)
	}

	u := s.users.Lookup(id)
	if u == nil {
		return nil, apperrors.ErrNoSuchUser.WithMessage("No user with ID %d", id)
	}
	if !session.SameConnection(u.Connection(), conn) {
		return nil, apperrors.ErrNotJoined.WithMessage("User %d is not joined through this connection", id)
	}
	return u, nil
}

func (s *Session) handleUserStatusChange(conn session.Connection, msg *wire.Message) error {
	u, err := s.ownedUser(conn, msg, wire.AttrID)
	if err != nil {
		return err
	}

	raw, ok := msg.Attr(wire.AttrStatus)
	if !ok {
		return apperrors.ErrMissingAttribute.WithMessage(`Request does not contain required attribute "status"`)
	}
	status, err := session.ParseUserStatus(raw)
	if err != nil {
		return err
	}

	u.SetStatus(status)
	return nil
}

func (s *Session) handleRequest(conn session.Connection, msg *wire.Message) error {
	u, err := s.ownedUser(conn, msg, wire.AttrUser)
	if err != nil {
		return err
	}

	// Issuing a request makes an inactive user active again.
	if u.Status() == session.UserInactive {
		u.SetStatus(session.UserActive)
	}
	s.content = append(s.content, Request{User: u.ID(), Body: msg.Text})
	return nil
}
