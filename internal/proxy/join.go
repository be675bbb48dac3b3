package proxy

import (
	"go.uber.org/zap"

	"github.com/charlesng35/collabd/internal/session"
	"github.com/charlesng35/collabd/internal/wire"
	apperrors "github.com/charlesng35/collabd/pkg/errors"
	"github.com/charlesng35/collabd/pkg/metrics"
)

// JoinLocalUser joins a user that is not bound to any connection. Local users keep the
// session from becoming idle until they become unavailable.
func (p *Proxy) JoinLocalUser(fields session.UserFields) (*session.User, error) {
	return p.join(nil, "", fields)
}

// join performs a user join from conn, or a local join when conn is nil. seq is the
// correlation token echoed in the broadcast, or empty. Every failure happens before
// the user table or any subscription is touched.
func (p *Proxy) join(conn session.Connection, seq string, fields session.UserFields) (*session.User, error) {
	kind := "join"
	if conn == nil {
		kind = "local"
	}

	u, rejoin, err := p.performJoin(conn, seq, fields)
	if rejoin && conn != nil {
		kind = "rejoin"
	}
	if err != nil {
		appErr := apperrors.FromError(err)
		metrics.UserJoins.WithLabelValues(kind, appErr.Code).Inc()
		p.log.Debug("user join failed",
			zap.String("name", fields.NameValue()),
			zap.String("code", appErr.Code),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.UserJoins.WithLabelValues(kind, "success").Inc()
	p.log.Debug("user joined",
		zap.Uint("id", u.ID()),
		zap.String("name", u.Name()),
		zap.Bool("rejoin", rejoin),
		zap.Bool("local", conn == nil),
	)
	return u, nil
}

func (p *Proxy) performJoin(conn session.Connection, seq string, fields session.UserFields) (*session.User, bool, error) {
	if p.session.Status() == session.StatusClosed {
		return nil, false, apperrors.ErrSessionClosed
	}
	if fields.Name == nil {
		return nil, false, apperrors.ErrMissingAttribute.WithMessage(`Request does not contain required attribute "name"`)
	}

	table := p.session.UserTable()
	existing := table.LookupByName(*fields.Name)
	if existing != nil && existing.Status() != session.UserUnavailable {
		return nil, false, apperrors.ErrNameInUse.WithMessage("Name %q already in use", *fields.Name)
	}
	rejoin := existing != nil

	// The server chooses ids. The counter itself advances when the user table reports
	// the new user.
	if fields.ID != nil {
		return nil, rejoin, apperrors.ErrIDProvided
	}
	if rejoin {
		fields = fields.WithID(existing.ID())
	} else {
		fields = fields.WithID(p.userIDCounter)
	}

	if fields.Status != nil {
		if *fields.Status == session.UserUnavailable {
			return nil, rejoin, apperrors.ErrInvalidAttribute.WithMessage(`"status" attribute is "unavailable" in user join request`)
		}
	} else {
		fields = fields.WithStatus(session.UserActive)
	}

	if fields.Flags != nil {
		panic("proxy: join request carries internal user flags")
	}
	if _, ok := fields.Connection(); ok {
		panic("proxy: join request carries a connection")
	}
	if conn == nil {
		fields = fields.WithFlags(session.FlagLocal)
	} else {
		fields = fields.WithFlags(0)
	}
	fields = fields.WithConnection(conn)

	if err := p.session.ValidateUserFields(fields, existing); err != nil {
		return nil, rejoin, err
	}

	if p.rejectUserJoin.Any(JoinRequest{Conn: conn, Fields: fields, Rejoin: existing}) {
		return nil, rejoin, apperrors.ErrNotAuthorized.WithMessage("Permission denied")
	}

	var (
		u   *session.User
		msg *wire.Message
	)
	if rejoin {
		u = existing
		u.Apply(fields)
		msg = wire.New(wire.TagUserRejoin)
	} else {
		var err error
		u, err = p.session.AddUser(fields)
		if err != nil {
			return nil, rejoin, err
		}
		msg = wire.New(wire.TagUserJoin)
	}

	p.session.UserToMessage(u, msg)
	if seq != "" {
		msg.SetAttr(wire.AttrSeq, seq)
	}

	p.watch(u)
	p.session.SendToSubscriptions(msg)

	if conn != nil {
		p.mustFind(conn).addUser(u.ID())
	} else {
		if !containsID(p.localUsers, u.ID()) {
			p.localUsers = append(p.localUsers, u.ID())
		}
		p.updateIdle()
	}

	return u, rejoin, nil
}
