package proxy

import (
	"go.uber.org/zap"

	"github.com/charlesng35/collabd/internal/session"
	"github.com/charlesng35/collabd/internal/wire"
	"github.com/charlesng35/collabd/pkg/metrics"
)

// Received routes an inbound message. While a synchronization with conn is in flight
// every message belongs to the synchronization and goes to the session. Otherwise the
// proxy handles user-join and session-unsubscribe itself and forwards everything else.
// Messages handled by the proxy are consumed; failures are answered point-to-point
// with request-failed.
func (p *Proxy) Received(conn session.Connection, msg *wire.Message) wire.Scope {
	if p.session.SyncStatus(conn) != session.SyncNone {
		metrics.RoutedMessages.WithLabelValues("session").Inc()
		return p.session.Received(conn, msg)
	}

	var err error
	switch msg.Name {
	case wire.TagUserJoin:
		metrics.RoutedMessages.WithLabelValues("join").Inc()
		err = p.handleUserJoin(conn, msg)
	case wire.TagSessionUnsubscribe:
		metrics.RoutedMessages.WithLabelValues("unsubscribe").Inc()
		p.mustFind(conn)
		p.group.RemoveMember(conn)
	default:
		metrics.RoutedMessages.WithLabelValues("session").Inc()
		return p.session.Received(conn, msg)
	}

	if err != nil {
		metrics.RoutedMessages.WithLabelValues("failed").Inc()

		seq, seqErr := p.makeSeq(conn, msg)
		if seqErr != nil {
			seq = ""
		}
		if p.group != nil {
			p.group.SendMessage(conn, wire.NewRequestFailed(err, seq))
		}
		p.log.Debug("request failed",
			zap.String("conn", conn.ID()),
			zap.String("message", msg.String()),
			zap.Error(err),
		)
	}

	return wire.ScopePTP
}

// Sent forwards the transport's write notification to the session.
func (p *Proxy) Sent(conn session.Connection, msg *wire.Message) {
	p.session.Sent(conn, msg)
}

// Enqueued forwards the transport's queue notification to the session.
func (p *Proxy) Enqueued(conn session.Connection, msg *wire.Message) {
	p.session.Enqueued(conn, msg)
}

func (p *Proxy) handleUserJoin(conn session.Connection, msg *wire.Message) error {
	seq, err := p.makeSeq(conn, msg)
	if err != nil {
		return err
	}

	fields, err := p.session.UserFieldsFromMessage(conn, msg)
	if err != nil {
		return err
	}

	_, err = p.join(conn, seq, fields)
	return err
}

// makeSeq derives the correlation token for a request. A request without a seq
// attribute yields an empty token.
func (p *Proxy) makeSeq(conn session.Connection, msg *wire.Message) (string, error) {
	n, ok, err := msg.UintAttr(wire.AttrSeq)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return wire.Seq(p.mustFind(conn).SeqID, n), nil
}

// onMemberRemoved runs when conn left the subscription group, either because it was
// unsubscribed or because the link dropped. The remaining subscribers learn that the
// connection's users are gone before the subscription is discarded.
func (p *Proxy) onMemberRemoved(conn session.Connection) {
	sub := p.find(conn)
	if sub == nil {
		p.log.Warn("member removed without subscription", zap.String("conn", conn.ID()))
		return
	}

	// The users' status is changed by the remove-subscription default handler.
	// Changing it here would also notify the departing connection.
	for _, id := range sub.Users() {
		msg := wire.New(wire.TagUserStatusChange).
			SetUintAttr(wire.AttrID, id).
			SetAttr(wire.AttrStatus, session.UserUnavailable.String())
		p.session.SendToSubscriptions(msg)
	}

	p.removeSubscription.Emit(conn)
}
