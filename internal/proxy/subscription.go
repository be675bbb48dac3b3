package proxy

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/charlesng35/collabd/internal/session"
	"github.com/charlesng35/collabd/internal/wire"
	apperrors "github.com/charlesng35/collabd/pkg/errors"
	"github.com/charlesng35/collabd/pkg/metrics"
)

// Subscription is a connection's participation in the session.
type Subscription struct {
	Conn session.Connection
	// SeqID namespaces the sequence numbers the connection puts on its requests.
	SeqID uint

	users []uint
}

// Users returns the ids of the users joined through the connection.
func (s Subscription) Users() []uint {
	return append([]uint(nil), s.users...)
}

func (s *Subscription) hasUser(id uint) bool {
	return containsID(s.users, id)
}

func (s *Subscription) addUser(id uint) {
	if !s.hasUser(id) {
		s.users = append(s.users, id)
	}
}

func (s *Subscription) removeUser(id uint) {
	s.users = removeID(s.users, id)
}

func (s *Subscription) snapshot() Subscription {
	return Subscription{Conn: s.Conn, SeqID: s.SeqID, users: s.Users()}
}

func (p *Proxy) find(conn session.Connection) *Subscription {
	if conn == nil {
		return nil
	}
	for _, sub := range p.subscriptions {
		if session.SameConnection(sub.Conn, conn) {
			return sub
		}
	}
	return nil
}

func (p *Proxy) mustFind(conn session.Connection) *Subscription {
	sub := p.find(conn)
	if sub == nil {
		panic(fmt.Sprintf("proxy: connection %s is not subscribed", conn.ID()))
	}
	return sub
}

// Subscribe subscribes conn to the session. The connection joins the subscription group
// before the subscription record exists, so it already receives the group's traffic.
// With synchronize set, the whole session state is sent to conn within the
// subscription group.
//
// While the session is itself being synchronized, only the synchronizing connection
// may subscribe, and without synchronization.
func (p *Proxy) Subscribe(conn session.Connection, seqID uint, synchronize bool) error {
	if p.find(conn) != nil {
		return apperrors.ErrAlreadySubscribed
	}

	switch p.session.Status() {
	case session.StatusRunning:
	case session.StatusSynchronizing:
		if synchronize {
			return apperrors.ErrSessionNotRunning.WithMessage("Cannot synchronize a session that is being synchronized")
		}
		if !session.SameConnection(conn, p.session.SyncConnection()) {
			return apperrors.ErrSessionNotRunning.WithMessage("Only the synchronizing connection may subscribe")
		}
	default:
		return apperrors.ErrSessionClosed
	}

	p.group.AddMember(conn)
	p.addSubscription.Emit(SubscriptionEvent{Conn: conn, SeqID: seqID})
	p.mustFind(conn)

	if synchronize {
		p.session.SynchronizeTo(p.group, conn)
	}
	return nil
}

// Unsubscribe ends the subscription of conn. An in-progress synchronization to conn is
// canceled; otherwise conn is told that the session was closed for it.
func (p *Proxy) Unsubscribe(conn session.Connection) error {
	if p.session.Status() != session.StatusRunning {
		return apperrors.ErrSessionNotRunning
	}
	if p.find(conn) == nil {
		return apperrors.ErrNotSubscribed
	}

	p.unsubscribe(conn)
	return nil
}

func (p *Proxy) unsubscribe(conn session.Connection) {
	// Once everything was sent the synchronization can no longer be canceled. The
	// peer processes session-close after it acknowledged the synchronization.
	if p.session.SyncStatus(conn) != session.SyncInProgress {
		p.group.SendMessage(conn, wire.New(wire.TagSessionClose))
	} else {
		p.session.CancelSynchronization(conn)
	}

	p.group.RemoveMember(conn)
}

func (p *Proxy) addSubscriptionDefault(ev SubscriptionEvent) {
	if p.find(ev.Conn) != nil {
		panic(fmt.Sprintf("proxy: connection %s subscribed twice", ev.Conn.ID()))
	}

	p.subscriptions = append(p.subscriptions, &Subscription{Conn: ev.Conn, SeqID: ev.SeqID})
	metrics.Subscriptions.Inc()
	p.log.Info("connection subscribed",
		zap.String("conn", ev.Conn.ID()),
		zap.String("remote_addr", ev.Conn.RemoteAddr()),
		zap.Uint("seq_id", ev.SeqID),
	)

	p.updateIdle()
}

func (p *Proxy) removeSubscriptionDefault(conn session.Connection) {
	sub := p.mustFind(conn)

	table := p.session.UserTable()
	for len(sub.users) > 0 {
		id := sub.users[0]
		u := table.Lookup(id)
		if u == nil {
			panic(fmt.Sprintf("proxy: subscribed user %d is not in the user table", id))
		}

		// The status observer detaches the user from the subscription.
		u.SetStatus(session.UserUnavailable)
		if len(sub.users) > 0 && sub.users[0] == id {
			panic(fmt.Sprintf("proxy: user %d still attached after becoming unavailable", id))
		}
	}

	for i, s := range p.subscriptions {
		if s == sub {
			p.subscriptions = append(p.subscriptions[:i:i], p.subscriptions[i+1:]...)
			break
		}
	}
	metrics.Subscriptions.Dec()
	p.log.Info("connection unsubscribed", zap.String("conn", conn.ID()))

	p.updateIdle()
}
