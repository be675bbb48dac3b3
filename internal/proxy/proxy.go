// Package proxy implements the server-side coordinator of a document session. A Proxy
// sits between a communication group and a document session: it tracks which
// connections are subscribed, which users each of them joined, and keeps that
// bookkeeping consistent with the session's user table and synchronizations.
//
// A Proxy is not safe for concurrent use. All calls, including the ones made by the
// transport and the session, must be serialized on one event loop.
package proxy

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/charlesng35/collabd/internal/session"
	"github.com/charlesng35/collabd/internal/signal"
	"github.com/charlesng35/collabd/pkg/logger"
	"github.com/charlesng35/collabd/pkg/metrics"
)

// SubscriptionEvent is the payload of the add-subscription signal.
type SubscriptionEvent struct {
	Conn  session.Connection
	SeqID uint
}

// JoinRequest is passed to the reject-user-join hook. Fields are final: the id, the
// status, the flags and the connection are already assigned. Rejoin is the existing
// user being reused, or nil for a new user.
type JoinRequest struct {
	Conn   session.Connection
	Fields session.UserFields
	Rejoin *session.User
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger overrides the logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Proxy) {
		if log != nil {
			p.log = log
		}
	}
}

// Proxy coordinates subscriptions and user joins for one document session.
type Proxy struct {
	log     *zap.Logger
	session session.Session
	group   session.Group

	subscriptions []*Subscription
	localUsers    []uint
	userIDCounter uint
	idle          bool
	closed        bool
	// gauged is set while the proxy counts towards the idle documents gauge.
	gauged bool

	watched map[uint]signal.Handle

	memberRemovedHandle   signal.Handle
	closeHandle           signal.Handle
	addUserHandle         signal.Handle
	syncBeginHandle       signal.Handle
	syncCompleteHandle    signal.Handle
	syncFailedHandle      signal.Handle
	syncFailedAfterHandle signal.Handle

	idleChanged        signal.Signal[bool]
	addSubscription    signal.Signal[SubscriptionEvent]
	removeSubscription signal.Signal[session.Connection]
	rejectUserJoin     signal.Hook[JoinRequest]
}

// New binds a proxy to sess and group. The group becomes the session's subscription
// group. If the session is being synchronized from a peer, the peer must be subscribed
// with Subscribe(conn, seqID, false) before any further event is processed.
func New(sess session.Session, group session.Group, opts ...Option) *Proxy {
	p := &Proxy{
		log:           logger.WithModule("proxy").With(zap.String("group", group.Name())),
		session:       sess,
		group:         group,
		userIDCounter: 1,
		watched:       make(map[uint]signal.Handle),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.addSubscription.SetDefault(p.addSubscriptionDefault)
	p.removeSubscription.SetDefault(p.removeSubscriptionDefault)

	table := sess.UserTable()
	table.ForEach(p.bumpUserIDCounter)

	// Runs before the session's own close handling so that synchronization state is
	// still available while subscriptions are torn down.
	signals := sess.Signals()
	p.closeHandle = signals.Close.Connect(func(struct{}) { p.onSessionClose() })
	p.addUserHandle = table.AddUser().Connect(p.onAddUser)
	p.syncBeginHandle = signals.SyncBegin.ConnectAfter(p.onSyncBegin)
	p.syncCompleteHandle = signals.SyncComplete.ConnectAfter(p.onSyncComplete)
	p.syncFailedHandle = signals.SyncFailed.Connect(p.onSyncFailedBefore)
	p.syncFailedAfterHandle = signals.SyncFailed.ConnectAfter(p.onSyncFailedAfter)

	p.memberRemovedHandle = group.MemberRemoved().Connect(p.onMemberRemoved)
	sess.SetSubscriptionGroup(group)

	p.idle = p.checkIdle()
	p.setIdleGauge(p.idle)
	return p
}

// Session returns the coordinated session.
func (p *Proxy) Session() session.Session {
	return p.session
}

// Group returns the subscription group, or nil once the session was closed.
func (p *Proxy) Group() session.Group {
	return p.group
}

// IdleChanged is emitted with the new value whenever the idle state flips.
func (p *Proxy) IdleChanged() *signal.Signal[bool] {
	return &p.idleChanged
}

// AddSubscription is emitted when a connection subscribes. The default handler
// creates the subscription record.
func (p *Proxy) AddSubscription() *signal.Signal[SubscriptionEvent] {
	return &p.addSubscription
}

// RemoveSubscription is emitted when a subscription ends. The default handler marks
// every user of the subscription unavailable and discards the record.
func (p *Proxy) RemoveSubscription() *signal.Signal[session.Connection] {
	return &p.removeSubscription
}

// RejectUserJoin decides whether a join is refused. The first predicate returning true
// rejects the join with a not-authorized error; joins are accepted by default.
func (p *Proxy) RejectUserJoin() *signal.Hook[JoinRequest] {
	return &p.rejectUserJoin
}

// IsIdle reports whether the session has no subscriptions, no local users and no
// synchronizations in flight.
func (p *Proxy) IsIdle() bool {
	return p.idle
}

// HasSubscriptions reports whether any connection is subscribed.
func (p *Proxy) HasSubscriptions() bool {
	return len(p.subscriptions) > 0
}

// IsSubscribed reports whether conn is subscribed.
func (p *Proxy) IsSubscribed(conn session.Connection) bool {
	return p.find(conn) != nil
}

// Subscriptions returns a snapshot of the current subscriptions.
func (p *Proxy) Subscriptions() []Subscription {
	out := make([]Subscription, 0, len(p.subscriptions))
	for _, sub := range p.subscriptions {
		out = append(out, sub.snapshot())
	}
	return out
}

// LocalUsers returns the ids of users joined without a connection.
func (p *Proxy) LocalUsers() []uint {
	return append([]uint(nil), p.localUsers...)
}

// NextUserID returns the id the next new user will receive.
func (p *Proxy) NextUserID() uint {
	return p.userIDCounter
}

// Close tears the proxy down. The session is closed first if it is still open, which
// ends every subscription. The proxy stops observing the session afterwards.
func (p *Proxy) Close() {
	if p.closed {
		return
	}
	// Closing the session may call back into Close through close observers.
	p.closed = true

	if p.session.Status() != session.StatusClosed {
		p.session.Close()
	}

	signals := p.session.Signals()
	signals.Close.Disconnect(p.closeHandle)
	p.session.UserTable().AddUser().Disconnect(p.addUserHandle)
	signals.SyncBegin.Disconnect(p.syncBeginHandle)
	signals.SyncComplete.Disconnect(p.syncCompleteHandle)
	signals.SyncFailed.Disconnect(p.syncFailedHandle)
	signals.SyncFailed.Disconnect(p.syncFailedAfterHandle)

	table := p.session.UserTable()
	for id, h := range p.watched {
		if u := table.Lookup(id); u != nil {
			u.StatusChanged().Disconnect(h)
		}
		delete(p.watched, id)
	}

	p.setIdleGauge(false)
}

func (p *Proxy) setIdleGauge(on bool) {
	if on == p.gauged {
		return
	}
	p.gauged = on
	if on {
		metrics.IdleDocuments.Inc()
	} else {
		metrics.IdleDocuments.Dec()
	}
}

func (p *Proxy) checkIdle() bool {
	return len(p.subscriptions) == 0 &&
		len(p.localUsers) == 0 &&
		!p.session.HasSynchronizations()
}

// updateIdle recomputes the idle predicate and notifies on a flip.
func (p *Proxy) updateIdle() {
	idle := p.checkIdle()
	if idle == p.idle {
		return
	}
	p.idle = idle
	p.setIdleGauge(idle && !p.closed)
	p.log.Debug("idle state changed", zap.Bool("idle", idle))
	p.idleChanged.Emit(idle)
}

func (p *Proxy) bumpUserIDCounter(u *session.User) {
	if p.userIDCounter <= u.ID() {
		p.userIDCounter = u.ID() + 1
	}
}

// watch installs the status observer on u.
func (p *Proxy) watch(u *session.User) {
	if h, ok := p.watched[u.ID()]; ok {
		u.StatusChanged().Disconnect(h)
	}
	p.watched[u.ID()] = u.StatusChanged().Connect(p.onUserStatusChanged)
}

func (p *Proxy) unwatch(u *session.User) {
	if h, ok := p.watched[u.ID()]; ok {
		u.StatusChanged().Disconnect(h)
		delete(p.watched, u.ID())
	}
}

// onUserStatusChanged detaches a user that became unavailable from the subscription or
// the local user list owning it.
func (p *Proxy) onUserStatusChanged(u *session.User) {
	if u.Status() != session.UserUnavailable {
		return
	}

	if conn := u.Connection(); conn != nil {
		sub := p.find(conn)
		if sub == nil {
			panic(fmt.Sprintf("proxy: user %d belongs to unsubscribed connection %s", u.ID(), conn.ID()))
		}
		sub.removeUser(u.ID())
		u.SetConnection(nil)
	} else {
		p.localUsers = removeID(p.localUsers, u.ID())
		p.updateIdle()
	}

	p.unwatch(u)
}

func removeID(ids []uint, id uint) []uint {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

func containsID(ids []uint, id uint) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
