package transport

import (
	"go.uber.org/zap"

	"github.com/charlesng35/collabd/internal/session"
	"github.com/charlesng35/collabd/internal/signal"
	"github.com/charlesng35/collabd/internal/wire"
	"github.com/charlesng35/collabd/pkg/logger"
)

// Group is a hosted communication group. The host decides membership; members exchange
// messages through the group's communication object.
//
// Group is not safe for concurrent use; it is driven from the event loop.
type Group struct {
	name    string
	log     *zap.Logger
	members []session.Connection
	object  session.CommunicationObject

	memberRemoved signal.Signal[session.Connection]
}

var _ session.Group = (*Group)(nil)

// NewGroup creates an empty group.
func NewGroup(name string) *Group {
	return &Group{
		name: name,
		log:  logger.WithModule("transport").With(zap.String("group", name)),
	}
}

// SetObject sets the receiver of the group's traffic.
func (g *Group) SetObject(obj session.CommunicationObject) {
	g.object = obj
}

func (g *Group) Name() string {
	return g.name
}

func (g *Group) MemberRemoved() *signal.Signal[session.Connection] {
	return &g.memberRemoved
}

func (g *Group) AddMember(conn session.Connection) {
	if g.HasMember(conn) {
		return
	}
	g.members = append(g.members, conn)
}

// RemoveMember removes conn and emits MemberRemoved afterwards, so observers see the
// group without it.
func (g *Group) RemoveMember(conn session.Connection) {
	for i, m := range g.members {
		if session.SameConnection(m, conn) {
			g.members = append(g.members[:i:i], g.members[i+1:]...)
			g.memberRemoved.Emit(conn)
			return
		}
	}
}

func (g *Group) HasMember(conn session.Connection) bool {
	for _, m := range g.members {
		if session.SameConnection(m, conn) {
			return true
		}
	}
	return false
}

// Members returns a snapshot of the members.
func (g *Group) Members() []session.Connection {
	return append([]session.Connection(nil), g.members...)
}

// SendMessage queues msg on conn. The communication object is told when the message
// was queued and again once it was written.
func (g *Group) SendMessage(conn session.Connection, msg *wire.Message) {
	obj := g.object
	var sent func()
	if obj != nil {
		sent = func() { obj.Sent(conn, msg) }
	}

	if !conn.Send(msg, sent) {
		g.log.Debug("dropping message for closed connection",
			zap.String("conn", conn.ID()),
			zap.String("message", msg.Name),
		)
		return
	}
	if obj != nil {
		obj.Enqueued(conn, msg)
	}
}

// SendGroupMessage sends msg to every member but except.
func (g *Group) SendGroupMessage(msg *wire.Message, except session.Connection) {
	for _, m := range g.Members() {
		if except != nil && session.SameConnection(m, except) {
			continue
		}
		g.SendMessage(m, msg)
	}
}

// Deliver hands a message received from conn to the communication object, and relays
// it to the other members when the object asks for it. Messages from connections that
// are not members are dropped.
func (g *Group) Deliver(conn session.Connection, msg *wire.Message) {
	if !g.HasMember(conn) {
		g.log.Debug("dropping message from non-member",
			zap.String("conn", conn.ID()),
			zap.String("message", msg.Name),
		)
		return
	}
	if g.object == nil {
		return
	}

	if g.object.Received(conn, msg) == wire.ScopeGroup {
		g.SendGroupMessage(msg, conn)
	}
}
