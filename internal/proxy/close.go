package proxy

import (
	"fmt"

	"github.com/charlesng35/collabd/internal/session"
)

// onSessionClose ends every subscription and every local user when the session closes.
func (p *Proxy) onSessionClose() {
	if p.group == nil {
		return
	}

	// Without the member-removed handler no user-status-change is broadcast to a
	// group that is going away, so remove-subscription is emitted here instead.
	p.group.MemberRemoved().Disconnect(p.memberRemovedHandle)

	for len(p.subscriptions) > 0 {
		conn := p.subscriptions[0].Conn
		p.unsubscribe(conn)
		p.removeSubscription.Emit(conn)
	}

	table := p.session.UserTable()
	for len(p.localUsers) > 0 {
		id := p.localUsers[0]
		u := table.Lookup(id)
		if u == nil {
			panic(fmt.Sprintf("proxy: local user %d is not in the user table", id))
		}
		u.SetStatus(session.UserUnavailable)
		if len(p.localUsers) > 0 && p.localUsers[0] == id {
			panic(fmt.Sprintf("proxy: local user %d still attached after becoming unavailable", id))
		}
	}

	p.log.Info("session closed")
	p.group = nil
}
