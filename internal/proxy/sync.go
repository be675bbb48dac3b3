package proxy

import (
	"go.uber.org/zap"

	"github.com/charlesng35/collabd/internal/session"
	"github.com/charlesng35/collabd/pkg/metrics"
)

// onAddUser keeps the id counter ahead of every known user. Users added while the
// session is synchronized from a peer belong to that peer's subscription.
func (p *Proxy) onAddUser(u *session.User) {
	p.bumpUserIDCounter(u)

	if p.session.Status() != session.StatusSynchronizing {
		return
	}
	if u.Status() == session.UserUnavailable {
		return
	}

	syncConn := p.session.SyncConnection()
	sub := p.find(syncConn)
	if sub == nil || !session.SameConnection(syncConn, u.Connection()) {
		p.log.Warn("user added during synchronization does not belong to the synchronizing connection",
			zap.Uint("id", u.ID()),
			zap.String("name", u.Name()),
		)
		// Closing the session cancels the synchronization.
		p.session.Close()
		return
	}

	sub.addUser(u.ID())
	p.watch(u)
}

func (p *Proxy) onSyncBegin(ev session.SyncBegin) {
	p.updateIdle()
}

func (p *Proxy) onSyncComplete(conn session.Connection) {
	metrics.Synchronizations.WithLabelValues("complete").Inc()
	p.updateIdle()
}

// onSyncFailedBefore undoes the group membership granted for the synchronization
// attempt, before the session handles the failure.
func (p *Proxy) onSyncFailedBefore(f session.SyncFailure) {
	p.log.Info("synchronization failed", zap.String("conn", f.Conn.ID()), zap.Error(f.Err))

	if p.session.Status() != session.StatusRunning {
		return
	}
	if p.find(f.Conn) != nil && p.group != nil {
		p.group.RemoveMember(f.Conn)
	}
}

func (p *Proxy) onSyncFailedAfter(f session.SyncFailure) {
	metrics.Synchronizations.WithLabelValues("failed").Inc()
	p.updateIdle()
}
