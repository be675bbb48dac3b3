package auth

import (
	"go.uber.org/zap"

	"github.com/charlesng35/collabd/internal/proxy"
	"github.com/charlesng35/collabd/internal/signal"
	"github.com/charlesng35/collabd/pkg/logger"
)

// Identified is implemented by connections that carry validated claims.
type Identified interface {
	Claims() *Claims
}

// ClaimsOf returns the claims of conn, or nil.
func ClaimsOf(conn any) *Claims {
	if id, ok := conn.(Identified); ok {
		return id.Claims()
	}
	return nil
}

// NameBinding rejects remote joins under a name other than the one in the
// connection's token. Local joins are never rejected. Name conflicts are left to the
// session's validation.
type NameBinding struct {
	// Required rejects remote joins from connections without claims.
	Required bool
	log      *zap.Logger
}

// NewNameBinding creates the policy.
func NewNameBinding(required bool) *NameBinding {
	return &NameBinding{Required: required, log: logger.WithModule("auth")}
}

// Reject implements the reject-user-join predicate.
func (p *NameBinding) Reject(req proxy.JoinRequest) bool {
	if req.Conn == nil {
		return false
	}

	claims := ClaimsOf(req.Conn)
	if claims == nil {
		if p.Required {
			p.log.Info("rejecting join from anonymous connection", zap.String("conn", req.Conn.ID()))
		}
		return p.Required
	}
	if claims.Admin {
		return false
	}

	name := req.Fields.NameValue()
	if name != claims.Name {
		p.log.Info("rejecting join under foreign name",
			zap.String("conn", req.Conn.ID()),
			zap.String("requested", name),
			zap.String("token_name", claims.Name),
		)
		return true
	}
	return false
}

// Attach connects the policy to px.
func (p *NameBinding) Attach(px *proxy.Proxy) signal.Handle {
	return px.RejectUserJoin().Connect(p.Reject)
}
