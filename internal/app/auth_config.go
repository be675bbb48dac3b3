package app

import (
	"github.com/charlesng35/collabd/internal/auth"
	"github.com/charlesng35/collabd/internal/transport"
)

// TokenServiceConfig converts AuthConfig into the parameters expected by the token service.
func (c AuthConfig) TokenServiceConfig() auth.TokenConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultTokenTTL
	}

	return auth.TokenConfig{
		Secret: c.JWT.Secret,
		Issuer: c.JWT.Issuer,
		TTL:    ttl,
	}
}

// TransportOptions converts SessionsConfig into websocket connection options.
func (c SessionsConfig) TransportOptions() transport.Options {
	return transport.Options{
		MaxMessageSize: c.MaxMessageSize,
		MaxQueued:      c.MaxQueued,
	}
}
