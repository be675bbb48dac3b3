package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/collabd/internal/api"
	"github.com/charlesng35/collabd/internal/app"
	iauth "github.com/charlesng35/collabd/internal/auth"
	"github.com/charlesng35/collabd/internal/directory"
	"github.com/charlesng35/collabd/internal/eventloop"
	"github.com/charlesng35/collabd/internal/proxy"
	"github.com/charlesng35/collabd/internal/transport"
)

const defaultShutdownTimeout = 15 * time.Second

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	Loop      *eventloop.Loop
	Directory *directory.Directory
	Reaper    *directory.Reaper
	Tokens    *iauth.TokenService
	Router    *gin.Engine

	stopLoop context.CancelFunc
}

// bootstrapRuntime starts the event loop, the document directory, the idle reaper and
// builds the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.Tokens, err = iauth.NewTokenService(cfg.Auth.TokenServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise token service: %w", err)
	}

	stack.Loop = eventloop.New(cfg.Sessions.EventBuffer)
	// The loop outlives ctx: shutdown still needs it to close the documents.
	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	stack.stopLoop = stopLoop
	go stack.Loop.Run(loopCtx)

	policy := iauth.NewNameBinding(cfg.Auth.Required)
	stack.Directory = directory.New(directory.WithJoinPolicy(func(px *proxy.Proxy) {
		policy.Attach(px)
	}))

	stack.Reaper = directory.NewReaper(stack.Directory, stack.Loop,
		directory.WithSchedule(cfg.Sessions.ReapSchedule),
		directory.WithIdleTTL(cfg.Sessions.IdleTTL),
	)
	if err := stack.Reaper.Start(); err != nil {
		return nil, fmt.Errorf("start idle document reaper: %w", err)
	}

	stack.Router, err = api.NewRouter(api.Deps{
		Directory: stack.Directory,
		Loop:      stack.Loop,
		Tokens:    stack.Tokens,
		Upgrader:  transport.NewUpgrader(cfg.Sessions.TransportOptions()),
		Config:    cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	log.Info("runtime ready",
		zap.Duration("idle_ttl", stack.Reaper.TTL()),
		zap.Bool("auth_required", cfg.Auth.Required),
	)
	success = true
	return stack, nil
}

// Shutdown stops the reaper, closes every open document and stops the event loop.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Reaper != nil {
		select {
		case <-s.Reaper.Stop().Done():
		case <-ctx.Done():
		}
	}

	if s.Loop != nil && s.Directory != nil {
		if err := s.Loop.Call(ctx, s.Directory.Close); err != nil {
			log.Warn("closing documents failed", zap.Error(err))
		}
	}

	if s.stopLoop != nil {
		s.stopLoop()
		<-s.Loop.Done()
	}
}

func shutdownTimeout(cfg *app.Config) time.Duration {
	if cfg != nil && cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return defaultShutdownTimeout
}
