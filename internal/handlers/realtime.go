package handlers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/collabd/internal/directory"
	"github.com/charlesng35/collabd/internal/middleware"
	"github.com/charlesng35/collabd/internal/transport"
	"github.com/charlesng35/collabd/internal/wire"
	"github.com/charlesng35/collabd/pkg/errors"
	"github.com/charlesng35/collabd/pkg/logger"
	"github.com/charlesng35/collabd/pkg/response"
)

// Loop is the event loop the directory runs on.
type Loop interface {
	Caller
	transport.Poster
}

// RealtimeHandler upgrades HTTP connections into websocket subscriptions of a document.
type RealtimeHandler struct {
	dir      *directory.Directory
	loop     Loop
	upgrader *transport.Upgrader
	log      *zap.Logger
}

// NewRealtimeHandler constructs a realtime handler.
func NewRealtimeHandler(dir *directory.Directory, loop Loop, upgrader *transport.Upgrader) (*RealtimeHandler, error) {
	if dir == nil || loop == nil || upgrader == nil {
		return nil, fmt.Errorf("directory, event loop and upgrader are required")
	}
	return &RealtimeHandler{
		dir:      dir,
		loop:     loop,
		upgrader: upgrader,
		log:      logger.WithModule("realtime"),
	}, nil
}

// Stream GET /ws/:document
//
// Subscribes the upgraded connection to the document, synchronizing it first when the
// synchronize query parameter is set, and serves it until the link drops. With upload
// set the document must not be open yet; it is created from the state the peer sends.
func (h *RealtimeHandler) Stream(c *gin.Context) {
	name := c.Param("document")
	claims := middleware.ClaimsFrom(c)
	if claims != nil && !claims.CanAccess(name) {
		response.Error(c, errors.ErrNotAuthorized.WithMessage("Token does not grant access to %q", name))
		return
	}
	synchronize := parseBoolQuery(c, "synchronize")
	upload := parseBoolQuery(c, "upload")
	if synchronize && upload {
		response.Error(c, errors.ErrBadRequest.WithMessage("synchronize and upload are mutually exclusive"))
		return
	}

	// Checking before the upgrade reports bad names as HTTP errors.
	err := call(requestContext(c), h.loop, func() error {
		if upload {
			return h.checkUpload(name)
		}
		_, err := h.dir.Open(name)
		return err
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, claims)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.String("document", name), zap.Error(err))
		return
	}
	// The writer runs before subscribing so a synchronization drains as it is queued.
	conn.StartWriting(h.loop)

	err = h.loop.Call(requestContext(c), func() error {
		if upload {
			_, err := h.dir.OpenFromSync(name, conn)
			return err
		}
		_, err := h.dir.Subscribe(name, conn, synchronize)
		return err
	})
	if err != nil {
		h.log.Warn("subscribe failed", zap.String("document", name), zap.String("conn", conn.ID()), zap.Error(err))
		_ = conn.Close()
		return
	}

	h.log.Debug("connection subscribed",
		zap.String("document", name),
		zap.String("conn", conn.ID()),
		zap.String("remote_addr", conn.RemoteAddr()),
		zap.Bool("synchronize", synchronize),
		zap.Bool("upload", upload),
	)
	conn.Run(h.loop,
		func(conn *transport.Conn, msg *wire.Message) { h.dir.Deliver(name, conn, msg) },
		func(conn *transport.Conn) { h.dir.Disconnect(conn) },
	)
}

func (h *RealtimeHandler) checkUpload(name string) error {
	if err := directory.ValidateName(name); err != nil {
		return err
	}
	if h.dir.Lookup(name) != nil {
		return errors.ErrConflict.WithMessage("Document %q is already open", name)
	}
	return nil
}

func parseBoolQuery(c *gin.Context, key string) bool {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return false
	}
	parsed, err := strconv.ParseBool(value)
	return err == nil && parsed
}
