package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/collabd/internal/directory"
	"github.com/charlesng35/collabd/internal/document"
	"github.com/charlesng35/collabd/internal/session"
	apperrors "github.com/charlesng35/collabd/pkg/errors"
	"github.com/charlesng35/collabd/pkg/response"
)

// Caller runs a function on the event loop and waits for its result.
type Caller interface {
	Call(ctx context.Context, fn func() error) error
}

// DocumentHandler exposes the open documents.
type DocumentHandler struct {
	dir  *directory.Directory
	loop Caller
}

// NewDocumentHandler constructs a DocumentHandler.
func NewDocumentHandler(dir *directory.Directory, loop Caller) (*DocumentHandler, error) {
	if dir == nil || loop == nil {
		return nil, fmt.Errorf("directory and event loop are required")
	}
	return &DocumentHandler{dir: dir, loop: loop}, nil
}

type joinRequest struct {
	Name   string   `json:"name" validate:"required,max=64"`
	Status string   `json:"status" validate:"omitempty,oneof=active inactive unavailable"`
	Hue    *float64 `json:"hue" validate:"omitempty,gte=0,lte=1"`
}

func (r joinRequest) fields() (session.UserFields, error) {
	fields := session.NewUserFields(r.Name)
	if r.Status != "" {
		status, err := session.ParseUserStatus(r.Status)
		if err != nil {
			return fields, err
		}
		fields = fields.WithStatus(status)
	}
	if r.Hue != nil {
		fields = fields.WithExtra(document.FieldHue, strconv.FormatFloat(*r.Hue, 'f', -1, 64))
	}
	return fields, nil
}

// List GET /api/documents
func (h *DocumentHandler) List(c *gin.Context) {
	var list []directory.Info
	err := call(requestContext(c), h.loop, func() error {
		list = h.dir.List()
		return nil
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, list, &response.Meta{Total: len(list)})
}

// Get GET /api/documents/:document
func (h *DocumentHandler) Get(c *gin.Context) {
	name := c.Param("document")

	var info directory.Info
	err := call(requestContext(c), h.loop, func() (err error) {
		info, err = h.dir.Info(name)
		return err
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, info)
}

// Join POST /api/documents/:document/users
//
// Joins a local user, opening the document if needed. Join failures keep the domain and
// code of the session error.
func (h *DocumentHandler) Join(c *gin.Context) {
	var req joinRequest
	if !bindAndValidate(c, &req) {
		return
	}
	fields, err := req.fields()
	if err != nil {
		response.Error(c, err)
		return
	}

	name := c.Param("document")
	var user directory.UserInfo
	err = call(requestContext(c), h.loop, func() error {
		u, err := h.dir.JoinLocal(name, fields)
		if err != nil {
			return err
		}
		user = directory.DescribeUser(u)
		return nil
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, user)
}

// Release DELETE /api/documents/:document
func (h *DocumentHandler) Release(c *gin.Context) {
	name := c.Param("document")
	err := call(requestContext(c), h.loop, func() error {
		return h.dir.Release(name)
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"released": name})
}

// call runs fn on loop and returns its error. A loop that stopped or a request that
// ended first is reported as an internal error.
func call(ctx context.Context, loop Caller, fn func() error) error {
	var fnErr error
	err := loop.Call(ctx, func() error {
		fnErr = fn()
		return nil
	})
	if err != nil {
		return apperrors.Wrap(err, "Document directory unavailable")
	}
	return fnErr
}

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil || c.Request == nil {
		return context.Background()
	}
	return c.Request.Context()
}
