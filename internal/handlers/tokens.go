package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/collabd/internal/auth"
	"github.com/charlesng35/collabd/pkg/errors"
	"github.com/charlesng35/collabd/pkg/response"
)

// TokenHandler issues connection tokens.
type TokenHandler struct {
	tokens *iauth.TokenService
}

// NewTokenHandler constructs a TokenHandler.
func NewTokenHandler(tokens *iauth.TokenService) (*TokenHandler, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token service is required")
	}
	return &TokenHandler{tokens: tokens}, nil
}

type issueTokenRequest struct {
	Name      string   `json:"name" validate:"required,max=64"`
	Documents []string `json:"documents" validate:"omitempty,dive,required"`
	Admin     bool     `json:"admin"`
}

// Issue POST /api/tokens
func (h *TokenHandler) Issue(c *gin.Context) {
	var req issueTokenRequest
	if !bindAndValidate(c, &req) {
		return
	}

	token, err := h.tokens.Issue(iauth.TokenInput{
		Name:      req.Name,
		Documents: req.Documents,
		Admin:     req.Admin,
	})
	if err != nil {
		response.Error(c, errors.ErrInternalServer.WithInternal(err))
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"token": token})
}
