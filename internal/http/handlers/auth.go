package handlers

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/geocoder89/taskbus/internal/auth"
	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	jwt      *auth.Manager
	adminKey string
}

func NewAuthHandler(jwtManager *auth.Manager, adminKey string) *AuthHandler {
	return &AuthHandler{
		jwt:      jwtManager,
		adminKey: adminKey,
	}
}

type TokenRequest struct {
	Key string `json:"key" binding:"required"`
}

// POST /auth/token
//
// Exchanges the configured admin key for a short-lived bearer token. There
// are no user accounts; the only principal is "admin".
func (h *AuthHandler) Token(ctx *gin.Context) {
	var req TokenRequest

	if !BindJSON(ctx, &req) {
		return
	}

	if h.adminKey == "" || !keysMatch(h.adminKey, req.Key) {
		RespondUnAuthorized(ctx, "invalid_key", "Admin key is incorrect.")
		return
	}

	accessToken, err := h.jwt.GenerateAccessToken("admin", "admin")

	if err != nil {
		RespondInternal(ctx, "Could not generate access token")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"accessToken": accessToken,
		"expiresIn":   int(h.jwt.AccessTTL().Seconds()),
	})
}

// keysMatch hashes both sides first so the comparison stays constant time
// even when the lengths differ.
func keysMatch(want, got string) bool {
	w := sha256.Sum256([]byte(want))
	g := sha256.Sum256([]byte(got))

	return subtle.ConstantTimeCompare(w[:], g[:]) == 1
}
