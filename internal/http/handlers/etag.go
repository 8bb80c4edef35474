package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RespondJSONWithETag writes payload with a strong ETag over its JSON form
// and answers 304 when the client already holds the current version. Stats
// endpoints poll aggressively, this keeps the repeat answers cheap.
func RespondJSONWithETag(ctx *gin.Context, status int, payload interface{}) {
	etag, err := etagFor(payload)
	if err != nil {
		ctx.JSON(status, payload)
		return
	}

	ctx.Header("ETag", etag)

	if etagMatch(ctx.GetHeader("If-None-Match"), etag) {
		ctx.Status(http.StatusNotModified)
		return
	}

	ctx.JSON(status, payload)
}

func etagFor(payload interface{}) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(b)

	return `"` + hex.EncodeToString(sum[:]) + `"`, nil
}

func etagMatch(ifNoneMatch, current string) bool {
	ifNoneMatch = strings.TrimSpace(ifNoneMatch)
	if ifNoneMatch == "" || strings.TrimSpace(current) == "" {
		return false
	}

	if ifNoneMatch == "*" {
		return true
	}

	want := trimETag(current)

	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		if trimETag(candidate) == want {
			return true
		}
	}

	return false
}

// trimETag strips whitespace and the weak-validator marker, W/"abc" and
// "abc" compare equal here.
func trimETag(raw string) string {
	v := strings.TrimSpace(raw)

	if strings.HasPrefix(v, "W/") {
		v = strings.TrimSpace(strings.TrimPrefix(v, "W/"))
	}

	return v
}
