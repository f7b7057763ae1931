package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"presence/internal/auth"
	"presence/internal/clock"
)

func TestAllowRefills(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC))
	l := NewTokenBucket(2, 60, clk)

	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"), "buckets are per key")

	clk.Advance(5 * time.Second)
	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"), "refill is capped at capacity")
}

func TestMiddlewareKeysBySubject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clk := clock.NewFake(time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC))
	l := NewTokenBucket(1, 1, clk)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if sub := c.Query("sub"); sub != "" {
			claims := auth.Claims{Role: auth.RoleScanner}
			claims.Subject = sub
			auth.SetClaims(c, claims)
		}
		c.Next()
	}, l.GinMiddleware(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(url string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
		return rec.Code
	}
	assert.Equal(t, http.StatusNoContent, do("/x?sub=reader-1"))
	assert.Equal(t, http.StatusTooManyRequests, do("/x?sub=reader-1"))
	assert.Equal(t, http.StatusNoContent, do("/x?sub=reader-2"))
	// No subject: falls back to the client IP.
	assert.Equal(t, http.StatusNoContent, do("/x"))
	assert.Equal(t, http.StatusTooManyRequests, do("/x"))
}
