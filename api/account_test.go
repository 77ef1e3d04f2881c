package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedJWT(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "acct-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func TestRequestCarriesAuthHeaders(t *testing.T) {
	token := signedJWT(t, time.Hour)

	r := newRouter()
	r.GET("/v1/account/ports", func(c *gin.Context) {
		assert.Equal(t, "key-123", c.GetHeader("X-Api-Key"))
		assert.Equal(t, "Bearer "+token, c.GetHeader("Authorization"))
		assert.NotEmpty(t, c.GetHeader("X-Request-ID"))
		assert.Equal(t, "application/json", c.GetHeader("Accept"))
		c.JSON(http.StatusOK, gin.H{"ports": []gin.H{{"id": "p1", "host": "gw.example.net"}}})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := New(srv.URL, "key-123", token, zerolog.Nop())
	ports, err := c.ListPorts(context.Background())
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "p1", ports[0].ID)
}

func TestExpiredJWTRejectedWithoutRoundTrip(t *testing.T) {
	hits := 0
	r := newRouter()
	r.GET("/v1/account/ports", func(c *gin.Context) {
		hits++
		c.JSON(http.StatusOK, gin.H{"ports": []gin.H{}})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := New(srv.URL, "", signedJWT(t, -time.Hour), zerolog.Nop())
	_, err := c.ListPorts(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
	assert.Zero(t, hits, "no request sent for a stale token")
}

func TestMalformedJWTRejected(t *testing.T) {
	c := New("http://unused.invalid", "", "not.a.jwt", zerolog.Nop())
	_, err := c.ListPorts(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestListPortsTreats404AsEmpty(t *testing.T) {
	r := newRouter()
	r.GET("/v1/account/ports", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no ports"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := New(srv.URL, "key-123", "", zerolog.Nop())
	ports, err := c.ListPorts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestGetPortNotFoundIsError(t *testing.T) {
	r := newRouter()
	r.GET("/v1/account/ports/:id", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := New(srv.URL, "key-123", "", zerolog.Nop())
	_, err := c.GetPort(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestRotatePortReturnsNewIP(t *testing.T) {
	r := newRouter()
	r.POST("/v1/account/ports/:id/rotate", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"newIp": "203.0.113.7"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := New(srv.URL, "key-123", "", zerolog.Nop())
	ip, err := c.RotatePort(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", ip)
}

func TestBillingHistoryPassesLimit(t *testing.T) {
	r := newRouter()
	r.GET("/v1/account/billing", func(c *gin.Context) {
		assert.Equal(t, "5", c.Query("limit"))
		c.JSON(http.StatusOK, gin.H{"entries": []gin.H{
			{"id": "b1", "description": "1GB shared", "amount": "4.00", "currency": "USDC"},
		}})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := New(srv.URL, "key-123", "", zerolog.Nop())
	entries, err := c.BillingHistory(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "4.00", entries[0].Amount)
}

func TestCreateTicket(t *testing.T) {
	r := newRouter()
	r.POST("/v1/account/tickets", func(c *gin.Context) {
		var body struct {
			Subject string `json:"subject"`
			Message string `json:"message"`
		}
		require.NoError(t, c.BindJSON(&body))
		assert.Equal(t, "slow exit", body.Subject)
		c.JSON(http.StatusCreated, gin.H{"id": "t1", "subject": body.Subject, "status": "open"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := New(srv.URL, "key-123", "", zerolog.Nop())
	ticket, err := c.CreateTicket(context.Background(), "slow exit", "port p1 is slow from EU")
	require.NoError(t, err)
	assert.Equal(t, "t1", ticket.ID)
	assert.Equal(t, "open", ticket.Status)
}

func TestServerErrorSurfacesBodySnippet(t *testing.T) {
	r := newRouter()
	r.GET("/v1/account/ports", func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database unavailable"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := New(srv.URL, "key-123", "", zerolog.Nop())
	_, err := c.ListPorts(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "database unavailable")
}
