package client

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyhub/proxyhub-mcp/cache"
	"github.com/proxyhub/proxyhub-mcp/types"
)

const (
	payerAddress = "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B"
	payToAddress = "0x7A16fF8270133F063aAb6C9977183D9e72835428"
	mockTxHash   = "0x9f2b3c4d5e6f70819283a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"
)

// stubWallet counts calls so tests can assert "no wallet operation
// happened" style properties.
type stubWallet struct {
	address      string
	balance      *big.Int
	balanceCalls int
	sendCalls    int
	sentTo       []string
	sentAmounts  []*big.Int
	sendErr      error
}

func (w *stubWallet) Address() string { return w.address }

func (w *stubWallet) HasSufficientBalance(_ context.Context, required *big.Int) (bool, *big.Int, error) {
	w.balanceCalls++
	return w.balance.Cmp(required) >= 0, w.balance, nil
}

func (w *stubWallet) SendPayment(_ context.Context, recipient string, amount *big.Int) (*types.TransferReceipt, error) {
	w.sendCalls++
	w.sentTo = append(w.sentTo, recipient)
	w.sentAmounts = append(w.sentAmounts, new(big.Int).Set(amount))
	if w.sendErr != nil {
		return nil, w.sendErr
	}
	return &types.TransferReceipt{
		TransactionHash: mockTxHash,
		Network:         "base",
		Amount:          new(big.Int).Set(amount),
		Recipient:       recipient,
	}, nil
}

func (w *stubWallet) FormatAmount(minor *big.Int) string {
	return minor.String() + " minor units"
}

func newStubWallet(balance int64) *stubWallet {
	return &stubWallet{address: payerAddress, balance: big.NewInt(balance)}
}

func challengeBody(options ...types.PaymentOption) gin.H {
	return gin.H{"x402Version": 1, "accepts": options}
}

func baseOption(amount string) types.PaymentOption {
	return types.PaymentOption{
		Scheme:            "exact",
		Network:           "base",
		ChainID:           8453,
		MaxAmountRequired: amount,
		PayTo:             payToAddress,
		Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		MaxTimeoutSeconds: 60,
		Description:       "1GB shared proxy, 1h",
	}
}

func grantedSession(id string) gin.H {
	return gin.H{
		"success": true,
		"session": gin.H{
			"id":        id,
			"status":    "active",
			"expiresAt": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			"credentials": []gin.H{
				{"host": "gw.example.net", "httpPort": 8080, "socksPort": 1080, "username": "user1", "password": "pw1"},
			},
			"location":    gin.H{"country": "US"},
			"rotationUrl": "https://rotate.example.net/" + id,
		},
	}
}

// buyRoute wires the standard challenge-then-fulfill behavior: 402 without
// proof, 200 with it.
func buyRoute(r *gin.Engine, challenge gin.H, fulfillStatus int, fulfillBody gin.H) *int {
	challengeHits := new(int)
	r.GET("/v1/proxies/buy", func(c *gin.Context) {
		if c.GetHeader("X-Payment") == "" {
			*challengeHits++
			c.JSON(http.StatusPaymentRequired, challenge)
			return
		}
		c.JSON(fulfillStatus, fulfillBody)
	})
	return challengeHits
}

func newTestClient(t *testing.T, baseURL string, w Wallet, opts ...func(*Config)) (*Client, *cache.SessionCache) {
	t.Helper()
	sc := cache.New(filepath.Join(t.TempDir(), "sessions.json"), payerAddress, zerolog.Nop())
	cfg := Config{BaseURL: baseURL, PreferredNetwork: "base"}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := New(cfg, w, sc, zerolog.Nop())
	require.NoError(t, err)
	return c, sc
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func TestPurchaseHappyPath(t *testing.T) {
	r := newRouter()
	buyRoute(r, challengeBody(baseOption("4000000")), http.StatusOK, grantedSession("sess-42"))

	srv := httptest.NewServer(r)
	defer srv.Close()

	w := newStubWallet(5000000)
	c, sc := newTestClient(t, srv.URL, w)

	res, err := c.PurchaseResource(context.Background(), PurchaseRequest{
		Country: "US", Tier: "shared", DurationHours: 1, TrafficGB: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, "sess-42", res.Session.ID)
	assert.Equal(t, mockTxHash, res.Receipt.TransactionHash)
	require.NotNil(t, res.Session.Payment)
	assert.Equal(t, mockTxHash, res.Session.Payment.TransactionHash)

	// Exactly the challenge amount was transferred, no more, no less.
	require.Equal(t, 1, w.sendCalls)
	assert.Equal(t, big.NewInt(4000000), w.sentAmounts[0])
	assert.Equal(t, payToAddress, w.sentTo[0])

	// The purchase is recoverable from the cache immediately.
	cached, ok := sc.Session("sess-42")
	require.True(t, ok)
	assert.Equal(t, "user1", cached.Credentials[0].Username)
	assert.Equal(t, "https://rotate.example.net/sess-42", cached.RotationURL)
}

func TestPurchaseSendsProofHeader(t *testing.T) {
	r := newRouter()
	var proof string
	r.GET("/v1/proxies/buy", func(c *gin.Context) {
		if h := c.GetHeader("X-Payment"); h != "" {
			proof = h
			c.JSON(http.StatusOK, grantedSession("sess-1"))
			return
		}
		c.JSON(http.StatusPaymentRequired, challengeBody(baseOption("1000")))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, newStubWallet(5000))
	_, err := c.PurchaseResource(context.Background(), PurchaseRequest{Country: "US", Tier: "shared", DurationHours: 1, TrafficGB: 1})
	require.NoError(t, err)

	assert.JSONEq(t, `{"transactionHash":"`+mockTxHash+`","network":"base","payer":"`+payerAddress+`"}`, proof)
}

func TestNon402ChallengeIsProtocolViolation(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusForbidden, http.StatusInternalServerError} {
		r := newRouter()
		r.GET("/v1/proxies/buy", func(c *gin.Context) {
			c.JSON(status, gin.H{"whatever": true})
		})
		srv := httptest.NewServer(r)

		w := newStubWallet(5000000)
		c, _ := newTestClient(t, srv.URL, w)
		_, err := c.PurchaseResource(context.Background(), PurchaseRequest{Country: "US", Tier: "shared", DurationHours: 1, TrafficGB: 1})

		assert.True(t, IsKind(err, ProtocolViolation), "status %d: got %v", status, err)
		assert.Contains(t, err.Error(), "expected 402")
		assert.Zero(t, w.balanceCalls)
		assert.Zero(t, w.sendCalls)
		srv.Close()
	}
}

func TestMalformedChallengeIsProtocolViolationBeforeAnyWalletCall(t *testing.T) {
	bodies := map[string]any{
		"not json":      "garbage",
		"missing field": gin.H{"x402Version": 1},
		"empty accepts": gin.H{"x402Version": 1, "accepts": []any{}},
		"option missing payTo": gin.H{"x402Version": 1, "accepts": []gin.H{
			{"scheme": "exact", "network": "base", "maxAmountRequired": "1", "asset": "0x0"},
		}},
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			r := newRouter()
			r.GET("/v1/proxies/buy", func(c *gin.Context) {
				if s, ok := body.(string); ok {
					c.String(http.StatusPaymentRequired, s)
					return
				}
				c.JSON(http.StatusPaymentRequired, body)
			})
			srv := httptest.NewServer(r)
			defer srv.Close()

			w := newStubWallet(5000000)
			c, _ := newTestClient(t, srv.URL, w)
			_, err := c.PurchaseResource(context.Background(), PurchaseRequest{Country: "US", Tier: "shared", DurationHours: 1, TrafficGB: 1})

			assert.True(t, IsKind(err, ProtocolViolation), "got %v", err)
			assert.Zero(t, w.balanceCalls, "no balance read on malformed challenge")
			assert.Zero(t, w.sendCalls, "no transfer on malformed challenge")
		})
	}
}

func TestInsufficientFundsFailsBeforePayment(t *testing.T) {
	r := newRouter()
	buyRoute(r, challengeBody(baseOption("4000000")), http.StatusOK, grantedSession("sess-1"))
	srv := httptest.NewServer(r)
	defer srv.Close()

	w := newStubWallet(1000000)
	c, _ := newTestClient(t, srv.URL, w)
	_, err := c.PurchaseResource(context.Background(), PurchaseRequest{Country: "US", Tier: "shared", DurationHours: 1, TrafficGB: 1})

	require.True(t, IsKind(err, InsufficientFunds), "got %v", err)
	assert.Contains(t, err.Error(), payerAddress, "message names the wallet to fund")
	assert.Zero(t, w.sendCalls)
}

func TestSpendLimitBlocksBeforeBalanceGate(t *testing.T) {
	r := newRouter()
	buyRoute(r, challengeBody(baseOption("4000000")), http.StatusOK, grantedSession("sess-1"))
	srv := httptest.NewServer(r)
	defer srv.Close()

	w := newStubWallet(10000000)
	c, _ := newTestClient(t, srv.URL, w, func(cfg *Config) {
		cfg.MaxPayment = big.NewInt(1000000)
	})
	_, err := c.PurchaseResource(context.Background(), PurchaseRequest{Country: "US", Tier: "shared", DurationHours: 1, TrafficGB: 1})

	require.True(t, IsKind(err, SpendLimitExceeded), "got %v", err)
	assert.Zero(t, w.balanceCalls)
	assert.Zero(t, w.sendCalls)
}

func TestFulfillmentFailureCarriesTxHash(t *testing.T) {
	r := newRouter()
	buyRoute(r, challengeBody(baseOption("4000000")), http.StatusInternalServerError, gin.H{"error": "provisioning backend down"})
	srv := httptest.NewServer(r)
	defer srv.Close()

	w := newStubWallet(5000000)
	c, sc := newTestClient(t, srv.URL, w)
	_, err := c.PurchaseResource(context.Background(), PurchaseRequest{Country: "US", Tier: "shared", DurationHours: 1, TrafficGB: 1})

	require.True(t, IsKind(err, PostPaymentFulfillment), "got %v", err)
	assert.Contains(t, err.Error(), mockTxHash, "the surfaced message must carry the tx hash")
	assert.Equal(t, 1, w.sendCalls, "money did leave the wallet")
	assert.Empty(t, sc.ActiveSessions(), "nothing cached when nothing was granted")
}

func TestPreferredNetworkFallsBackToFirstOption(t *testing.T) {
	sepoliaOpt := baseOption("2000000")

	r := newRouter()
	buyRoute(r, challengeBody(sepoliaOpt), http.StatusOK, grantedSession("sess-1"))
	srv := httptest.NewServer(r)
	defer srv.Close()

	w := newStubWallet(5000000)
	// Prefer a network the server does not offer.
	c, _ := newTestClient(t, srv.URL, w, func(cfg *Config) {
		cfg.PreferredNetwork = "base-sepolia"
	})
	_, err := c.PurchaseResource(context.Background(), PurchaseRequest{Country: "US", Tier: "shared", DurationHours: 1, TrafficGB: 1})

	require.NoError(t, err)
	require.Equal(t, 1, w.sendCalls)
	assert.Equal(t, payToAddress, w.sentTo[0], "fell back to the first listed option")
}

func TestPreferredNetworkExactMatchWins(t *testing.T) {
	first := baseOption("1000000")
	second := baseOption("2000000")
	second.Network = "base-sepolia"
	second.PayTo = "0x00000000219ab540356cBB839Cbe05303d7705Fa"

	r := newRouter()
	buyRoute(r, challengeBody(first, second), http.StatusOK, grantedSession("sess-1"))
	srv := httptest.NewServer(r)
	defer srv.Close()

	w := newStubWallet(5000000)
	c, _ := newTestClient(t, srv.URL, w, func(cfg *Config) {
		cfg.PreferredNetwork = "base-sepolia"
	})
	_, err := c.PurchaseResource(context.Background(), PurchaseRequest{Country: "US", Tier: "shared", DurationHours: 1, TrafficGB: 1})

	require.NoError(t, err)
	assert.Equal(t, second.PayTo, w.sentTo[0])
	assert.Equal(t, big.NewInt(2000000), w.sentAmounts[0])
}

func TestExtendChecksExistenceBeforeAnyPayment(t *testing.T) {
	r := newRouter()
	r.GET("/v1/proxies/:id", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
	})
	extendHits := 0
	r.GET("/v1/proxies/:id/extend", func(c *gin.Context) {
		extendHits++
		c.JSON(http.StatusPaymentRequired, challengeBody(baseOption("1000000")))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	w := newStubWallet(5000000)
	c, _ := newTestClient(t, srv.URL, w)
	_, err := c.ExtendSession(context.Background(), "ghost", 2)

	require.True(t, IsKind(err, NotFound), "got %v", err)
	assert.Zero(t, extendHits, "extension endpoint never touched")
	assert.Zero(t, w.sendCalls)
}

func TestExtendUpdatesCacheExpiry(t *testing.T) {
	newExpiry := time.Now().Add(5 * time.Hour).UTC().Truncate(time.Second)

	r := newRouter()
	r.GET("/v1/proxies/:id", func(c *gin.Context) {
		if c.Param("id") == "sess-1" {
			c.JSON(http.StatusOK, gin.H{"id": "sess-1", "status": "active"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{})
	})
	r.GET("/v1/proxies/:id/extend", func(c *gin.Context) {
		if c.GetHeader("X-Payment") == "" {
			c.JSON(http.StatusPaymentRequired, challengeBody(baseOption("1000000")))
			return
		}
		body := grantedSession("sess-1")
		body["session"].(gin.H)["expiresAt"] = newExpiry.Format(time.RFC3339)
		c.JSON(http.StatusOK, body)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	w := newStubWallet(5000000)
	c, sc := newTestClient(t, srv.URL, w)
	sc.AddSession(types.CachedSession{ID: "sess-1", ExpiresAt: time.Now().Add(time.Hour)})

	_, err := c.ExtendSession(context.Background(), "sess-1", 4)
	require.NoError(t, err)

	cached, ok := sc.Session("sess-1")
	require.True(t, ok)
	assert.WithinDuration(t, newExpiry, cached.ExpiresAt, time.Second)
}

func TestListSessionsTreats404AsEmpty(t *testing.T) {
	r := newRouter()
	r.GET("/v1/proxies", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no index for wallet"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, newStubWallet(0))
	sessions, err := c.ListSessions(context.Background(), payerAddress, "")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestListSessionsReturnsSessions(t *testing.T) {
	r := newRouter()
	r.GET("/v1/proxies", func(c *gin.Context) {
		assert.Equal(t, payerAddress, c.Query("wallet"))
		assert.Equal(t, "active", c.Query("status"))
		c.JSON(http.StatusOK, gin.H{"sessions": []gin.H{
			{"id": "a", "status": "active"},
			{"id": "b", "status": "active"},
		}})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, newStubWallet(0))
	sessions, err := c.ListSessions(context.Background(), payerAddress, "active")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].ID)
}

func TestSessionStatusNotFound(t *testing.T) {
	r := newRouter()
	r.GET("/v1/proxies/:id", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, newStubWallet(0))
	_, err := c.SessionStatus(context.Background(), "ghost")
	assert.True(t, IsKind(err, NotFound), "got %v", err)
}
