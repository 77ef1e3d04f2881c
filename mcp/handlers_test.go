package mcp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/proxyhub/proxyhub-mcp/client"
	"github.com/proxyhub/proxyhub-mcp/types"
	"github.com/proxyhub/proxyhub-mcp/wallet"
)

const txHash = "0x9f2b3c4d5e6f70819283a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"

func TestRenderErrorPostPaymentIsLoudAndCarriesTxHash(t *testing.T) {
	err := &client.Error{
		Kind:    client.PostPaymentFulfillment,
		Message: "payment confirmed but fulfillment returned 500",
		TxHash:  txHash,
	}
	out := renderError(err)
	assert.Contains(t, out, "PAYMENT MADE BUT RESOURCE NOT GRANTED")
	assert.Contains(t, out, txHash)
	assert.Contains(t, out, "do not retry")
}

func TestRenderErrorInsufficientFunds(t *testing.T) {
	err := &client.Error{Kind: client.InsufficientFunds, Message: "required 4.00 USDC, available 1.00 USDC"}
	out := renderError(err)
	assert.Contains(t, out, "Insufficient funds")
	assert.Contains(t, out, "4.00 USDC")
}

func TestRenderErrorOnChainFailureWarnsAgainstRetry(t *testing.T) {
	err := &client.Error{Kind: client.OnChainFailure, Message: "confirmation not observed before deadline", TxHash: txHash}
	out := renderError(err)
	assert.Contains(t, out, "Do not retry")
	assert.Contains(t, out, txHash)
}

func TestRenderErrorTransportSuggestsRetry(t *testing.T) {
	err := &client.Error{Kind: client.Transport, Message: "connection refused"}
	assert.Contains(t, renderError(err), "Safe to retry")
}

func TestRenderErrorUnwrapsWrappedClientError(t *testing.T) {
	inner := &client.Error{Kind: client.NotFound, Message: "session ghost does not exist"}
	wrapped := errors.Join(errors.New("tool failed"), inner)
	assert.Contains(t, renderError(wrapped), "Not found")
}

func TestRenderErrorWalletFallback(t *testing.T) {
	err := &wallet.Error{Kind: wallet.ErrRPC, Message: "dial tcp: connection refused"}
	assert.Contains(t, renderError(err), "Wallet error")
}

func TestRenderErrorPlainError(t *testing.T) {
	assert.Equal(t, "Error: country is required", renderError(errors.New("country is required")))
}

func TestFormatSessionIncludesCredentialsAndRotationHint(t *testing.T) {
	s := types.Session{
		ID:        "sess-1",
		Status:    types.StatusActive,
		ExpiresAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Location:  types.Location{Country: "us", City: "Dallas"},
		Credentials: []types.ProxyCredential{
			{Host: "gw.example.net", HTTPPort: 8080, SocksPort: 1080, Username: "u1", Password: "p1"},
		},
		RotationURL: "https://rotate.example.net/sess-1",
	}
	out := formatSession(s)
	assert.Contains(t, out, "sess-1 [active]")
	assert.Contains(t, out, "US, Dallas")
	assert.Contains(t, out, "gw.example.net (http 8080 / socks 1080)")
	assert.Contains(t, out, "user u1, password p1")
	assert.Contains(t, out, "rotate_ip")
}

func TestFormatLocation(t *testing.T) {
	assert.Equal(t, "DE", formatLocation(types.Location{Country: "de"}))
	assert.Equal(t, "GB, London", formatLocation(types.Location{Country: "GB", City: "London"}))
	assert.Equal(t, "US, Miami, tmobile", formatLocation(types.Location{Country: "us", City: "Miami", Carrier: "tmobile"}))
}
