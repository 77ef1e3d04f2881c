// Package client implements the HTTP 402 purchase protocol end-to-end:
// challenge, payment option selection, on-chain payment, proof submission,
// plus the follow-on session-management calls that reuse the same pattern.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/proxyhub/proxyhub-mcp/cache"
	"github.com/proxyhub/proxyhub-mcp/types"
	"github.com/proxyhub/proxyhub-mcp/wallet"
)

// paymentHeader carries the proof-of-payment on the retried request.
const paymentHeader = "X-Payment"

// challengeSchema is the shape a 402 body must satisfy before the client
// will act on it. Anything else is a protocol violation, reported before
// any wallet operation.
const challengeSchema = `{
	"type": "object",
	"required": ["x402Version", "accepts"],
	"properties": {
		"x402Version": {"type": "integer"},
		"accepts": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["scheme", "network", "maxAmountRequired", "payTo", "asset"],
				"properties": {
					"scheme": {"type": "string"},
					"network": {"type": "string"},
					"maxAmountRequired": {"type": "string"},
					"payTo": {"type": "string"},
					"asset": {"type": "string"},
					"maxTimeoutSeconds": {"type": "integer"}
				}
			}
		}
	}
}`

// Wallet is the signing primitive the client consumes. *wallet.Wallet
// satisfies it; tests substitute a stub.
type Wallet interface {
	Address() string
	HasSufficientBalance(ctx context.Context, required *big.Int) (bool, *big.Int, error)
	SendPayment(ctx context.Context, recipient string, amount *big.Int) (*types.TransferReceipt, error)
	FormatAmount(minor *big.Int) string
}

// Config carries the client's runtime knobs.
type Config struct {
	// BaseURL is the resource-API root, e.g. https://api.proxyhub.io.
	BaseURL string
	// PreferredNetwork selects among challenge payment options by exact
	// string match; no match degrades to the first listed option.
	PreferredNetwork string
	// MaxPayment, when set, caps what a single purchase may cost in minor
	// units. Checked against the challenge amount before the balance gate.
	MaxPayment *big.Int
	// HTTPTimeout bounds each remote call. Defaults to 30s.
	HTTPTimeout time.Duration
}

// Client executes the challenge/pay/retry protocol against the resource
// API and records successful purchases in the session cache.
type Client struct {
	http             *http.Client
	baseURL          string
	preferredNetwork string
	maxPayment       *big.Int
	wallet           Wallet
	cache            *cache.SessionCache
	schema           *gojsonschema.Schema
	logger           zerolog.Logger
}

// New constructs a payment-gated client. The cache may be nil, in which
// case purchases are simply not recorded locally.
func New(cfg Config, w Wallet, sc *cache.SessionCache, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("resource API base URL is required")
	}
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(challengeSchema))
	if err != nil {
		return nil, fmt.Errorf("compile challenge schema: %w", err)
	}
	return &Client{
		http:             &http.Client{Timeout: timeout},
		baseURL:          cfg.BaseURL,
		preferredNetwork: cfg.PreferredNetwork,
		maxPayment:       cfg.MaxPayment,
		wallet:           w,
		cache:            sc,
		schema:           schema,
		logger:           logger.With().Str("component", "client").Logger(),
	}, nil
}

// PurchaseRequest describes the resource to buy.
type PurchaseRequest struct {
	Country       string
	City          string
	Carrier       string
	Tier          string
	DurationHours int
	TrafficGB     int
}

func (r PurchaseRequest) query() url.Values {
	q := url.Values{}
	q.Set("country", r.Country)
	if r.City != "" {
		q.Set("city", r.City)
	}
	if r.Carrier != "" {
		q.Set("carrier", r.Carrier)
	}
	q.Set("tier", r.Tier)
	q.Set("duration", strconv.Itoa(r.DurationHours))
	q.Set("traffic", strconv.Itoa(r.TrafficGB))
	return q
}

// PurchaseResource runs the full purchase state machine: request, expect a
// 402 challenge, select a payment option, gate on balance, pay on-chain,
// re-issue the request with proof, and return the granted session.
func (c *Client) PurchaseResource(ctx context.Context, req PurchaseRequest) (*types.PurchaseResult, error) {
	endpoint := c.baseURL + "/v1/proxies/buy?" + req.query().Encode()
	return c.purchase(ctx, endpoint)
}

// ExtendSession buys additional hours for an existing session. The session
// is confirmed to exist first; not-found is reported before any payment
// option is even fetched.
func (c *Client) ExtendSession(ctx context.Context, id string, additionalHours int) (*types.PurchaseResult, error) {
	if _, err := c.SessionStatus(ctx, id); err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/v1/proxies/" + url.PathEscape(id) + "/extend?hours=" + strconv.Itoa(additionalHours)
	res, err := c.purchase(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if c.cache != nil && !res.Session.ExpiresAt.IsZero() {
		c.cache.UpdateExpiry(id, res.Session.ExpiresAt)
	}
	return res, nil
}

// purchase is the shared challenge -> pay -> proof sequence.
func (c *Client) purchase(ctx context.Context, endpoint string) (*types.PurchaseResult, error) {
	// Step 1-2: issue the request; the only acceptable response is 402.
	status, body, err := c.get(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusPaymentRequired {
		return nil, protocolViolation("expected 402 challenge, got %d", status)
	}

	challenge, err := c.parseChallenge(body)
	if err != nil {
		return nil, err
	}

	// Step 3: exact preferred-network match, else first listed option. The
	// server's ordering is a soft preference signal.
	option := selectOption(challenge.Accepts, c.preferredNetwork)

	amount, ok := new(big.Int).SetString(option.MaxAmountRequired, 10)
	if !ok || amount.Sign() < 0 {
		return nil, protocolViolation("challenge amount %q is not a valid minor-unit integer", option.MaxAmountRequired)
	}

	if c.maxPayment != nil && amount.Cmp(c.maxPayment) > 0 {
		return nil, &Error{
			Kind: SpendLimitExceeded,
			Message: fmt.Sprintf("challenge price %s exceeds configured limit %s",
				c.wallet.FormatAmount(amount), c.wallet.FormatAmount(c.maxPayment)),
		}
	}

	// Step 4: balance gate. Insufficient funds fail fast with the shortfall
	// and the address to fund; no on-chain action is attempted.
	sufficient, available, err := c.wallet.HasSufficientBalance(ctx, amount)
	if err != nil {
		return nil, transportErr(err, "balance check failed: %v", err)
	}
	if !sufficient {
		return nil, &Error{
			Kind: InsufficientFunds,
			Message: fmt.Sprintf("required %s, available %s; fund wallet %s and retry",
				c.wallet.FormatAmount(amount), c.wallet.FormatAmount(available), c.wallet.Address()),
		}
	}

	c.logger.Info().
		Str("network", option.Network).
		Str("payTo", option.PayTo).
		Str("amount", amount.String()).
		Msg("paying 402 challenge")

	// Step 5: pay. Any failure here aborts the purchase; no automatic
	// retry, a resend would be a second payment.
	receipt, err := c.wallet.SendPayment(ctx, option.PayTo, amount)
	if err != nil {
		return nil, mapWalletError(err)
	}

	// Step 6-7: identical request plus proof. A failure past this point
	// means money has left the wallet and must be surfaced loudly.
	proof, err := json.Marshal(types.PaymentProof{
		TransactionHash: receipt.TransactionHash,
		Network:         receipt.Network,
		Payer:           c.wallet.Address(),
	})
	if err != nil {
		return nil, &Error{Kind: PostPaymentFulfillment, Message: "encode payment proof", TxHash: receipt.TransactionHash, cause: err}
	}

	status, body, err = c.get(ctx, endpoint, map[string]string{paymentHeader: string(proof)})
	if err != nil {
		return nil, &Error{
			Kind:    PostPaymentFulfillment,
			Message: fmt.Sprintf("payment confirmed but proof submission failed: %v; reconcile manually", err),
			TxHash:  receipt.TransactionHash,
			cause:   err,
		}
	}
	if status < 200 || status > 299 {
		return nil, &Error{
			Kind:    PostPaymentFulfillment,
			Message: fmt.Sprintf("payment confirmed but fulfillment returned %d: %s; reconcile manually", status, truncate(body, 200)),
			TxHash:  receipt.TransactionHash,
		}
	}

	var granted types.PurchaseResponse
	if err := json.Unmarshal(body, &granted); err != nil || granted.Session.ID == "" {
		return nil, &Error{
			Kind:    PostPaymentFulfillment,
			Message: "payment confirmed but fulfillment body is malformed; reconcile manually",
			TxHash:  receipt.TransactionHash,
			cause:   err,
		}
	}

	if granted.Session.Payment == nil {
		granted.Session.Payment = &types.PaymentRecord{
			Network:         receipt.Network,
			TransactionHash: receipt.TransactionHash,
			Amount:          receipt.Amount.String(),
			PaidAt:          time.Now(),
		}
	}

	result := &types.PurchaseResult{Session: granted.Session, Receipt: *receipt}
	if c.cache != nil {
		c.cache.AddFromPurchase(result)
	}

	c.logger.Info().
		Str("session", granted.Session.ID).
		Str("tx", receipt.TransactionHash).
		Msg("purchase fulfilled")
	return result, nil
}

// ListSessions queries the remote index for a wallet's sessions. A 404 is
// a valid empty result: never-purchased wallets are a normal case.
func (c *Client) ListSessions(ctx context.Context, walletAddress, statusFilter string) ([]types.Session, error) {
	q := url.Values{}
	q.Set("wallet", walletAddress)
	if statusFilter != "" {
		q.Set("status", statusFilter)
	}
	status, body, err := c.get(ctx, c.baseURL+"/v1/proxies?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status < 200 || status > 299 {
		return nil, protocolViolation("list sessions returned %d", status)
	}
	var list types.SessionList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, protocolViolation("malformed session list: %v", err)
	}
	return list.Sessions, nil
}

// SessionStatus reads one session's live status. Credentials are not
// re-derived here; they are cache-only.
func (c *Client) SessionStatus(ctx context.Context, id string) (*types.Session, error) {
	status, body, err := c.get(ctx, c.baseURL+"/v1/proxies/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, notFound("session %s does not exist", id)
	}
	if status < 200 || status > 299 {
		return nil, protocolViolation("session status returned %d", status)
	}
	var s types.Session
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, protocolViolation("malformed session body: %v", err)
	}
	return &s, nil
}

// RotateIP cycles a session's exit IP using its rotation URL. The rotation
// URL stays valid for the session lifetime regardless of credential
// rotation, and rotation never costs a payment.
func (c *Client) RotateIP(ctx context.Context, rotationURL, token string) (string, error) {
	if rotationURL == "" {
		return "", notFound("session has no rotation URL")
	}
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	status, body, err := c.get(ctx, rotationURL, headers)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", protocolViolation("rotation returned %d", status)
	}
	var out struct {
		Success bool   `json:"success"`
		NewIP   string `json:"newIp"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &out); err == nil && out.NewIP != "" {
		return out.NewIP, nil
	}
	return "", nil
}

// parseChallenge validates the 402 body against the challenge schema and
// decodes it. Absence of payment options is a malformed-response error.
func (c *Client) parseChallenge(body []byte) (*types.PaymentRequired, error) {
	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, protocolViolation("402 body is not valid JSON: %v", err)
	}
	if !result.Valid() {
		return nil, protocolViolation("402 body missing payment requirement: %s", firstSchemaError(result))
	}
	var challenge types.PaymentRequired
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, protocolViolation("decode 402 body: %v", err)
	}
	if len(challenge.Accepts) == 0 {
		return nil, protocolViolation("402 challenge lists no payment options")
	}
	return &challenge, nil
}

// selectOption picks the option whose network matches the preference by
// exact string compare, else the first in server order.
func selectOption(options []types.PaymentOption, preferred string) types.PaymentOption {
	for _, opt := range options {
		if opt.Network == preferred {
			return opt
		}
	}
	return options[0]
}

// mapWalletError translates wallet failure kinds into the client taxonomy.
func mapWalletError(err error) *Error {
	var we *wallet.Error
	if !errors.As(err, &we) {
		return &Error{Kind: OnChainFailure, Message: err.Error(), cause: err}
	}
	switch we.Kind {
	case wallet.ErrInsufficientBalance:
		return &Error{Kind: InsufficientFunds, Message: we.Message, cause: err}
	case wallet.ErrBadRecipient:
		// The recipient came from the challenge, so this is the server's
		// contract breach, not a funding problem.
		return &Error{Kind: ProtocolViolation, Message: we.Message, cause: err}
	case wallet.ErrReverted, wallet.ErrConfirmTimeout:
		return &Error{Kind: OnChainFailure, Message: we.Message, TxHash: we.TxHash, cause: err}
	default:
		return &Error{Kind: Transport, Message: we.Message, cause: err}
	}
}

func (c *Client) get(ctx context.Context, endpoint string, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, transportErr(err, "build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, transportErr(err, "request %s failed: %v", endpoint, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, transportErr(err, "read response body: %v", err)
	}
	return resp.StatusCode, body, nil
}

func firstSchemaError(result *gojsonschema.Result) string {
	for _, desc := range result.Errors() {
		return desc.String()
	}
	return "schema validation failed"
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
