package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/proxyhub/proxyhub-mcp/api"
	"github.com/proxyhub/proxyhub-mcp/cache"
	"github.com/proxyhub/proxyhub-mcp/client"
	"github.com/proxyhub/proxyhub-mcp/wallet"
)

// Handlers owns the dependencies every tool dispatches into. Constructed
// once at the composition root; no package-level state.
type Handlers struct {
	// mu serializes tool invocations: one purchase at a time per wallet
	// removes nonce and balance races by construction.
	mu      sync.Mutex
	client  *client.Client
	cache   *cache.SessionCache
	wallet  *wallet.Wallet
	account *api.Client
	logger  zerolog.Logger
}

// NewHandlers wires the tool layer. account may be nil; the account tools
// are then not registered.
func NewHandlers(c *client.Client, sc *cache.SessionCache, w *wallet.Wallet, account *api.Client, logger zerolog.Logger) *Handlers {
	return &Handlers{
		client:  c,
		cache:   sc,
		wallet:  w,
		account: account,
		logger:  logger.With().Str("component", "tools").Logger(),
	}
}

// toolFunc is what each handler implements: typed args in, display text out.
type toolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// wrap adapts a toolFunc to the SDK handler shape. Every failure from the
// layers below is caught here and rendered as readable text; a tool call
// never crashes the transport.
func (h *Handlers) wrap(name string, fn toolFunc) func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		h.mu.Lock()
		defer h.mu.Unlock()

		args := json.RawMessage("{}")
		if req.Params.Arguments != nil {
			args = req.Params.Arguments
		}

		text, err := fn(ctx, args)
		if err != nil {
			h.logger.Warn().Err(err).Str("tool", name).Msg("tool call failed")
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: renderError(err)}},
			}, nil
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		}, nil
	}
}

func (h *Handlers) register(s *mcpsdk.Server) {
	s.AddTool(&mcpsdk.Tool{
		Name: "buy_proxy",
		Description: "Purchase a proxy session with an on-chain stablecoin payment (x402). " +
			"No account needed; the configured wallet pays the 402 challenge price.",
		InputSchema: objectSchema(map[string]any{
			"country":        prop("string", "Two-letter country code, e.g. US"),
			"city":           prop("string", "Optional city"),
			"carrier":        prop("string", "Optional mobile carrier"),
			"tier":           prop("string", "shared, dedicated or mobile (default shared)"),
			"duration_hours": prop("integer", "Session length in hours (default 1)"),
			"traffic_gb":     prop("integer", "Traffic allowance in GB (default 1)"),
		}, "country"),
	}, h.wrap("buy_proxy", h.buyProxy))

	s.AddTool(&mcpsdk.Tool{
		Name:        "list_my_proxies",
		Description: "List sessions purchased by this wallet, newest data from the remote index.",
		InputSchema: objectSchema(map[string]any{
			"status": prop("string", "Optional filter: active, expired or suspended"),
		}),
	}, h.wrap("list_my_proxies", h.listProxies))

	s.AddTool(&mcpsdk.Tool{
		Name:        "get_proxy_status",
		Description: "Live status (traffic, expiry) of one session. Defaults to the most recent cached session.",
		InputSchema: objectSchema(map[string]any{
			"session_id": prop("string", "Session id; omit to use the most recent cached session"),
		}),
	}, h.wrap("get_proxy_status", h.proxyStatus))

	s.AddTool(&mcpsdk.Tool{
		Name:        "extend_proxy",
		Description: "Extend a session by paying another 402 challenge. Confirms the session exists before paying.",
		InputSchema: objectSchema(map[string]any{
			"session_id": prop("string", "Session id to extend"),
			"hours":      prop("integer", "Additional hours (default 1)"),
		}, "session_id"),
	}, h.wrap("extend_proxy", h.extendProxy))

	s.AddTool(&mcpsdk.Tool{
		Name:        "rotate_ip",
		Description: "Cycle the exit IP of a session using its rotation URL. Free; no payment involved.",
		InputSchema: objectSchema(map[string]any{
			"session_id": prop("string", "Session id; omit to use the most recent cached session"),
		}),
	}, h.wrap("rotate_ip", h.rotateIP))

	s.AddTool(&mcpsdk.Tool{
		Name:        "get_pricing",
		Description: "Price estimate for a purchase. The 402 challenge at buy time is the only binding price.",
		InputSchema: objectSchema(map[string]any{
			"tier":           prop("string", "shared, dedicated or mobile (default shared)"),
			"traffic_gb":     prop("integer", "Traffic allowance in GB (default 1)"),
			"duration_hours": prop("integer", "Session length in hours (default 1)"),
		}),
	}, h.wrap("get_pricing", h.pricing))

	s.AddTool(&mcpsdk.Tool{
		Name:        "get_wallet_info",
		Description: "Wallet address, stablecoin balance and gas balance.",
		InputSchema: objectSchema(map[string]any{}),
	}, h.wrap("get_wallet_info", h.walletInfo))

	s.AddTool(&mcpsdk.Tool{
		Name:        "get_cached_credentials",
		Description: "Recover proxy credentials from the local cache without re-paying or querying the API.",
		InputSchema: objectSchema(map[string]any{
			"session_id": prop("string", "Session id; omit to list all cached sessions"),
			"country":    prop("string", "Or look up by country code"),
		}),
	}, h.wrap("get_cached_credentials", h.cachedCredentials))

	s.AddTool(&mcpsdk.Tool{
		Name:        "clear_cache",
		Description: "Drop all locally cached sessions. Does not affect remote state.",
		InputSchema: objectSchema(map[string]any{}),
	}, h.wrap("clear_cache", h.clearCache))

	if h.account != nil {
		h.registerAccountTools(s)
	}
}

// objectSchema and prop build the SDK's loose JSON-schema input maps.
func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func (h *Handlers) buyProxy(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Country       string `json:"country"`
		City          string `json:"city"`
		Carrier       string `json:"carrier"`
		Tier          string `json:"tier"`
		DurationHours int    `json:"duration_hours"`
		TrafficGB     int    `json:"traffic_gb"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(args.Country) == "" {
		return "", fmt.Errorf("country is required")
	}
	if args.Tier == "" {
		args.Tier = "shared"
	}
	if args.DurationHours <= 0 {
		args.DurationHours = 1
	}
	if args.TrafficGB <= 0 {
		args.TrafficGB = 1
	}

	res, err := h.client.PurchaseResource(ctx, client.PurchaseRequest{
		Country:       strings.ToUpper(args.Country),
		City:          args.City,
		Carrier:       args.Carrier,
		Tier:          args.Tier,
		DurationHours: args.DurationHours,
		TrafficGB:     args.TrafficGB,
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Proxy purchased.\n\n")
	b.WriteString(formatSession(res.Session))
	fmt.Fprintf(&b, "\nPayment: %s on %s (tx %s)\n",
		h.wallet.FormatAmount(res.Receipt.Amount), res.Receipt.Network, res.Receipt.TransactionHash)
	if h.cache != nil && h.cache.Degraded() {
		b.WriteString("\nNote: local credential cache is degraded; save these credentials now.\n")
	}
	return b.String(), nil
}

func (h *Handlers) listProxies(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	sessions, err := h.client.ListSessions(ctx, h.wallet.Address(), args.Status)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "No sessions found for wallet " + h.wallet.Address() + ".", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d session(s) for wallet %s:\n", len(sessions), h.wallet.Address())
	for _, s := range sessions {
		fmt.Fprintf(&b, "\n- %s [%s] %s, expires %s",
			s.ID, s.Status, formatLocation(s.Location), s.ExpiresAt.Format(time.RFC3339))
		if s.Traffic != nil {
			fmt.Fprintf(&b, ", traffic %.2f/%.2f GB", s.Traffic.UsedGB, s.Traffic.AllowedGB)
		}
	}
	b.WriteString("\n\nCredentials are available via get_cached_credentials for sessions bought on this machine.")
	return b.String(), nil
}

func (h *Handlers) proxyStatus(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	id := args.SessionID
	if id == "" {
		cached, ok := h.cache.FirstActiveSession()
		if !ok {
			return "", fmt.Errorf("no session_id given and no cached session to default to")
		}
		id = cached.ID
	}

	s, err := h.client.SessionStatus(ctx, id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s: %s\n", s.ID, s.Status)
	fmt.Fprintf(&b, "Location: %s\n", formatLocation(s.Location))
	fmt.Fprintf(&b, "Expires: %s\n", s.ExpiresAt.Format(time.RFC3339))
	if remaining, _, ok := h.cache.TimeRemaining(id); ok {
		fmt.Fprintf(&b, "Time remaining: %s\n", remaining)
	}
	if s.Traffic != nil {
		fmt.Fprintf(&b, "Traffic: %.2f GB used of %.2f GB (%.0f%%), %.2f GB remaining\n",
			s.Traffic.UsedGB, s.Traffic.AllowedGB, s.Traffic.PercentUsed(), s.Traffic.RemainingGB())
	} else {
		b.WriteString("Traffic: not reported\n")
	}
	return b.String(), nil
}

func (h *Handlers) extendProxy(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		SessionID string `json:"session_id"`
		Hours     int    `json:"hours"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.SessionID == "" {
		return "", fmt.Errorf("session_id is required")
	}
	if args.Hours <= 0 {
		args.Hours = 1
	}

	res, err := h.client.ExtendSession(ctx, args.SessionID, args.Hours)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Session %s extended by %dh, now expires %s.\nPayment: %s on %s (tx %s)",
		args.SessionID, args.Hours, res.Session.ExpiresAt.Format(time.RFC3339),
		h.wallet.FormatAmount(res.Receipt.Amount), res.Receipt.Network, res.Receipt.TransactionHash), nil
}

func (h *Handlers) rotateIP(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	var rotationURL, token, id string
	if args.SessionID != "" {
		cached, ok := h.cache.Session(args.SessionID)
		if !ok {
			return "", fmt.Errorf("session %s is not in the local cache; rotation URL unknown", args.SessionID)
		}
		id, rotationURL, token = cached.ID, cached.RotationURL, cached.RotationToken
	} else {
		cached, ok := h.cache.FirstActiveSession()
		if !ok {
			return "", fmt.Errorf("no cached session to rotate")
		}
		id, rotationURL, token = cached.ID, cached.RotationURL, cached.RotationToken
	}

	newIP, err := h.client.RotateIP(ctx, rotationURL, token)
	if err != nil {
		return "", err
	}
	if newIP != "" {
		return fmt.Sprintf("Session %s rotated; new exit IP %s.", id, newIP), nil
	}
	return fmt.Sprintf("Session %s rotation requested.", id), nil
}

func (h *Handlers) pricing(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Tier          string `json:"tier"`
		TrafficGB     int    `json:"traffic_gb"`
		DurationHours int    `json:"duration_hours"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Tier == "" {
		args.Tier = "shared"
	}
	if args.TrafficGB <= 0 {
		args.TrafficGB = 1
	}
	if args.DurationHours <= 0 {
		args.DurationHours = 1
	}

	est, err := h.client.Estimate(ctx, args.Tier, args.TrafficGB, args.DurationHours)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Estimated price for %s, %d GB, %dh: $%s (%s estimate).\n"+
		"The 402 challenge at purchase time is the binding price.",
		args.Tier, args.TrafficGB, args.DurationHours, est.Price.StringFixed(2), est.Source), nil
}

func (h *Handlers) walletInfo(ctx context.Context, _ json.RawMessage) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Address: %s\n", h.wallet.Address())
	fmt.Fprintf(&b, "Network: %s\n", h.wallet.Network().Name)

	if _, human, err := h.wallet.Balance(ctx); err == nil {
		fmt.Fprintf(&b, "Balance: %s\n", human)
	} else {
		fmt.Fprintf(&b, "Balance: unavailable (%v)\n", err)
	}
	if _, human, err := h.wallet.GasBalance(ctx); err == nil {
		fmt.Fprintf(&b, "Gas: %s\n", human)
	} else {
		fmt.Fprintf(&b, "Gas: unavailable (%v)\n", err)
	}
	return b.String(), nil
}

func (h *Handlers) cachedCredentials(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		SessionID string `json:"session_id"`
		Country   string `json:"country"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	switch {
	case args.SessionID != "":
		cached, ok := h.cache.Session(args.SessionID)
		if !ok {
			return "", fmt.Errorf("session %s is not cached (expired or bought elsewhere)", args.SessionID)
		}
		return formatCached(cached), nil
	case args.Country != "":
		cached, ok := h.cache.SessionByLocation(args.Country)
		if !ok {
			return "", fmt.Errorf("no cached session for country %s", strings.ToUpper(args.Country))
		}
		return formatCached(cached), nil
	default:
		all := h.cache.ActiveSessions()
		if len(all) == 0 {
			return "No cached sessions.", nil
		}
		parts := make([]string, 0, len(all))
		for _, cached := range all {
			parts = append(parts, formatCached(cached))
		}
		return strings.Join(parts, "\n---\n"), nil
	}
}

func (h *Handlers) clearCache(ctx context.Context, _ json.RawMessage) (string, error) {
	h.cache.Clear()
	return "Local session cache cleared. Remote sessions are unaffected.", nil
}

// renderError is the single place typed failures become display strings.
func renderError(err error) string {
	var ce *client.Error
	if errors.As(err, &ce) {
		switch ce.Kind {
		case client.ProtocolViolation:
			return "Protocol error: " + ce.Message + "\nThis usually means a server/client version mismatch; report it."
		case client.InsufficientFunds:
			return "Insufficient funds: " + ce.Message
		case client.SpendLimitExceeded:
			return "Purchase blocked: " + ce.Message
		case client.OnChainFailure:
			msg := "On-chain payment failure: " + ce.Message + "\nDo not retry until the transaction's fate is known."
			if ce.TxHash != "" {
				msg += "\nTransaction: " + ce.TxHash
			}
			return msg
		case client.PostPaymentFulfillment:
			return "PAYMENT MADE BUT RESOURCE NOT GRANTED: " + ce.Message +
				"\nTransaction: " + ce.TxHash +
				"\nKeep this hash for reconciliation with support; do not retry (it would pay again)."
		case client.NotFound:
			return "Not found: " + ce.Message
		case client.Transport:
			return "Network problem: " + ce.Message + "\nSafe to retry once connectivity returns."
		}
	}
	var we *wallet.Error
	if errors.As(err, &we) {
		return "Wallet error: " + we.Error()
	}
	return "Error: " + err.Error()
}
