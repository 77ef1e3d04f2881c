package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Account-mode tools: thin CRUD over the key/JWT-authenticated API. These
// are registered only when account credentials are configured.
func (h *Handlers) registerAccountTools(s *mcpsdk.Server) {
	s.AddTool(&mcpsdk.Tool{
		Name:        "account_list_ports",
		Description: "List the account's provisioned proxy ports.",
		InputSchema: objectSchema(map[string]any{}),
	}, h.wrap("account_list_ports", h.accountListPorts))

	s.AddTool(&mcpsdk.Tool{
		Name:        "account_get_port",
		Description: "Details of one account port, credentials included.",
		InputSchema: objectSchema(map[string]any{
			"port_id": prop("string", "Port id"),
		}, "port_id"),
	}, h.wrap("account_get_port", h.accountGetPort))

	s.AddTool(&mcpsdk.Tool{
		Name:        "account_replace_port",
		Description: "Swap a port for a fresh one in the same location.",
		InputSchema: objectSchema(map[string]any{
			"port_id": prop("string", "Port id"),
		}, "port_id"),
	}, h.wrap("account_replace_port", h.accountReplacePort))

	s.AddTool(&mcpsdk.Tool{
		Name:        "account_rotate_port",
		Description: "Cycle the exit IP of an account port.",
		InputSchema: objectSchema(map[string]any{
			"port_id": prop("string", "Port id"),
		}, "port_id"),
	}, h.wrap("account_rotate_port", h.accountRotatePort))

	s.AddTool(&mcpsdk.Tool{
		Name:        "account_traffic_stats",
		Description: "Metered traffic usage of an account port.",
		InputSchema: objectSchema(map[string]any{
			"port_id": prop("string", "Port id"),
		}, "port_id"),
	}, h.wrap("account_traffic_stats", h.accountTraffic))

	s.AddTool(&mcpsdk.Tool{
		Name:        "account_billing_history",
		Description: "Recent billing entries for the account.",
		InputSchema: objectSchema(map[string]any{
			"limit": prop("integer", "Max rows (default 10)"),
		}),
	}, h.wrap("account_billing_history", h.accountBilling))

	s.AddTool(&mcpsdk.Tool{
		Name:        "account_create_ticket",
		Description: "Open a support ticket on the account.",
		InputSchema: objectSchema(map[string]any{
			"subject": prop("string", "Ticket subject"),
			"message": prop("string", "Ticket body"),
		}, "subject", "message"),
	}, h.wrap("account_create_ticket", h.accountCreateTicket))
}

func (h *Handlers) accountListPorts(ctx context.Context, _ json.RawMessage) (string, error) {
	ports, err := h.account.ListPorts(ctx)
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "No ports on this account.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d port(s):\n", len(ports))
	for _, p := range ports {
		fmt.Fprintf(&b, "\n- %s [%s] %s http:%d socks:%d %s, expires %s",
			p.ID, p.Status, p.Host, p.HTTPPort, p.SocksPort, p.Country,
			p.ExpiresAt.Format(time.RFC3339))
	}
	return b.String(), nil
}

func (h *Handlers) accountGetPort(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		PortID string `json:"port_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.PortID == "" {
		return "", fmt.Errorf("port_id is required")
	}
	p, err := h.account.GetPort(ctx, args.PortID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Port %s [%s]\nHost: %s\nHTTP: %d\nSOCKS: %d\nUser: %s\nPassword: %s\nCountry: %s\nExpires: %s",
		p.ID, p.Status, p.Host, p.HTTPPort, p.SocksPort, p.Username, p.Password,
		p.Country, p.ExpiresAt.Format(time.RFC3339)), nil
}

func (h *Handlers) accountReplacePort(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		PortID string `json:"port_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.PortID == "" {
		return "", fmt.Errorf("port_id is required")
	}
	p, err := h.account.ReplacePort(ctx, args.PortID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Port replaced. New port %s at %s http:%d socks:%d, user %s.",
		p.ID, p.Host, p.HTTPPort, p.SocksPort, p.Username), nil
}

func (h *Handlers) accountRotatePort(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		PortID string `json:"port_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.PortID == "" {
		return "", fmt.Errorf("port_id is required")
	}
	newIP, err := h.account.RotatePort(ctx, args.PortID)
	if err != nil {
		return "", err
	}
	if newIP != "" {
		return fmt.Sprintf("Port %s rotated; new exit IP %s.", args.PortID, newIP), nil
	}
	return fmt.Sprintf("Port %s rotation requested.", args.PortID), nil
}

func (h *Handlers) accountTraffic(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		PortID string `json:"port_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.PortID == "" {
		return "", fmt.Errorf("port_id is required")
	}
	t, err := h.account.Traffic(ctx, args.PortID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Port %s traffic: %.2f GB used of %.2f GB.", t.PortID, t.UsedGB, t.AllowedGB), nil
}

func (h *Handlers) accountBilling(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Limit <= 0 {
		args.Limit = 10
	}
	entries, err := h.account.BillingHistory(ctx, args.Limit)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No billing history.", nil
	}
	var b strings.Builder
	b.WriteString("Billing history:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "\n- %s  %s %s  %s", e.CreatedAt.Format("2006-01-02"), e.Amount, e.Currency, e.Description)
	}
	return b.String(), nil
}

func (h *Handlers) accountCreateTicket(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Subject string `json:"subject"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Subject == "" || args.Message == "" {
		return "", fmt.Errorf("subject and message are required")
	}
	t, err := h.account.CreateTicket(ctx, args.Subject, args.Message)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Ticket %s created (%s).", t.ID, t.Status), nil
}
