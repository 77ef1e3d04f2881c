package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/proxyhub/proxyhub-mcp/types"
)

func formatSession(s types.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s [%s]\n", s.ID, s.Status)
	fmt.Fprintf(&b, "Location: %s\n", formatLocation(s.Location))
	fmt.Fprintf(&b, "Expires: %s\n", s.ExpiresAt.Format(time.RFC3339))
	if s.Traffic != nil {
		fmt.Fprintf(&b, "Traffic: %.2f GB allowed\n", s.Traffic.AllowedGB)
	}
	for _, c := range s.Credentials {
		b.WriteString(formatCredential(c))
	}
	if s.RotationURL != "" {
		b.WriteString("Rotation available via rotate_ip.\n")
	}
	return b.String()
}

func formatCached(s types.CachedSession) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", s.ID)
	fmt.Fprintf(&b, "Location: %s\n", formatLocation(s.Location))
	fmt.Fprintf(&b, "Expires: %s\n", s.ExpiresAt.Format(time.RFC3339))
	for _, c := range s.Credentials {
		b.WriteString(formatCredential(c))
	}
	return b.String()
}

func formatCredential(c types.ProxyCredential) string {
	return fmt.Sprintf("Proxy: %s (http %d / socks %d), user %s, password %s\n",
		c.Host, c.HTTPPort, c.SocksPort, c.Username, c.Password)
}

func formatLocation(l types.Location) string {
	parts := []string{strings.ToUpper(l.Country)}
	if l.City != "" {
		parts = append(parts, l.City)
	}
	if l.Carrier != "" {
		parts = append(parts, l.Carrier)
	}
	return strings.Join(parts, ", ")
}
