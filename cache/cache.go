// Package cache is the durable, wallet-scoped local memory of previously
// purchased sessions. It is a convenience recovery mechanism, not a source
// of truth: the remote service stays authoritative, and every persistence
// failure degrades gracefully instead of propagating.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/proxyhub/proxyhub-mcp/types"
)

// DefaultPath returns the fixed per-machine cache location under the
// invoking user's home directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".proxyhub", "sessions.json"), nil
}

// SessionCache persists purchased sessions for one wallet address. Entries
// move present+unexpired -> present+expired -> absent; expired entries are
// pruned opportunistically on read, never proactively. Single-writer: the
// process model serializes access, so no file locking is used.
type SessionCache struct {
	path          string
	walletAddress string
	sessions      []types.CachedSession
	degraded      bool
	logger        zerolog.Logger
}

// New loads the store at path scoped to walletAddress. A store owned by a
// different wallet, or an unreadable/corrupt file, yields an empty cache;
// this is recoverable by design and never fatal.
func New(path, walletAddress string, logger zerolog.Logger) *SessionCache {
	c := &SessionCache{
		path:          path,
		walletAddress: walletAddress,
		logger:        logger.With().Str("component", "cache").Logger(),
	}
	c.load()
	return c
}

func (c *SessionCache) load() {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.markDegraded("read cache file", err)
		}
		return
	}

	var file types.CacheFile
	if err := json.Unmarshal(raw, &file); err != nil {
		c.logger.Warn().Err(err).Str("path", c.path).Msg("cache file corrupt, starting empty")
		return
	}

	if !strings.EqualFold(file.WalletAddress, c.walletAddress) {
		c.logger.Info().
			Str("stored", file.WalletAddress).
			Str("wallet", c.walletAddress).
			Msg("cache belongs to a different wallet, resetting")
		return
	}

	c.sessions = file.Sessions
}

// AddSession upserts by session id (replace in place, else append) and
// persists immediately so state is durable before the call returns.
func (c *SessionCache) AddSession(s types.CachedSession) {
	if s.AddedAt.IsZero() {
		s.AddedAt = time.Now()
	}
	for i := range c.sessions {
		if c.sessions[i].ID == s.ID {
			c.sessions[i] = s
			c.persist()
			return
		}
	}
	c.sessions = append(c.sessions, s)
	c.persist()
}

// AddFromPurchase records a freshly purchased session.
func (c *SessionCache) AddFromPurchase(res *types.PurchaseResult) {
	c.AddSession(types.CachedSession{
		ID:            res.Session.ID,
		Credentials:   res.Session.Credentials,
		ExpiresAt:     res.Session.ExpiresAt,
		Location:      res.Session.Location,
		RotationURL:   res.Session.RotationURL,
		RotationToken: res.Session.RotationToken,
	})
}

// Session returns the entry with the given id, if still unexpired.
func (c *SessionCache) Session(id string) (types.CachedSession, bool) {
	c.prune()
	for _, s := range c.sessions {
		if s.ID == id {
			return s, true
		}
	}
	return types.CachedSession{}, false
}

// ActiveSessions returns all unexpired entries in insertion order.
func (c *SessionCache) ActiveSessions() []types.CachedSession {
	c.prune()
	out := make([]types.CachedSession, len(c.sessions))
	copy(out, c.sessions)
	return out
}

// FirstActiveSession returns the most recently added still-active entry.
// Recency is insertion order, not expiry time.
func (c *SessionCache) FirstActiveSession() (types.CachedSession, bool) {
	c.prune()
	if len(c.sessions) == 0 {
		return types.CachedSession{}, false
	}
	return c.sessions[len(c.sessions)-1], true
}

// SessionByLocation returns the first unexpired entry for a country code.
func (c *SessionCache) SessionByLocation(code string) (types.CachedSession, bool) {
	c.prune()
	for _, s := range c.sessions {
		if strings.EqualFold(s.Location.Country, code) {
			return s, true
		}
	}
	return types.CachedSession{}, false
}

// ExpiringSoon returns unexpired entries whose deadline falls inside the
// window.
func (c *SessionCache) ExpiringSoon(window time.Duration) []types.CachedSession {
	c.prune()
	cutoff := time.Now().Add(window)
	var out []types.CachedSession
	for _, s := range c.sessions {
		if s.ExpiresAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// RemoveSession deletes an entry by id and persists.
func (c *SessionCache) RemoveSession(id string) bool {
	for i := range c.sessions {
		if c.sessions[i].ID == id {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			c.persist()
			return true
		}
	}
	return false
}

// Clear drops every entry and persists the empty store.
func (c *SessionCache) Clear() {
	c.sessions = nil
	c.persist()
}

// UpdateExpiry moves an entry's deadline (extension/top-up) and persists.
func (c *SessionCache) UpdateExpiry(id string, expiresAt time.Time) bool {
	for i := range c.sessions {
		if c.sessions[i].ID == id {
			c.sessions[i].ExpiresAt = expiresAt
			c.persist()
			return true
		}
	}
	return false
}

// TimeRemaining renders the remaining lifetime of an entry, e.g. "2h 15m".
// Zero or negative remaining renders as "Expired" with zero seconds.
func (c *SessionCache) TimeRemaining(id string) (string, int64, bool) {
	var found *types.CachedSession
	for i := range c.sessions {
		if c.sessions[i].ID == id {
			found = &c.sessions[i]
			break
		}
	}
	if found == nil {
		return "", 0, false
	}
	remaining := time.Until(found.ExpiresAt)
	if remaining <= 0 {
		return "Expired", 0, true
	}
	h := int(remaining.Hours())
	m := int(remaining.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m), int64(remaining.Seconds()), true
	}
	return fmt.Sprintf("%dm", m), int64(remaining.Seconds()), true
}

// WalletAddress returns the address this cache is scoped to.
func (c *SessionCache) WalletAddress() string { return c.walletAddress }

// Degraded reports whether any persistence operation has failed since
// construction. The cache keeps working in memory regardless.
func (c *SessionCache) Degraded() bool { return c.degraded }

// prune drops expired entries and persists the pruned set, so read paths
// never observe stale-expired entries.
func (c *SessionCache) prune() {
	now := time.Now()
	kept := c.sessions[:0]
	changed := false
	for _, s := range c.sessions {
		if s.Expired(now) {
			changed = true
			continue
		}
		kept = append(kept, s)
	}
	c.sessions = kept
	if changed {
		c.persist()
	}
}

func (c *SessionCache) persist() {
	file := types.CacheFile{
		WalletAddress: c.walletAddress,
		Sessions:      c.sessions,
		LastUpdated:   time.Now(),
	}
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		c.markDegraded("encode cache file", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		c.markDegraded("create cache directory", err)
		return
	}
	if err := os.WriteFile(c.path, raw, 0o600); err != nil {
		c.markDegraded("write cache file", err)
	}
}

// markDegraded logs the first persistence failure at warn and remembers the
// degraded state so callers can assert on it without scraping logs.
func (c *SessionCache) markDegraded(op string, err error) {
	if !c.degraded {
		c.logger.Warn().Err(err).Str("op", op).Str("path", c.path).
			Msg("cache persistence degraded; purchases remain valid remotely")
	}
	c.degraded = true
}
