// Package types defines the wire and domain types shared by the wallet,
// session cache, payment client and tool layer.
package types

import (
	"math/big"
	"time"
)

// PaymentRequired is the decoded body of an HTTP 402 challenge.
type PaymentRequired struct {
	X402Version int             `json:"x402Version"`
	Error       string          `json:"error,omitempty"`
	Accepts     []PaymentOption `json:"accepts"`
}

// PaymentOption is one acceptable way to pay offered in a 402 challenge.
type PaymentOption struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	ChainID           int64  `json:"chainId,omitempty"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource,omitempty"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	Asset             string `json:"asset"`
}

// PaymentProof is the X-Payment header payload submitted back to the
// resource server to claim a purchase. The server verifies the transaction
// on-chain independently.
type PaymentProof struct {
	TransactionHash string `json:"transactionHash"`
	Network         string `json:"network"`
	Payer           string `json:"payer"`
}

// TransferReceipt is the result of a submitted and confirmed on-chain
// transfer. Immutable once created; used as proof-of-payment.
type TransferReceipt struct {
	TransactionHash string
	Network         string
	Amount          *big.Int
	Recipient       string
}

// SessionStatus is the remote lifecycle state of a session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusExpired   SessionStatus = "expired"
	StatusSuspended SessionStatus = "suspended"
)

// ProxyCredential is one host/port/user/password record granted with a
// session.
type ProxyCredential struct {
	Host      string `json:"host"`
	HTTPPort  int    `json:"httpPort"`
	SocksPort int    `json:"socksPort"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// Location describes where a session's exit is provisioned.
type Location struct {
	Country string `json:"country"`
	City    string `json:"city,omitempty"`
	Carrier string `json:"carrier,omitempty"`
}

// Traffic is the metered allowance of a session. Not every endpoint
// returns it, so consumers receive it as a pointer and handle absence once.
type Traffic struct {
	AllowedGB float64 `json:"allowedGB"`
	UsedGB    float64 `json:"usedGB"`
}

// RemainingGB reports the unused allowance, floored at zero. usedGB beyond
// allowedGB is enforced server-side; locally it is informational only.
func (t Traffic) RemainingGB() float64 {
	if t.UsedGB >= t.AllowedGB {
		return 0
	}
	return t.AllowedGB - t.UsedGB
}

// PercentUsed reports consumption as 0-100.
func (t Traffic) PercentUsed() float64 {
	if t.AllowedGB <= 0 {
		return 0
	}
	p := t.UsedGB / t.AllowedGB * 100
	if p > 100 {
		return 100
	}
	return p
}

// PaymentRecord is the payment attached to a session by the server.
type PaymentRecord struct {
	Network         string    `json:"network"`
	TransactionHash string    `json:"transactionHash"`
	Amount          string    `json:"amount"`
	PaidAt          time.Time `json:"paidAt"`
}

// Session is a provisioned, time-limited, metered proxy resource granted
// after a successful payment. The remote service is authoritative for all
// of it; the local cache keeps only the credential subset.
type Session struct {
	ID            string            `json:"id"`
	Status        SessionStatus     `json:"status"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	Credentials   []ProxyCredential `json:"credentials"`
	Location      Location          `json:"location"`
	Traffic       *Traffic          `json:"traffic,omitempty"`
	Payment       *PaymentRecord    `json:"payment,omitempty"`
	RotationURL   string            `json:"rotationUrl,omitempty"`
	RotationToken string            `json:"rotationToken,omitempty"`
}

// PurchaseResponse is the fulfillment body returned after proof submission.
type PurchaseResponse struct {
	Success bool           `json:"success"`
	Session Session        `json:"session"`
	Payment *PaymentRecord `json:"payment,omitempty"`
}

// SessionList is the body of the list-by-wallet endpoint.
type SessionList struct {
	Sessions []Session `json:"sessions"`
}

// PurchaseResult pairs the purchased session with the on-chain receipt
// that paid for it.
type PurchaseResult struct {
	Session Session
	Receipt TransferReceipt
}

// CachedSession is the locally persisted subset of a Session, keyed by
// wallet address. Credentials live only here after purchase; status reads
// never re-derive them.
type CachedSession struct {
	ID            string            `json:"id"`
	Credentials   []ProxyCredential `json:"credentials"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	Location      Location          `json:"location"`
	RotationURL   string            `json:"rotationUrl,omitempty"`
	RotationToken string            `json:"rotationToken,omitempty"`
	AddedAt       time.Time         `json:"addedAt"`
}

// Expired reports whether the entry is past its deadline at the given time.
func (s CachedSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// CacheFile is the on-disk layout of the session cache: one file per
// machine, ownership checked against the wallet address at load time.
type CacheFile struct {
	WalletAddress string          `json:"walletAddress"`
	Sessions      []CachedSession `json:"sessions"`
	LastUpdated   time.Time       `json:"lastUpdated"`
}
