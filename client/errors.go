package client

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed failure taxonomy of the payment-gated client.
// The tool layer matches it exhaustively and turns it into display text;
// nothing below that layer converts these to strings.
type ErrorKind int

const (
	// ProtocolViolation: unexpected status or malformed challenge/response
	// at a defined protocol step. Signals a server/client contract
	// mismatch; not retryable.
	ProtocolViolation ErrorKind = iota
	// InsufficientFunds: detected pre-flight, no on-chain action attempted.
	// Safe to retry after funding the wallet.
	InsufficientFunds
	// SpendLimitExceeded: the challenge price is above the configured
	// ceiling. No on-chain action attempted.
	SpendLimitExceeded
	// OnChainFailure: transfer reverted or confirmation timed out. Funds
	// state is ambiguous; must never be retried automatically.
	OnChainFailure
	// PostPaymentFulfillment: payment confirmed but the resource was not
	// granted. Most severe; the message carries the transaction hash for
	// manual reconciliation.
	PostPaymentFulfillment
	// NotFound: read-path absence. Treated as empty, not escalated.
	NotFound
	// Transport: the HTTP call itself failed before any protocol step
	// completed. Retryable once connectivity returns.
	Transport
)

func (k ErrorKind) String() string {
	switch k {
	case ProtocolViolation:
		return "protocol violation"
	case InsufficientFunds:
		return "insufficient funds"
	case SpendLimitExceeded:
		return "spend limit exceeded"
	case OnChainFailure:
		return "on-chain failure"
	case PostPaymentFulfillment:
		return "post-payment fulfillment failure"
	case NotFound:
		return "not found"
	case Transport:
		return "transport failure"
	}
	return "unknown"
}

// Error is the client's tagged failure type. TxHash is set whenever money
// has already left the wallet.
type Error struct {
	Kind    ErrorKind
	Message string
	TxHash  string
	cause   error
}

func (e *Error) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s: %s (tx %s)", e.Kind, e.Message, e.TxHash)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// IsKind reports whether err is a client Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

func protocolViolation(format string, args ...any) *Error {
	return &Error{Kind: ProtocolViolation, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Error {
	return &Error{Kind: NotFound, Message: fmt.Sprintf(format, args...)}
}

func transportErr(err error, format string, args ...any) *Error {
	return &Error{Kind: Transport, Message: fmt.Sprintf(format, args...), cause: err}
}
