// Package wallet holds a single signing key for one EVM network and
// performs balance queries and transfers of one designated stablecoin.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/proxyhub/proxyhub-mcp/types"
)

// erc20ABI covers the only two token entrypoints the wallet touches.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// Block confirmation latency is inherently higher than HTTP latency and
// outside caller control, so the confirmation wait gets its own, longer
// bound than ordinary network calls.
const (
	defaultConfirmTimeout = 60 * time.Second
	defaultPollInterval   = 2 * time.Second
)

// ErrorKind distinguishes wallet failure modes. Reverted and ConfirmTimeout
// leave the funds state uncertain; callers must not retry those blindly.
type ErrorKind int

const (
	ErrRPC ErrorKind = iota
	ErrBadRecipient
	ErrInsufficientBalance
	ErrReverted
	ErrConfirmTimeout
)

// Error is the wallet's tagged failure type.
type Error struct {
	Kind    ErrorKind
	Message string
	TxHash  string
	cause   error
}

func (e *Error) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s (tx %s)", e.Message, e.TxHash)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// IsKind reports whether err is a wallet Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var we *Error
	return errors.As(err, &we) && we.Kind == kind
}

// Backend is the subset of ethclient.Client the wallet needs. Tests stub it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// Wallet owns the process's signing key. The address is immutable for the
// process lifetime. SendPayment is the only state-mutating operation and is
// not idempotent.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	network Network
	token   common.Address
	backend Backend
	abi     abi.ABI
	logger  zerolog.Logger

	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// New parses the hex private key, derives the address and dials the RPC
// endpoint. Key-parse failure is fatal at construction.
func New(privateKeyHex string, network Network, rpcURL string, logger zerolog.Logger) (*Wallet, error) {
	if rpcURL == "" {
		rpcURL = network.DefaultRPC
	}
	backend, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}
	return NewWithBackend(privateKeyHex, network, backend, logger)
}

// NewWithBackend constructs a wallet over an explicit chain backend.
func NewWithBackend(privateKeyHex string, network Network, backend Backend, logger zerolog.Logger) (*Wallet, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}

	return &Wallet{
		key:            key,
		address:        crypto.PubkeyToAddress(key.PublicKey),
		network:        network,
		token:          common.HexToAddress(network.TokenAddress),
		backend:        backend,
		abi:            parsed,
		logger:         logger.With().Str("component", "wallet").Logger(),
		confirmTimeout: defaultConfirmTimeout,
		pollInterval:   defaultPollInterval,
	}, nil
}

// Address returns the wallet's public address.
func (w *Wallet) Address() string { return w.address.Hex() }

// Network returns the configured network.
func (w *Wallet) Network() Network { return w.network }

// Balance queries the token contract's balanceOf for the wallet address.
// Returns the balance in minor units plus a human-formatted string.
func (w *Wallet) Balance(ctx context.Context) (*big.Int, string, error) {
	data, err := w.abi.Pack("balanceOf", w.address)
	if err != nil {
		return nil, "", &Error{Kind: ErrRPC, Message: "pack balanceOf call", cause: err}
	}
	out, err := w.backend.CallContract(ctx, ethereum.CallMsg{To: &w.token, Data: data}, nil)
	if err != nil {
		return nil, "", &Error{Kind: ErrRPC, Message: fmt.Sprintf("read token balance: %v", err), cause: err}
	}
	results, err := w.abi.Unpack("balanceOf", out)
	if err != nil || len(results) == 0 {
		return nil, "", &Error{Kind: ErrRPC, Message: "decode token balance", cause: err}
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, "", &Error{Kind: ErrRPC, Message: "unexpected balanceOf return type"}
	}
	return balance, w.FormatAmount(balance), nil
}

// GasBalance queries the native-asset balance used to pay network fees.
func (w *Wallet) GasBalance(ctx context.Context) (*big.Int, string, error) {
	balance, err := w.backend.BalanceAt(ctx, w.address, nil)
	if err != nil {
		return nil, "", &Error{Kind: ErrRPC, Message: fmt.Sprintf("read gas balance: %v", err), cause: err}
	}
	eth := decimal.NewFromBigInt(balance, -18)
	return balance, eth.StringFixed(6) + " ETH", nil
}

// HasSufficientBalance compares the token balance against the required
// amount. Returns the available balance alongside the verdict.
func (w *Wallet) HasSufficientBalance(ctx context.Context, required *big.Int) (bool, *big.Int, error) {
	balance, _, err := w.Balance(ctx)
	if err != nil {
		return false, nil, err
	}
	return balance.Cmp(required) >= 0, balance, nil
}

// SendPayment submits a token transfer and blocks until one confirmation or
// the confirmation deadline, whichever comes first. On timeout or revert it
// fails with a distinct kind carrying the transaction hash: the funds state
// is uncertain, not definitively failed.
func (w *Wallet) SendPayment(ctx context.Context, recipient string, amount *big.Int) (*types.TransferReceipt, error) {
	if !common.IsHexAddress(recipient) {
		return nil, &Error{Kind: ErrBadRecipient, Message: fmt.Sprintf("malformed recipient address %q", recipient)}
	}
	to := common.HexToAddress(recipient)

	ok, available, err := w.HasSufficientBalance(ctx, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &Error{
			Kind: ErrInsufficientBalance,
			Message: fmt.Sprintf("insufficient balance: required %s, available %s",
				w.FormatAmount(amount), w.FormatAmount(available)),
		}
	}

	tx, err := w.buildTransfer(ctx, to, amount)
	if err != nil {
		return nil, err
	}

	if err := w.backend.SendTransaction(ctx, tx); err != nil {
		return nil, &Error{Kind: ErrRPC, Message: fmt.Sprintf("submit transfer: %v", err), cause: err}
	}

	txHash := tx.Hash()
	w.logger.Info().
		Str("tx", txHash.Hex()).
		Str("to", recipient).
		Str("amount", amount.String()).
		Msg("transfer submitted, awaiting confirmation")

	receipt, err := w.waitMined(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, &Error{Kind: ErrReverted, Message: "transfer reverted on-chain", TxHash: txHash.Hex()}
	}

	w.logger.Info().
		Str("tx", txHash.Hex()).
		Uint64("block", receipt.BlockNumber.Uint64()).
		Msg("transfer confirmed")

	return &types.TransferReceipt{
		TransactionHash: txHash.Hex(),
		Network:         w.network.Name,
		Amount:          new(big.Int).Set(amount),
		Recipient:       to.Hex(),
	}, nil
}

// EstimateFee returns a best-effort native-asset fee estimate for a
// transfer. Display only; it never gates a payment decision.
func (w *Wallet) EstimateFee(ctx context.Context, recipient string, amount *big.Int) (*big.Int, string, error) {
	if !common.IsHexAddress(recipient) {
		return nil, "", &Error{Kind: ErrBadRecipient, Message: fmt.Sprintf("malformed recipient address %q", recipient)}
	}
	data, err := w.abi.Pack("transfer", common.HexToAddress(recipient), amount)
	if err != nil {
		return nil, "", &Error{Kind: ErrRPC, Message: "pack transfer call", cause: err}
	}
	gas, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{From: w.address, To: &w.token, Data: data})
	if err != nil {
		return nil, "", &Error{Kind: ErrRPC, Message: fmt.Sprintf("estimate gas: %v", err), cause: err}
	}
	price, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, "", &Error{Kind: ErrRPC, Message: fmt.Sprintf("suggest gas price: %v", err), cause: err}
	}
	fee := new(big.Int).Mul(price, new(big.Int).SetUint64(gas))
	return fee, decimal.NewFromBigInt(fee, -18).StringFixed(8) + " ETH", nil
}

// FormatAmount renders minor units as a human token string, e.g. "4.00 USDC".
func (w *Wallet) FormatAmount(minor *big.Int) string {
	return decimal.NewFromBigInt(minor, -w.network.TokenDecimals).StringFixed(2) + " " + w.network.TokenSymbol
}

func (w *Wallet) buildTransfer(ctx context.Context, to common.Address, amount *big.Int) (*ethtypes.Transaction, error) {
	data, err := w.abi.Pack("transfer", to, amount)
	if err != nil {
		return nil, &Error{Kind: ErrRPC, Message: "pack transfer call", cause: err}
	}

	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, &Error{Kind: ErrRPC, Message: fmt.Sprintf("fetch nonce: %v", err), cause: err}
	}
	tipCap, err := w.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, &Error{Kind: ErrRPC, Message: fmt.Sprintf("suggest gas tip: %v", err), cause: err}
	}
	feeCap, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &Error{Kind: ErrRPC, Message: fmt.Sprintf("suggest gas price: %v", err), cause: err}
	}
	gas, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{From: w.address, To: &w.token, Data: data})
	if err != nil {
		return nil, &Error{Kind: ErrRPC, Message: fmt.Sprintf("estimate gas: %v", err), cause: err}
	}

	chainID := big.NewInt(w.network.ChainID)
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &w.token,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return nil, &Error{Kind: ErrRPC, Message: fmt.Sprintf("sign transfer: %v", err), cause: err}
	}
	return signed, nil
}

// waitMined polls for the transaction receipt until the confirmation
// deadline. Transient receipt-lookup errors are logged and retried.
func (w *Wallet) waitMined(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, w.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			w.logger.Warn().Err(err).Str("tx", txHash.Hex()).Msg("receipt lookup failed, retrying")
		}

		select {
		case <-ctx.Done():
			return nil, &Error{
				Kind:    ErrConfirmTimeout,
				Message: "confirmation not observed before deadline; funds state uncertain",
				TxHash:  txHash.Hex(),
			}
		case <-ticker.C:
		}
	}
}
