package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/admarket/internal/money"
	"github.com/shopspring/decimal"
)

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimitNative covers a value transfer with a short memo.
	DefaultGasLimitNative = uint64(60000)
	// DefaultGasLimitToken for ERC20 transfers
	DefaultGasLimitToken = uint64(100000)
)

// WalletConfig configures the platform hot wallet.
type WalletConfig struct {
	PrivateKey    string // hex, with or without 0x
	TokenContract string
}

// Wallet is the platform hot wallet. It implements Sender and reports
// on-chain balances for reconciliation.
type Wallet struct {
	node       *Node
	privateKey *ecdsa.PrivateKey
	address    common.Address
	token      common.Address
	tokenABI   abi.ABI

	// nonces are assigned locally so back-to-back sends in one cycle do not
	// reuse a pending nonce.
	mu        sync.Mutex
	nextNonce *uint64
	signer    types.Signer
}

var _ Sender = (*Wallet)(nil)

// NewWallet creates the hot wallet on top of node.
func NewWallet(node *Node, cfg WalletConfig) (*Wallet, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	if !ValidAddress(cfg.TokenContract) {
		return nil, fmt.Errorf("%w: token contract", ErrInvalidAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	return &Wallet{
		node:       node,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		token:      common.HexToAddress(cfg.TokenContract),
		tokenABI:   parsed,
	}, nil
}

// Address returns the wallet's address.
func (w *Wallet) Address() string { return w.address.Hex() }

// Balance returns the wallet's on-chain balance in the given currency.
func (w *Wallet) Balance(ctx context.Context, c money.Currency) (decimal.Decimal, error) {
	switch c {
	case money.Coin:
		var bal *big.Int
		err := w.node.call(ctx, func(ctx context.Context) error {
			var err error
			bal, err = w.node.client.BalanceAt(ctx, w.address, nil)
			return err
		})
		if err != nil {
			return decimal.Zero, err
		}
		return money.FromUnits(c, bal), nil
	case money.Stable:
		data, err := w.tokenABI.Pack("balanceOf", w.address)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to pack balanceOf call: %w", err)
		}
		var out []byte
		err = w.node.call(ctx, func(ctx context.Context) error {
			var err error
			out, err = w.node.client.CallContract(ctx, ethereum.CallMsg{To: &w.token, Data: data}, nil)
			return err
		})
		if err != nil {
			return decimal.Zero, err
		}
		return money.FromUnits(c, new(big.Int).SetBytes(out)), nil
	default:
		return decimal.Zero, ErrUnsupported
	}
}

// Send signs and broadcasts a payout.
//
// Errors before broadcast carry no TxHash and wrap ErrUnavailable. A node
// rejection wraps ErrRejected. A transport failure during broadcast
// returns a *SendError with TxHash set because the node may have accepted
// the transaction.
func (w *Wallet) Send(ctx context.Context, p Payout) (string, error) {
	if !ValidAddress(p.To) {
		return "", &SendError{Op: "validate", Err: ErrInvalidAddress}
	}
	to := common.HexToAddress(p.To)
	units := money.ToUnits(p.Currency, p.Amount)
	if units.Sign() <= 0 {
		return "", &SendError{Op: "validate", Err: errors.New("amount must be positive")}
	}

	var (
		target   common.Address
		value    *big.Int
		data     []byte
		fallback uint64
	)
	switch p.Currency {
	case money.Coin:
		target, value, data, fallback = to, units, []byte(p.Memo), DefaultGasLimitNative
	case money.Stable:
		packed, err := w.tokenABI.Pack("transfer", to, units)
		if err != nil {
			return "", &SendError{Op: "pack", Err: err}
		}
		target, value, data, fallback = w.token, big.NewInt(0), append(packed, []byte(p.Memo)...), DefaultGasLimitToken
	default:
		return "", &SendError{Op: "validate", Err: ErrUnsupported}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.prepare(ctx); err != nil {
		return "", &SendError{Op: "prepare", Err: err}
	}

	var gasPrice *big.Int
	if err := w.node.call(ctx, func(ctx context.Context) error {
		var err error
		gasPrice, err = w.node.client.SuggestGasPrice(ctx)
		return err
	}); err != nil {
		return "", &SendError{Op: "gas_price", Err: err}
	}

	var gasLimit uint64
	if err := w.node.call(ctx, func(ctx context.Context) error {
		var err error
		gasLimit, err = w.node.client.EstimateGas(ctx, ethereum.CallMsg{
			From: w.address, To: &target, Value: value, Data: data,
		})
		return err
	}); err != nil {
		gasLimit = fallback
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    *w.nextNonce,
		To:       &target,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, w.signer, w.privateKey)
	if err != nil {
		return "", &SendError{Op: "sign", Err: err}
	}
	hash := signed.Hash().Hex()

	err = w.node.call(ctx, func(ctx context.Context) error {
		return w.node.client.SendTransaction(ctx, signed)
	})
	switch {
	case err == nil, isAlreadyKnown(err):
		*w.nextNonce++
		return hash, nil
	case errors.Is(err, ErrUnavailable):
		// Outcome unknown; force a nonce refresh before the next send.
		w.nextNonce = nil
		return "", &SendError{Op: "send", TxHash: hash, Err: err}
	default:
		w.nextNonce = nil
		return "", &SendError{Op: "send", Err: fmt.Errorf("%w: %v", ErrRejected, err)}
	}
}

func (w *Wallet) prepare(ctx context.Context) error {
	if w.signer == nil {
		id, err := w.node.chainID(ctx)
		if err != nil {
			return err
		}
		w.signer = types.LatestSignerForChainID(id)
	}
	if w.nextNonce == nil {
		var nonce uint64
		err := w.node.call(ctx, func(ctx context.Context) error {
			var err error
			nonce, err = w.node.client.PendingNonceAt(ctx, w.address)
			return err
		})
		if err != nil {
			return err
		}
		w.nextNonce = &nonce
	}
	return nil
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// Status reports whether a broadcast payout was mined. A receipt younger
// than the finality depth is still pending. A transaction the node has
// never heard of is not_found.
func (w *Wallet) Status(ctx context.Context, txHash string) (TxStatus, error) {
	hash := common.HexToHash(txHash)

	var receipt *types.Receipt
	err := w.node.call(ctx, func(ctx context.Context) error {
		var err error
		receipt, err = w.node.client.TransactionReceipt(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return w.lookupUnmined(ctx, hash)
	}
	if err != nil {
		return "", err
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return StatusFailed, nil
	}
	head, err := w.node.SafeHead(ctx)
	if err != nil {
		return "", err
	}
	if receipt.BlockNumber == nil || receipt.BlockNumber.Uint64() > head {
		return StatusPending, nil
	}
	return StatusConfirmed, nil
}

func (w *Wallet) lookupUnmined(ctx context.Context, hash common.Hash) (TxStatus, error) {
	err := w.node.call(ctx, func(ctx context.Context) error {
		_, _, err := w.node.client.TransactionByHash(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return StatusNotFound, nil
	}
	if err != nil {
		return "", err
	}
	return StatusPending, nil
}
