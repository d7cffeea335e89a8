// Package chain talks to the EVM node that settles coin and stable funds.
//
// Sources scan finalized blocks for incoming transfers to the platform
// address. Wallet signs and broadcasts payouts and reports their status.
// Every RPC goes through a circuit breaker and a short retry loop, and
// transport failures surface as ErrUnavailable so callers can retry on
// their next tick.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mbd888/admarket/internal/money"
	"github.com/shopspring/decimal"
)

var (
	ErrUnavailable       = errors.New("chain: node unavailable")
	ErrRejected          = errors.New("chain: transaction rejected by node")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrUnsupported       = errors.New("chain: currency not settled on chain")
)

// SendError reports a failed payout. TxHash is set when the transaction was
// signed and handed to the node, in which case it may still be mined.
type SendError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *SendError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Transfer is an incoming payment observed on chain.
type Transfer struct {
	Currency money.Currency
	TxHash   string
	LogIndex uint
	IsLog    bool // token transfers are identified by tx hash and log index
	From     string
	To       string
	Amount   decimal.Decimal
	Memo     string
	Block    uint64
}

// Ref is the external reference the ledger de-duplicates the credit on.
func (t Transfer) Ref() string {
	if t.IsLog {
		return t.TxHash + ":" + strconv.FormatUint(uint64(t.LogIndex), 10)
	}
	return t.TxHash
}

// Source yields incoming transfers for one currency. Fetch scans from
// cursor (a block number) up to the finalized head and returns the cursor
// to resume from. A zero cursor starts at the finalized head.
type Source interface {
	Currency() money.Currency
	Address() string
	Fetch(ctx context.Context, cursor uint64) ([]Transfer, uint64, error)
}

// TxStatus is the observed state of a broadcast payout.
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusConfirmed TxStatus = "confirmed"
	StatusFailed    TxStatus = "failed"
	StatusNotFound  TxStatus = "not_found"
)

// Payout is an outgoing transfer request.
type Payout struct {
	Currency money.Currency
	To       string
	Amount   decimal.Decimal
	Memo     string
}

// Sender broadcasts payouts and reports their status.
type Sender interface {
	Send(ctx context.Context, p Payout) (txHash string, err error)
	Status(ctx context.Context, txHash string) (TxStatus, error)
}

// EthClient is the subset of *ethclient.Client used by this package.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ValidAddress reports whether s is a 0x-prefixed hex account address.
func ValidAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// NormalizeAddress returns the lowercase form used as a lookup key.
func NormalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// decodeMemo extracts a printable memo from transaction payload bytes.
// Binary payloads yield an empty memo.
func decodeMemo(b []byte) string {
	if len(b) == 0 || len(b) > 256 || !utf8.Valid(b) {
		return ""
	}
	s := strings.TrimSpace(string(b))
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return ""
		}
	}
	return s
}
