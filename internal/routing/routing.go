// Package routing assigns deposit routes and attributes incoming chain
// transfers to users.
//
// All users share the platform address of a currency. A deposit is
// attributed by its memo tag first and, failing that, by a sender wallet
// the user linked beforehand.
package routing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/admarket/internal/chain"
	"github.com/mbd888/admarket/internal/idgen"
	"github.com/mbd888/admarket/internal/money"
)

var (
	ErrUnresolvedDeposit   = errors.New("routing: deposit cannot be attributed to a user")
	ErrUnsupportedCurrency = errors.New("routing: currency has no deposit route")
	ErrNotFound            = errors.New("routing: not found")
	ErrMemoTaken           = errors.New("routing: memo already assigned")
	ErrWalletTaken         = errors.New("routing: wallet linked to another user")
	ErrInvalidWallet       = errors.New("routing: invalid wallet address")
)

// MemoLength is the length of generated memo tags.
const MemoLength = 10

// Route is a user's deposit instruction for one currency.
type Route struct {
	UserID    string         `json:"userId"`
	Currency  money.Currency `json:"currency"`
	Address   string         `json:"address"`
	Memo      string         `json:"memo"`
	URI       string         `json:"uri"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Wallet is a sender address linked to a user.
type Wallet struct {
	Address  string    `json:"address"`
	UserID   string    `json:"userId"`
	LinkedAt time.Time `json:"linkedAt"`
}

// Store persists routes and linked wallets. CreateRoute must fail with
// ErrMemoTaken when (currency, memo) is already used; a second route for
// the same (user, currency) must leave the first one in place.
type Store interface {
	GetRoute(ctx context.Context, userID string, currency money.Currency) (*Route, error)
	CreateRoute(ctx context.Context, r *Route) (*Route, error)
	RouteByMemo(ctx context.Context, currency money.Currency, memo string) (*Route, error)
	LinkWallet(ctx context.Context, w *Wallet) error
	UnlinkWallet(ctx context.Context, userID, address string) error
	WalletOwner(ctx context.Context, address string) (*Wallet, error)
	ListWallets(ctx context.Context, userID string) ([]*Wallet, error)
}

// Config names the platform deposit addresses.
type Config struct {
	ChainID       int64
	CoinAddress   string
	StableAddress string
	TokenContract string
}

// Service issues routes and resolves deposits.
type Service struct {
	store Store
	cfg   Config
}

// NewService creates a routing service.
func NewService(store Store, cfg Config) *Service {
	return &Service{store: store, cfg: cfg}
}

func (s *Service) platformAddress(c money.Currency) string {
	switch c {
	case money.Coin:
		return s.cfg.CoinAddress
	case money.Stable:
		return s.cfg.StableAddress
	}
	return ""
}

// RouteFor returns the user's route for currency, issuing one with a
// fresh memo on first use.
func (s *Service) RouteFor(ctx context.Context, userID string, currency money.Currency) (*Route, error) {
	addr := s.platformAddress(currency)
	if !currency.OnChain() || addr == "" {
		return nil, ErrUnsupportedCurrency
	}

	r, err := s.store.GetRoute(ctx, userID, currency)
	if err == nil {
		r.URI = s.uri(r)
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	for attempt := 0; attempt < 5; attempt++ {
		r, err = s.store.CreateRoute(ctx, &Route{
			UserID:    userID,
			Currency:  currency,
			Address:   addr,
			Memo:      idgen.Token(MemoLength),
			CreatedAt: time.Now().UTC(),
		})
		if errors.Is(err, ErrMemoTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}
		r.URI = s.uri(r)
		return r, nil
	}
	return nil, fmt.Errorf("routing: could not allocate a unique memo")
}

// uri renders an EIP-681 payment link. Coin links carry the memo as
// transaction data; token links target the transfer function.
func (s *Service) uri(r *Route) string {
	chainID := strconv.FormatInt(s.cfg.ChainID, 10)
	if r.Currency == money.Stable {
		q := url.Values{}
		q.Set("address", r.Address)
		return "ethereum:" + s.cfg.TokenContract + "@" + chainID + "/transfer?" + q.Encode()
	}
	return "ethereum:" + r.Address + "@" + chainID + "?data=0x" + hex.EncodeToString([]byte(r.Memo))
}

// LinkWallet links a sender address to the user.
func (s *Service) LinkWallet(ctx context.Context, userID, address string) (*Wallet, error) {
	if !chain.ValidAddress(address) {
		return nil, ErrInvalidWallet
	}
	w := &Wallet{Address: chain.NormalizeAddress(address), UserID: userID, LinkedAt: time.Now().UTC()}
	if err := s.store.LinkWallet(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// UnlinkWallet removes a linked sender address owned by the user.
func (s *Service) UnlinkWallet(ctx context.Context, userID, address string) error {
	return s.store.UnlinkWallet(ctx, userID, chain.NormalizeAddress(address))
}

// Wallets lists the user's linked sender addresses.
func (s *Service) Wallets(ctx context.Context, userID string) ([]*Wallet, error) {
	return s.store.ListWallets(ctx, userID)
}

// Resolve attributes a transfer: memo first, then linked sender wallet.
func (s *Service) Resolve(ctx context.Context, t chain.Transfer) (string, error) {
	if t.Memo != "" {
		r, err := s.store.RouteByMemo(ctx, t.Currency, t.Memo)
		if err == nil {
			return r.UserID, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	if t.From != "" {
		w, err := s.store.WalletOwner(ctx, chain.NormalizeAddress(t.From))
		if err == nil {
			return w.UserID, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", ErrUnresolvedDeposit
}
