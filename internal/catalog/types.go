// Package catalog holds the channels sellers list and the ad formats they
// sell on them.
package catalog

import (
	"errors"
	"time"

	"github.com/mbd888/admarket/internal/money"
	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrChannelNotFound  = errors.New("catalog: channel not found")
	ErrChannelExists    = errors.New("catalog: channel already listed")
	ErrFormatNotFound   = errors.New("catalog: format not found")
	ErrNotOwner         = errors.New("catalog: caller does not own the channel")
	ErrInvalidStatus    = errors.New("catalog: invalid channel status")
	ErrInvalidFormat    = errors.New("catalog: invalid format")
	ErrPriceUnavailable = errors.New("catalog: format has no price in this currency")
)

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// ChannelStatus is the listing state of a channel.
type ChannelStatus string

const (
	ChannelActive  ChannelStatus = "active"
	ChannelPaused  ChannelStatus = "paused"
	ChannelRemoved ChannelStatus = "removed"
)

// Channel is a Telegram channel listed for ad sales.
type Channel struct {
	ID         string        `json:"id"`
	OwnerID    string        `json:"ownerId"`
	TelegramID int64         `json:"telegramId"`
	Title      string        `json:"title"`
	Username   string        `json:"username,omitempty"`
	Status     ChannelStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// Active reports whether the channel accepts orders.
func (c *Channel) Active() bool { return c.Status == ChannelActive }

// FormatKind is the kind of placement.
type FormatKind string

const (
	KindPost   FormatKind = "post"
	KindStory  FormatKind = "story"
	KindPin    FormatKind = "pin"
	KindRepost FormatKind = "repost"
)

// Publication says who publishes an approved placement.
type Publication string

const (
	// PublishManual: the seller posts it and reports the link.
	PublishManual Publication = "manual"
	// PublishAuto: the post is published on approval.
	PublishAuto Publication = "auto"
)

// Format is one ad product of a channel. Coin prices are derived from
// PriceStable at purchase time.
type Format struct {
	ID            string          `json:"id"`
	ChannelID     string          `json:"channelId"`
	Kind          FormatKind      `json:"kind"`
	Enabled       bool            `json:"enabled"`
	PricePoints   decimal.Decimal `json:"pricePoints"`
	PriceStable   decimal.Decimal `json:"priceStable"`
	DurationHours int             `json:"durationHours"`
	Publication   Publication     `json:"publication"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Duration is how long a placement must stay up before it is verified.
func (f *Format) Duration() time.Duration {
	return time.Duration(f.DurationHours) * time.Hour
}

// ListPrice returns the format's own price in c. Coin has no list price.
func (f *Format) ListPrice(c money.Currency) (decimal.Decimal, error) {
	var p decimal.Decimal
	switch c {
	case money.Points:
		p = f.PricePoints
	case money.Stable, money.Coin:
		p = f.PriceStable
	default:
		return decimal.Zero, money.ErrUnknownCurrency
	}
	if !p.IsPositive() {
		return decimal.Zero, ErrPriceUnavailable
	}
	return p, nil
}

// Offer is a channel together with one of its formats.
type Offer struct {
	Channel *Channel `json:"channel"`
	Format  *Format  `json:"format"`
}

// -----------------------------------------------------------------------------
// Request Types
// -----------------------------------------------------------------------------

// AddChannelRequest is the payload for listing a channel.
type AddChannelRequest struct {
	TelegramID int64  `json:"telegram_id" binding:"required"`
	Title      string `json:"title" binding:"required"`
	Username   string `json:"username"`
}

// FormatRequest is the payload for creating or replacing a format.
type FormatRequest struct {
	Kind          FormatKind  `json:"kind" binding:"required"`
	Enabled       *bool       `json:"enabled"`
	PricePoints   string      `json:"price_points"`
	PriceStable   string      `json:"price_stable"`
	DurationHours int         `json:"duration_hours"`
	Publication   Publication `json:"publication"`
}

func validKind(k FormatKind) bool {
	switch k {
	case KindPost, KindStory, KindPin, KindRepost:
		return true
	}
	return false
}
