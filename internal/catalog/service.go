package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/admarket/internal/idgen"
	"github.com/mbd888/admarket/internal/money"
	"github.com/mbd888/admarket/internal/validation"
	"github.com/shopspring/decimal"
)

const (
	defaultDurationHours = 24
	maxDurationHours     = 24 * 30
)

// Service manages listings.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a catalog service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// AddChannel lists a channel owned by ownerID.
func (s *Service) AddChannel(ctx context.Context, ownerID string, req AddChannelRequest) (*Channel, error) {
	now := time.Now().UTC()
	ch := &Channel{
		ID:         idgen.WithPrefix("ch_"),
		OwnerID:    ownerID,
		TelegramID: req.TelegramID,
		Title:      validation.SanitizeString(req.Title, 256),
		Username:   strings.TrimPrefix(validation.SanitizeString(req.Username, 64), "@"),
		Status:     ChannelActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateChannel(ctx, ch); err != nil {
		return nil, err
	}
	s.logger.Info("channel listed", "channelId", ch.ID, "ownerId", ownerID, "telegramId", ch.TelegramID)
	return ch, nil
}

// Channel returns a channel.
func (s *Service) Channel(ctx context.Context, id string) (*Channel, error) {
	return s.store.GetChannel(ctx, id)
}

// Channels lists active channels.
func (s *Service) Channels(ctx context.Context, limit int) ([]*Channel, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListChannels(ctx, ChannelActive, limit)
}

// OwnedChannels lists the owner's channels in any status.
func (s *Service) OwnedChannels(ctx context.Context, ownerID string) ([]*Channel, error) {
	return s.store.ListChannelsByOwner(ctx, ownerID)
}

// SetStatus changes a channel's listing status.
func (s *Service) SetStatus(ctx context.Context, ownerID, channelID string, status ChannelStatus) (*Channel, error) {
	switch status {
	case ChannelActive, ChannelPaused, ChannelRemoved:
	default:
		return nil, ErrInvalidStatus
	}
	ch, err := s.owned(ctx, ownerID, channelID)
	if err != nil {
		return nil, err
	}
	ch.Status = status
	if err := s.store.UpdateChannel(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// Formats lists a channel's formats. Disabled formats are included only
// for the owner.
func (s *Service) Formats(ctx context.Context, callerID, channelID string) ([]*Format, error) {
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListFormats(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.OwnerID == callerID {
		return all, nil
	}
	out := all[:0]
	for _, f := range all {
		if f.Enabled {
			out = append(out, f)
		}
	}
	return out, nil
}

// AddFormat creates a format on the owner's channel.
func (s *Service) AddFormat(ctx context.Context, ownerID, channelID string, req FormatRequest) (*Format, error) {
	if _, err := s.owned(ctx, ownerID, channelID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	f := &Format{
		ID:        idgen.WithPrefix("fmt_"),
		ChannelID: channelID,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := applyFormat(f, req); err != nil {
		return nil, err
	}
	if err := s.store.CreateFormat(ctx, f); err != nil {
		return nil, err
	}
	s.logger.Info("format added", "channelId", channelID, "formatId", f.ID, "kind", f.Kind)
	return f, nil
}

// UpdateFormat replaces a format's settings.
func (s *Service) UpdateFormat(ctx context.Context, ownerID, channelID, formatID string, req FormatRequest) (*Format, error) {
	if _, err := s.owned(ctx, ownerID, channelID); err != nil {
		return nil, err
	}
	f, err := s.store.GetFormat(ctx, formatID)
	if err != nil {
		return nil, err
	}
	if f.ChannelID != channelID {
		return nil, ErrFormatNotFound
	}
	if err := applyFormat(f, req); err != nil {
		return nil, err
	}
	if err := s.store.UpdateFormat(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Offer resolves a purchasable channel and format. Channel and format
// must both be live.
func (s *Service) Offer(ctx context.Context, channelID, formatID string) (*Offer, error) {
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !ch.Active() {
		return nil, ErrChannelNotFound
	}
	f, err := s.store.GetFormat(ctx, formatID)
	if err != nil {
		return nil, err
	}
	if f.ChannelID != channelID || !f.Enabled {
		return nil, ErrFormatNotFound
	}
	return &Offer{Channel: ch, Format: f}, nil
}

// OfferUnchecked resolves a channel and format regardless of listing
// state, for orders that were placed earlier.
func (s *Service) OfferUnchecked(ctx context.Context, channelID, formatID string) (*Offer, error) {
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	f, err := s.store.GetFormat(ctx, formatID)
	if err != nil {
		return nil, err
	}
	return &Offer{Channel: ch, Format: f}, nil
}

func (s *Service) owned(ctx context.Context, ownerID, channelID string) (*Channel, error) {
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	return ch, nil
}

func applyFormat(f *Format, req FormatRequest) error {
	if !validKind(req.Kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFormat, req.Kind)
	}
	points, err := parsePrice(money.Points, req.PricePoints)
	if err != nil {
		return err
	}
	stable, err := parsePrice(money.Stable, req.PriceStable)
	if err != nil {
		return err
	}
	if !points.IsPositive() && !stable.IsPositive() {
		return fmt.Errorf("%w: at least one price is required", ErrInvalidFormat)
	}

	hours := req.DurationHours
	if hours == 0 {
		hours = defaultDurationHours
	}
	if hours < 1 || hours > maxDurationHours {
		return fmt.Errorf("%w: duration must be 1-%d hours", ErrInvalidFormat, maxDurationHours)
	}

	pub := req.Publication
	if pub == "" {
		pub = PublishManual
	}
	if pub != PublishManual && pub != PublishAuto {
		return fmt.Errorf("%w: unknown publication %q", ErrInvalidFormat, pub)
	}

	f.Kind = req.Kind
	f.PricePoints = points
	f.PriceStable = stable
	f.DurationHours = hours
	f.Publication = pub
	if req.Enabled != nil {
		f.Enabled = *req.Enabled
	}
	return nil
}

func parsePrice(c money.Currency, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	p, err := money.Parse(c, s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s price: %w", ErrInvalidFormat, c, err)
	}
	return p, nil
}
