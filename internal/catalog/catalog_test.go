package catalog

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/auth"
	"github.com/mbd888/admarket/internal/money"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	return NewService(NewMemoryStore(), slog.Default())
}

func listChannel(t *testing.T, s *Service, owner string, tgID int64) *Channel {
	t.Helper()
	ch, err := s.AddChannel(context.Background(), owner, AddChannelRequest{TelegramID: tgID, Title: " Daily Tech ", Username: "@dailytech"})
	require.NoError(t, err)
	return ch
}

func TestAddChannel(t *testing.T) {
	s := newTestService()
	ch := listChannel(t, s, "seller", -100123)

	assert.True(t, strings.HasPrefix(ch.ID, "ch_"))
	assert.Equal(t, "Daily Tech", ch.Title)
	assert.Equal(t, "dailytech", ch.Username)
	assert.True(t, ch.Active())

	_, err := s.AddChannel(context.Background(), "other", AddChannelRequest{TelegramID: -100123, Title: "dup"})
	assert.ErrorIs(t, err, ErrChannelExists)
}

func TestAddFormat_Validation(t *testing.T) {
	s := newTestService()
	ch := listChannel(t, s, "seller", 1)
	ctx := context.Background()

	tests := []struct {
		name    string
		owner   string
		req     FormatRequest
		wantErr error
	}{
		{"not owner", "buyer", FormatRequest{Kind: KindPost, PriceStable: "60"}, ErrNotOwner},
		{"unknown kind", "seller", FormatRequest{Kind: "banner", PriceStable: "60"}, ErrInvalidFormat},
		{"no price", "seller", FormatRequest{Kind: KindPost}, ErrInvalidFormat},
		{"fractional points", "seller", FormatRequest{Kind: KindPost, PricePoints: "10.5"}, ErrInvalidFormat},
		{"too long", "seller", FormatRequest{Kind: KindPost, PriceStable: "1", DurationHours: 24*30 + 1}, ErrInvalidFormat},
		{"bad publication", "seller", FormatRequest{Kind: KindPost, PriceStable: "1", Publication: "magic"}, ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AddFormat(ctx, tt.owner, ch.ID, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	f, err := s.AddFormat(ctx, "seller", ch.ID, FormatRequest{Kind: KindPost, PriceStable: "60", PricePoints: "3000"})
	require.NoError(t, err)
	assert.Equal(t, 24, f.DurationHours)
	assert.Equal(t, PublishManual, f.Publication)
	assert.True(t, f.Enabled)
}

func TestFormat_ListPrice(t *testing.T) {
	f := &Format{PricePoints: d("3000")}
	p, err := f.ListPrice(money.Points)
	require.NoError(t, err)
	assert.Equal(t, "3000", p.String())

	_, err = f.ListPrice(money.Stable)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
	_, err = f.ListPrice(money.Coin)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestOffer(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	ch := listChannel(t, s, "seller", 1)
	f, err := s.AddFormat(ctx, "seller", ch.ID, FormatRequest{Kind: KindStory, PriceStable: "10"})
	require.NoError(t, err)

	offer, err := s.Offer(ctx, ch.ID, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.ID, offer.Format.ID)

	other := listChannel(t, s, "seller", 2)
	_, err = s.Offer(ctx, other.ID, f.ID)
	assert.ErrorIs(t, err, ErrFormatNotFound)

	disabled := false
	_, err = s.UpdateFormat(ctx, "seller", ch.ID, f.ID, FormatRequest{Kind: KindStory, PriceStable: "10", Enabled: &disabled})
	require.NoError(t, err)
	_, err = s.Offer(ctx, ch.ID, f.ID)
	assert.ErrorIs(t, err, ErrFormatNotFound)

	_, err = s.SetStatus(ctx, "seller", ch.ID, ChannelPaused)
	require.NoError(t, err)
	_, err = s.Offer(ctx, ch.ID, f.ID)
	assert.ErrorIs(t, err, ErrChannelNotFound)

	unchecked, err := s.OfferUnchecked(ctx, ch.ID, f.ID)
	require.NoError(t, err)
	assert.False(t, unchecked.Format.Enabled)
}

func TestFormats_HidesDisabledFromBuyers(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	ch := listChannel(t, s, "seller", 1)
	off := false
	_, err := s.AddFormat(ctx, "seller", ch.ID, FormatRequest{Kind: KindPost, PriceStable: "10"})
	require.NoError(t, err)
	_, err = s.AddFormat(ctx, "seller", ch.ID, FormatRequest{Kind: KindPin, PriceStable: "5", Enabled: &off})
	require.NoError(t, err)

	own, err := s.Formats(ctx, "seller", ch.ID)
	require.NoError(t, err)
	assert.Len(t, own, 2)

	public, err := s.Formats(ctx, "buyer", ch.ID)
	require.NoError(t, err)
	assert.Len(t, public, 1)
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newTestService()

	r := gin.New()
	g := r.Group("/v1", func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, c.GetHeader("X-Test-User"))
	})
	NewHandler(s).RegisterRoutes(g)

	do := func(method, path, user, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("X-Test-User", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	created := do(http.MethodPost, "/v1/channels", "seller", `{"telegram_id":-1001,"title":"Tech"}`)
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	channels, err := s.OwnedChannels(context.Background(), "seller")
	require.NoError(t, err)
	require.Len(t, channels, 1)
	id := channels[0].ID

	invalid := do(http.MethodPost, "/v1/channels", "seller", `{"telegram_id":-1002,"title":"Bad","username":"no-dashes"}`)
	assert.Equal(t, http.StatusBadRequest, invalid.Code)
	assert.Contains(t, invalid.Body.String(), "validation_failed")

	assert.Equal(t, http.StatusConflict, do(http.MethodPost, "/v1/channels", "seller", `{"telegram_id":-1001,"title":"Tech"}`).Code)

	format := do(http.MethodPost, "/v1/channels/"+id+"/formats", "seller", `{"kind":"post","price_stable":"60"}`)
	require.Equal(t, http.StatusCreated, format.Code, format.Body.String())

	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/v1/channels/"+id+"/formats", "buyer", `{"kind":"post","price_stable":"1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/v1/channels/"+id+"/formats", "seller", `{"kind":"post"}`).Code)

	get := do(http.MethodGet, "/v1/channels/"+id, "buyer", "")
	require.Equal(t, http.StatusOK, get.Code)
	assert.Contains(t, get.Body.String(), `"priceStable":"60"`)

	list := do(http.MethodGet, "/v1/channels", "buyer", "")
	assert.Contains(t, list.Body.String(), id)

	mine := do(http.MethodGet, "/v1/channels/mine", "seller", "")
	assert.Contains(t, mine.Body.String(), id)

	assert.Equal(t, http.StatusOK, do(http.MethodPut, "/v1/channels/"+id+"/status", "seller", `{"status":"paused"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPut, "/v1/channels/"+id+"/status", "seller", `{"status":"gone"}`).Code)
	assert.NotContains(t, do(http.MethodGet, "/v1/channels", "buyer", "").Body.String(), id)

	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/v1/channels/ch_nope", "buyer", "").Code)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }
