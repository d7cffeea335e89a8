package routing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/auth"
	"github.com/mbd888/admarket/internal/chain"
	"github.com/mbd888/admarket/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	platformAddr = "0x1111111111111111111111111111111111111111"
	tokenAddr    = "0x2222222222222222222222222222222222222222"
	senderAddr   = "0xAbCdEf0000000000000000000000000000000001"
)

func newTestService() *Service {
	return NewService(NewMemoryStore(), Config{
		ChainID:       1,
		CoinAddress:   platformAddr,
		StableAddress: platformAddr,
		TokenContract: tokenAddr,
	})
}

func TestRouteFor_IssuesStableMemo(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	first, err := s.RouteFor(ctx, "100", money.Coin)
	require.NoError(t, err)
	assert.Len(t, first.Memo, MemoLength)
	assert.Equal(t, platformAddr, first.Address)
	assert.True(t, strings.HasPrefix(first.URI, "ethereum:"+platformAddr+"@1?data=0x"))

	again, err := s.RouteFor(ctx, "100", money.Coin)
	require.NoError(t, err)
	assert.Equal(t, first.Memo, again.Memo)

	other, err := s.RouteFor(ctx, "200", money.Coin)
	require.NoError(t, err)
	assert.NotEqual(t, first.Memo, other.Memo)
}

func TestRouteFor_StableURITargetsToken(t *testing.T) {
	s := newTestService()
	r, err := s.RouteFor(context.Background(), "100", money.Stable)
	require.NoError(t, err)
	assert.Equal(t, "ethereum:"+tokenAddr+"@1/transfer?address="+platformAddr, r.URI)
}

func TestRouteFor_PointsUnsupported(t *testing.T) {
	s := newTestService()
	_, err := s.RouteFor(context.Background(), "100", money.Points)
	assert.ErrorIs(t, err, ErrUnsupportedCurrency)
}

type collidingStore struct {
	*MemoryStore
	collisions int
}

func (c *collidingStore) CreateRoute(ctx context.Context, r *Route) (*Route, error) {
	if c.collisions > 0 {
		c.collisions--
		return nil, ErrMemoTaken
	}
	return c.MemoryStore.CreateRoute(ctx, r)
}

func TestRouteFor_RetriesMemoCollision(t *testing.T) {
	store := &collidingStore{MemoryStore: NewMemoryStore(), collisions: 2}
	s := NewService(store, Config{CoinAddress: platformAddr})

	r, err := s.RouteFor(context.Background(), "100", money.Coin)
	require.NoError(t, err)
	assert.NotEmpty(t, r.Memo)

	store.collisions = 10
	_, err = s.RouteFor(context.Background(), "200", money.Coin)
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	route, err := s.RouteFor(ctx, "100", money.Stable)
	require.NoError(t, err)
	_, err = s.LinkWallet(ctx, "200", senderAddr)
	require.NoError(t, err)

	tests := []struct {
		name     string
		transfer chain.Transfer
		want     string
		wantErr  error
	}{
		{"memo", chain.Transfer{Currency: money.Stable, Memo: route.Memo, From: senderAddr}, "100", nil},
		{"memo wins over wallet", chain.Transfer{Currency: money.Stable, Memo: route.Memo, From: strings.ToLower(senderAddr)}, "100", nil},
		{"linked wallet", chain.Transfer{Currency: money.Stable, From: senderAddr}, "200", nil},
		{"unknown memo falls back to wallet", chain.Transfer{Currency: money.Stable, Memo: "nope", From: senderAddr}, "200", nil},
		{"memo of other currency", chain.Transfer{Currency: money.Coin, Memo: route.Memo}, "", ErrUnresolvedDeposit},
		{"nothing", chain.Transfer{Currency: money.Stable, From: "0x9999999999999999999999999999999999999999"}, "", ErrUnresolvedDeposit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Resolve(ctx, tt.transfer)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLinkWallet(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	_, err := s.LinkWallet(ctx, "100", "not-an-address")
	assert.ErrorIs(t, err, ErrInvalidWallet)

	w, err := s.LinkWallet(ctx, "100", senderAddr)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(senderAddr), w.Address)

	_, err = s.LinkWallet(ctx, "100", senderAddr)
	assert.NoError(t, err, "relinking own wallet is a no-op")

	_, err = s.LinkWallet(ctx, "200", senderAddr)
	assert.ErrorIs(t, err, ErrWalletTaken)

	assert.ErrorIs(t, s.UnlinkWallet(ctx, "200", senderAddr), ErrNotFound)
	require.NoError(t, s.UnlinkWallet(ctx, "100", senderAddr))

	wallets, err := s.Wallets(ctx, "100")
	require.NoError(t, err)
	assert.Empty(t, wallets)
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newTestService()
	r := gin.New()
	g := r.Group("/v1", func(c *gin.Context) { c.Set(auth.ContextKeyUserID, "100") })
	NewHandler(s).RegisterRoutes(g)

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/v1/deposits/coin", "", http.StatusOK},
		{http.MethodGet, "/v1/deposits/points", "", http.StatusBadRequest},
		{http.MethodGet, "/v1/deposits/gold", "", http.StatusBadRequest},
		{http.MethodPost, "/v1/wallets", `{"address":"` + senderAddr + `"}`, http.StatusCreated},
		{http.MethodPost, "/v1/wallets", `{"address":"0x12"}`, http.StatusBadRequest},
		{http.MethodGet, "/v1/wallets", "", http.StatusOK},
		{http.MethodDelete, "/v1/wallets/" + senderAddr, "", http.StatusNoContent},
		{http.MethodDelete, "/v1/wallets/" + senderAddr, "", http.StatusNotFound},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, w.Code, tt.want, w.Body.String())
		}
	}
}

func TestMemoryStore_MemoUniquePerCurrency(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, err := m.CreateRoute(ctx, &Route{UserID: "1", Currency: money.Coin, Memo: "abc"})
	require.NoError(t, err)
	_, err = m.CreateRoute(ctx, &Route{UserID: "2", Currency: money.Coin, Memo: "abc"})
	assert.True(t, errors.Is(err, ErrMemoTaken))
	_, err = m.CreateRoute(ctx, &Route{UserID: "2", Currency: money.Stable, Memo: "abc"})
	assert.NoError(t, err)
}
