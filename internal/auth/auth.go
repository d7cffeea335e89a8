// Package auth authenticates marketplace users.
//
// Users sign in through the Telegram Mini App: the client posts its init
// data, the server validates the signature against the bot token, records
// the user on first sight and returns a short-lived JWT. The user id is
// the decimal Telegram user id, which doubles as the private chat id for
// notifications.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mbd888/admarket/internal/telegram"
)

var (
	ErrInvalidToken = errors.New("auth: invalid or expired token")
	ErrUserNotFound = errors.New("auth: user not found")
)

const issuer = "admarket"

// User is a marketplace participant. Any user can act as buyer or seller.
type User struct {
	ID           string    `json:"id"`
	TelegramID   int64     `json:"telegramId"`
	Username     string    `json:"username,omitempty"`
	FirstName    string    `json:"firstName,omitempty"`
	LanguageCode string    `json:"languageCode,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastLoginAt  time.Time `json:"lastLoginAt"`
}

// Store persists users.
type Store interface {
	// Upsert inserts the user or refreshes its profile fields. created is
	// true only for the call that inserted the row.
	Upsert(ctx context.Context, u *User) (stored *User, created bool, err error)
	Get(ctx context.Context, id string) (*User, error)
}

// LoginHook runs after a successful login. created marks the first login.
type LoginHook interface {
	UserLoggedIn(ctx context.Context, u *User, created bool, startParam string)
}

// Claims are the JWT claims issued on login.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"usr,omitempty"`
}

// Manager validates logins and issues and verifies session tokens.
type Manager struct {
	store    Store
	botToken string
	secret   []byte
	ttl      time.Duration
	maxAge   time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	hooks []LoginHook
}

// Config configures a Manager.
type Config struct {
	BotToken   string
	JWTSecret  string
	TokenTTL   time.Duration
	InitMaxAge time.Duration
}

// NewManager creates a Manager.
func NewManager(store Store, cfg Config) *Manager {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &Manager{
		store:    store,
		botToken: cfg.BotToken,
		secret:   []byte(cfg.JWTSecret),
		ttl:      cfg.TokenTTL,
		maxAge:   cfg.InitMaxAge,
		now:      time.Now,
	}
}

// AddHook registers a login hook.
func (m *Manager) AddHook(h LoginHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// LoginResult is returned by Login.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      *User     `json:"user"`
	Created   bool      `json:"created"`
}

// Login validates Mini App init data and issues a session token.
func (m *Manager) Login(ctx context.Context, initData string) (*LoginResult, error) {
	data, err := telegram.ValidateInitData(initData, m.botToken, m.maxAge, m.now())
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	user, created, err := m.store.Upsert(ctx, &User{
		ID:           strconv.FormatInt(data.User.ID, 10),
		TelegramID:   data.User.ID,
		Username:     data.User.Username,
		FirstName:    data.User.FirstName,
		LanguageCode: data.User.LanguageCode,
		CreatedAt:    now,
		LastLoginAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store user: %w", err)
	}

	token, exp, err := m.Issue(user)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	hooks := append([]LoginHook(nil), m.hooks...)
	m.mu.RUnlock()
	for _, h := range hooks {
		h.UserLoggedIn(ctx, user, created, data.StartParam)
	}

	return &LoginResult{Token: token, ExpiresAt: exp, User: user, Created: created}, nil
}

// Issue signs a session token for the user.
func (m *Manager) Issue(u *User) (string, time.Time, error) {
	now := m.now()
	exp := now.Add(m.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Username: u.Username,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses a session token and returns its claims.
func (m *Manager) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// User returns a stored user.
func (m *Manager) User(ctx context.Context, id string) (*User, error) {
	return m.store.Get(ctx, id)
}

// MemoryStore is an in-memory user store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryStore creates an in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User)}
}

func (s *MemoryStore) Upsert(ctx context.Context, u *User) (*User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.users[u.ID]; ok {
		existing.Username = u.Username
		existing.FirstName = u.FirstName
		existing.LanguageCode = u.LanguageCode
		existing.LastLoginAt = u.LastLoginAt
		cp := *existing
		return &cp, false, nil
	}
	cp := *u
	s.users[u.ID] = &cp
	out := cp
	return &out, true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}
