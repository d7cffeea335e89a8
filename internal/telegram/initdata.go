package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var (
	ErrInitDataMissing   = errors.New("telegram: init data missing")
	ErrInitDataInvalid   = errors.New("telegram: init data signature invalid")
	ErrInitDataExpired   = errors.New("telegram: init data expired")
	ErrInitDataMalformed = errors.New("telegram: init data malformed")
)

// WebAppUser is the user block of Mini App init data.
type WebAppUser struct {
	ID           int64  `json:"id"`
	Username     string `json:"username,omitempty"`
	FirstName    string `json:"firstName,omitempty"`
	LastName     string `json:"lastName,omitempty"`
	LanguageCode string `json:"languageCode,omitempty"`
}

// InitData is a validated Mini App launch payload.
type InitData struct {
	User       WebAppUser
	StartParam string
	AuthDate   time.Time
	QueryID    string
}

// ValidateInitData checks the Mini App init data signature. The secret key
// is HMAC-SHA256("WebAppData", botToken); the hash covers every field
// except hash itself, sorted by key and joined with newlines. Payloads
// older than maxAge are rejected when maxAge > 0.
func ValidateInitData(raw, botToken string, maxAge time.Duration, now time.Time) (*InitData, error) {
	if raw == "" {
		return nil, ErrInitDataMissing
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, ErrInitDataMalformed
	}
	got := values.Get("hash")
	if got == "" {
		return nil, ErrInitDataInvalid
	}
	want := SignInitData(values, botToken)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return nil, ErrInitDataInvalid
	}

	authUnix, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return nil, ErrInitDataMalformed
	}
	authDate := time.Unix(authUnix, 0).UTC()
	if maxAge > 0 && now.Sub(authDate) > maxAge {
		return nil, ErrInitDataExpired
	}

	user := gjson.Parse(values.Get("user"))
	if !user.Get("id").Exists() {
		return nil, ErrInitDataMalformed
	}
	return &InitData{
		User: WebAppUser{
			ID:           user.Get("id").Int(),
			Username:     user.Get("username").String(),
			FirstName:    user.Get("first_name").String(),
			LastName:     user.Get("last_name").String(),
			LanguageCode: user.Get("language_code").String(),
		},
		StartParam: values.Get("start_param"),
		AuthDate:   authDate,
		QueryID:    values.Get("query_id"),
	}, nil
}

// SignInitData computes the hex hash Telegram attaches to init data. The
// "hash" field in values is ignored.
func SignInitData(values url.Values, botToken string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	h := hmac.New(sha256.New, secret.Sum(nil))
	h.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}
