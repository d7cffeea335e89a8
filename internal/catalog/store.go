package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Store Interface
// -----------------------------------------------------------------------------

// Store persists channels and formats.
type Store interface {
	CreateChannel(ctx context.Context, ch *Channel) error
	GetChannel(ctx context.Context, id string) (*Channel, error)
	UpdateChannel(ctx context.Context, ch *Channel) error
	ListChannels(ctx context.Context, status ChannelStatus, limit int) ([]*Channel, error)
	ListChannelsByOwner(ctx context.Context, ownerID string) ([]*Channel, error)

	CreateFormat(ctx context.Context, f *Format) error
	GetFormat(ctx context.Context, id string) (*Format, error)
	UpdateFormat(ctx context.Context, f *Format) error
	ListFormats(ctx context.Context, channelID string) ([]*Format, error)
}

// -----------------------------------------------------------------------------
// In-Memory Store
// -----------------------------------------------------------------------------

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu         sync.RWMutex
	channels   map[string]*Channel
	byTelegram map[int64]string
	formats    map[string]*Format
}

// NewMemoryStore creates an in-memory catalog store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels:   make(map[string]*Channel),
		byTelegram: make(map[int64]string),
		formats:    make(map[string]*Format),
	}
}

func (m *MemoryStore) CreateChannel(ctx context.Context, ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byTelegram[ch.TelegramID]; ok {
		return ErrChannelExists
	}
	cp := *ch
	m.channels[ch.ID] = &cp
	m.byTelegram[ch.TelegramID] = ch.ID
	return nil
}

func (m *MemoryStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	cp := *ch
	return &cp, nil
}

func (m *MemoryStore) UpdateChannel(ctx context.Context, ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[ch.ID]; !ok {
		return ErrChannelNotFound
	}
	cp := *ch
	cp.UpdatedAt = time.Now().UTC()
	m.channels[ch.ID] = &cp
	return nil
}

func (m *MemoryStore) ListChannels(ctx context.Context, status ChannelStatus, limit int) ([]*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Channel
	for _, ch := range m.channels {
		if status == "" || ch.Status == status {
			cp := *ch
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListChannelsByOwner(ctx context.Context, ownerID string) ([]*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Channel
	for _, ch := range m.channels {
		if ch.OwnerID == ownerID {
			cp := *ch
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateFormat(ctx context.Context, f *Format) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[f.ChannelID]; !ok {
		return ErrChannelNotFound
	}
	cp := *f
	m.formats[f.ID] = &cp
	return nil
}

func (m *MemoryStore) GetFormat(ctx context.Context, id string) (*Format, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.formats[id]
	if !ok {
		return nil, ErrFormatNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryStore) UpdateFormat(ctx context.Context, f *Format) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.formats[f.ID]; !ok {
		return ErrFormatNotFound
	}
	cp := *f
	cp.UpdatedAt = time.Now().UTC()
	m.formats[f.ID] = &cp
	return nil
}

func (m *MemoryStore) ListFormats(ctx context.Context, channelID string) ([]*Format, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Format
	for _, f := range m.formats {
		if f.ChannelID == channelID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
