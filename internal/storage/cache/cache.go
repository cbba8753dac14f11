// Package cache adds an in-process read-through cache for connection configuration in front
// of any storage.Store.
package cache

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/storage"
)

// DefaultSize bounds each cache when no size is configured.
const DefaultSize = 256

// Store caches channel configs and counterparty mappings. Everything else passes through.
type Store struct {
	storage.Store
	configs      *lru.Cache[relay.NetworkID, relay.ChannelConfig]
	counterparty *lru.Cache[string, relay.NetworkID]
}

var _ storage.Store = (*Store)(nil)

// New wraps inner with caches holding at most size entries each.
func New(inner storage.Store, size int) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	configs, err := lru.New[relay.NetworkID, relay.ChannelConfig](size)
	if err != nil {
		return nil, err
	}
	counterparty, err := lru.New[string, relay.NetworkID](size)
	if err != nil {
		return nil, err
	}
	return &Store{Store: inner, configs: configs, counterparty: counterparty}, nil
}

func (s *Store) GetChannelConfig(ctx context.Context, nid relay.NetworkID) (relay.ChannelConfig, error) {
	if cfg, ok := s.configs.Get(nid); ok {
		return cfg, nil
	}
	cfg, err := s.Store.GetChannelConfig(ctx, nid)
	if err != nil {
		return relay.ChannelConfig{}, err
	}
	s.configs.Add(nid, cfg)
	return cfg, nil
}

func (s *Store) PutChannelConfig(ctx context.Context, cfg relay.ChannelConfig) error {
	if err := s.Store.PutChannelConfig(ctx, cfg); err != nil {
		return err
	}
	s.configs.Remove(cfg.NetworkID)
	return nil
}

func (s *Store) CounterpartyNetworkID(ctx context.Context, chain string) (relay.NetworkID, error) {
	key := strings.ToLower(chain)
	if nid, ok := s.counterparty.Get(key); ok {
		return nid, nil
	}
	nid, err := s.Store.CounterpartyNetworkID(ctx, chain)
	if err != nil {
		return "", err
	}
	s.counterparty.Add(key, nid)
	return nid, nil
}

func (s *Store) SetCounterpartyNetworkID(ctx context.Context, chain string, nid relay.NetworkID) error {
	if err := s.Store.SetCounterpartyNetworkID(ctx, chain, nid); err != nil {
		return err
	}
	s.counterparty.Remove(strings.ToLower(chain))
	return nil
}

// Atomic hands fn the uncached transactional view and drops every cache entry the
// transaction wrote, whether it commits or rolls back. A rollback still invalidates because a
// read outside the transaction may have cached a value that never committed.
func (s *Store) Atomic(ctx context.Context, fn func(tx storage.Store) error) error {
	var touched txWrites
	err := s.Store.Atomic(ctx, func(tx storage.Store) error {
		return fn(&recordingStore{Store: tx, writes: &touched})
	})
	for _, nid := range touched.configs {
		s.configs.Remove(nid)
	}
	for _, chain := range touched.chains {
		s.counterparty.Remove(chain)
	}
	return err
}

// Purge empties both caches.
func (s *Store) Purge() {
	s.configs.Purge()
	s.counterparty.Purge()
}

type txWrites struct {
	configs []relay.NetworkID
	chains  []string
}

type recordingStore struct {
	storage.Store
	writes *txWrites
}

func (r *recordingStore) PutChannelConfig(ctx context.Context, cfg relay.ChannelConfig) error {
	r.writes.configs = append(r.writes.configs, cfg.NetworkID)
	return r.Store.PutChannelConfig(ctx, cfg)
}

func (r *recordingStore) SetCounterpartyNetworkID(ctx context.Context, chain string, nid relay.NetworkID) error {
	r.writes.chains = append(r.writes.chains, strings.ToLower(chain))
	return r.Store.SetCounterpartyNetworkID(ctx, chain, nid)
}
