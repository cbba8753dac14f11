package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/storage"
)

// Store is an in-memory implementation of storage.Store. It is safe for concurrent use and is
// primarily intended for tests and local development.
type Store struct {
	txMu sync.Mutex

	mu           sync.RWMutex
	configs      map[relay.NetworkID]relay.ChannelConfig
	counterparty map[string]relay.NetworkID
	router       string
	verifier     string
	pending      map[relay.PacketKey]relay.PendingPacket
	outgoing     map[relay.CrossChainID]relay.Message
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		configs:      make(map[relay.NetworkID]relay.ChannelConfig),
		counterparty: make(map[string]relay.NetworkID),
		pending:      make(map[relay.PacketKey]relay.PendingPacket),
		outgoing:     make(map[relay.CrossChainID]relay.Message),
	}
}

// ConfigStore implementation --------------------------------------------------

func (s *Store) GetChannelConfig(_ context.Context, nid relay.NetworkID) (relay.ChannelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[nid]
	if !ok {
		return relay.ChannelConfig{}, storage.ErrNotFound
	}
	return cfg, nil
}

func (s *Store) PutChannelConfig(_ context.Context, cfg relay.ChannelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.configs[cfg.NetworkID] = cfg
	return nil
}

func (s *Store) ListChannelConfigs(_ context.Context) ([]relay.ChannelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]relay.ChannelConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetworkID < out[j].NetworkID })
	return out, nil
}

func (s *Store) CounterpartyNetworkID(_ context.Context, chain string) (relay.NetworkID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nid, ok := s.counterparty[strings.ToLower(chain)]
	if !ok {
		return "", storage.ErrNotFound
	}
	return nid, nil
}

func (s *Store) SetCounterpartyNetworkID(_ context.Context, chain string, nid relay.NetworkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counterparty[strings.ToLower(chain)] = nid
	return nil
}

func (s *Store) RouterAddress(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.router == "" {
		return "", storage.ErrNotFound
	}
	return s.router, nil
}

func (s *Store) SetRouterAddress(_ context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router = addr
	return nil
}

func (s *Store) VerifierAddress(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.verifier == "" {
		return "", storage.ErrNotFound
	}
	return s.verifier, nil
}

func (s *Store) SetVerifierAddress(_ context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifier = addr
	return nil
}

// PendingPacketStore implementation -------------------------------------------

func (s *Store) CreatePendingPacket(_ context.Context, rec relay.PendingPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key()
	if _, exists := s.pending[key]; exists {
		return storage.ErrAlreadyExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.pending[key] = rec
	return nil
}

func (s *Store) GetPendingPacket(_ context.Context, channelID string, sequence uint64) (relay.PendingPacket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.pending[relay.PacketKey{ChannelID: channelID, Sequence: sequence}]
	if !ok {
		return relay.PendingPacket{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Store) DeletePendingPacket(_ context.Context, channelID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := relay.PacketKey{ChannelID: channelID, Sequence: sequence}
	if _, ok := s.pending[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.pending, key)
	return nil
}

// ListPendingPackets returns the pending packets of one channel, or of every channel when
// channelID is empty, ordered by channel then sequence.
func (s *Store) ListPendingPackets(_ context.Context, channelID string) ([]relay.PendingPacket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []relay.PendingPacket
	for key, rec := range s.pending {
		if channelID != "" && key.ChannelID != channelID {
			continue
		}
		out = append(out, rec)
	}
	sortPending(out)
	return out, nil
}

// OutgoingMessageStore implementation -----------------------------------------

func (s *Store) SaveOutgoingMessage(_ context.Context, msg relay.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outgoing[msg.CCID] = msg
	return nil
}

func (s *Store) GetOutgoingMessage(_ context.Context, id relay.CrossChainID) (relay.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.outgoing[id]
	if !ok {
		return relay.Message{}, storage.ErrNotFound
	}
	return msg, nil
}

// Atomic runs fn against a transaction that buffers its writes and applies them only when fn
// succeeds. Writes made directly on the Store while fn runs are never undone. Atomic calls are
// serialized with each other.
func (s *Store) Atomic(_ context.Context, fn func(tx storage.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := newTxn(s)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func sortPending(out []relay.PendingPacket) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].Sequence < out[j].Sequence
	})
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
