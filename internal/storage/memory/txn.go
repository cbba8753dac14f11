package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/storage"
)

// txn is the view handed to an Atomic callback. Reads fall through to the committed tables
// unless the transaction has written the key; writes stay in the overlay until commit.
type txn struct {
	base *Store

	configs      map[relay.NetworkID]relay.ChannelConfig
	counterparty map[string]relay.NetworkID
	router       *string
	verifier     *string
	// A nil entry marks a deleted packet.
	pending  map[relay.PacketKey]*relay.PendingPacket
	outgoing map[relay.CrossChainID]relay.Message
}

var _ storage.Store = (*txn)(nil)

func newTxn(base *Store) *txn {
	return &txn{
		base:         base,
		configs:      make(map[relay.NetworkID]relay.ChannelConfig),
		counterparty: make(map[string]relay.NetworkID),
		pending:      make(map[relay.PacketKey]*relay.PendingPacket),
		outgoing:     make(map[relay.CrossChainID]relay.Message),
	}
}

func (t *txn) GetChannelConfig(ctx context.Context, nid relay.NetworkID) (relay.ChannelConfig, error) {
	if cfg, ok := t.configs[nid]; ok {
		return cfg, nil
	}
	return t.base.GetChannelConfig(ctx, nid)
}

func (t *txn) PutChannelConfig(_ context.Context, cfg relay.ChannelConfig) error {
	t.configs[cfg.NetworkID] = cfg
	return nil
}

func (t *txn) ListChannelConfigs(ctx context.Context) ([]relay.ChannelConfig, error) {
	committed, err := t.base.ListChannelConfigs(ctx)
	if err != nil {
		return nil, err
	}
	merged := make(map[relay.NetworkID]relay.ChannelConfig, len(committed)+len(t.configs))
	for _, cfg := range committed {
		merged[cfg.NetworkID] = cfg
	}
	for nid, cfg := range t.configs {
		merged[nid] = cfg
	}
	out := make([]relay.ChannelConfig, 0, len(merged))
	for _, cfg := range merged {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetworkID < out[j].NetworkID })
	return out, nil
}

func (t *txn) CounterpartyNetworkID(ctx context.Context, chain string) (relay.NetworkID, error) {
	if nid, ok := t.counterparty[strings.ToLower(chain)]; ok {
		return nid, nil
	}
	return t.base.CounterpartyNetworkID(ctx, chain)
}

func (t *txn) SetCounterpartyNetworkID(_ context.Context, chain string, nid relay.NetworkID) error {
	t.counterparty[strings.ToLower(chain)] = nid
	return nil
}

func (t *txn) RouterAddress(ctx context.Context) (string, error) {
	if t.router == nil {
		return t.base.RouterAddress(ctx)
	}
	if *t.router == "" {
		return "", storage.ErrNotFound
	}
	return *t.router, nil
}

func (t *txn) SetRouterAddress(_ context.Context, addr string) error {
	t.router = &addr
	return nil
}

func (t *txn) VerifierAddress(ctx context.Context) (string, error) {
	if t.verifier == nil {
		return t.base.VerifierAddress(ctx)
	}
	if *t.verifier == "" {
		return "", storage.ErrNotFound
	}
	return *t.verifier, nil
}

func (t *txn) SetVerifierAddress(_ context.Context, addr string) error {
	t.verifier = &addr
	return nil
}

func (t *txn) CreatePendingPacket(ctx context.Context, rec relay.PendingPacket) error {
	if _, err := t.GetPendingPacket(ctx, rec.ChannelID, rec.Sequence); err == nil {
		return storage.ErrAlreadyExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	t.pending[rec.Key()] = &rec
	return nil
}

func (t *txn) GetPendingPacket(ctx context.Context, channelID string, sequence uint64) (relay.PendingPacket, error) {
	if rec, ok := t.pending[relay.PacketKey{ChannelID: channelID, Sequence: sequence}]; ok {
		if rec == nil {
			return relay.PendingPacket{}, storage.ErrNotFound
		}
		return *rec, nil
	}
	return t.base.GetPendingPacket(ctx, channelID, sequence)
}

func (t *txn) DeletePendingPacket(ctx context.Context, channelID string, sequence uint64) error {
	if _, err := t.GetPendingPacket(ctx, channelID, sequence); err != nil {
		return err
	}
	t.pending[relay.PacketKey{ChannelID: channelID, Sequence: sequence}] = nil
	return nil
}

func (t *txn) ListPendingPackets(ctx context.Context, channelID string) ([]relay.PendingPacket, error) {
	committed, err := t.base.ListPendingPackets(ctx, channelID)
	if err != nil {
		return nil, err
	}
	merged := make(map[relay.PacketKey]relay.PendingPacket, len(committed))
	for _, rec := range committed {
		merged[rec.Key()] = rec
	}
	for key, rec := range t.pending {
		if channelID != "" && key.ChannelID != channelID {
			continue
		}
		if rec == nil {
			delete(merged, key)
			continue
		}
		merged[key] = *rec
	}
	out := make([]relay.PendingPacket, 0, len(merged))
	for _, rec := range merged {
		out = append(out, rec)
	}
	sortPending(out)
	return out, nil
}

func (t *txn) SaveOutgoingMessage(_ context.Context, msg relay.Message) error {
	t.outgoing[msg.CCID] = msg
	return nil
}

func (t *txn) GetOutgoingMessage(ctx context.Context, id relay.CrossChainID) (relay.Message, error) {
	if msg, ok := t.outgoing[id]; ok {
		return msg, nil
	}
	return t.base.GetOutgoingMessage(ctx, id)
}

// Atomic nests: a failing fn discards only the writes it made itself.
func (t *txn) Atomic(_ context.Context, fn func(tx storage.Store) error) error {
	saved := *t
	saved.configs = cloneMap(t.configs)
	saved.counterparty = cloneMap(t.counterparty)
	saved.pending = cloneMap(t.pending)
	saved.outgoing = cloneMap(t.outgoing)

	if err := fn(t); err != nil {
		*t = saved
		return err
	}
	return nil
}

// commit applies the overlay to the committed tables in one step.
func (t *txn) commit() {
	s := t.base
	s.mu.Lock()
	defer s.mu.Unlock()

	for nid, cfg := range t.configs {
		s.configs[nid] = cfg
	}
	for chain, nid := range t.counterparty {
		s.counterparty[chain] = nid
	}
	if t.router != nil {
		s.router = *t.router
	}
	if t.verifier != nil {
		s.verifier = *t.verifier
	}
	for key, rec := range t.pending {
		if rec == nil {
			delete(s.pending, key)
			continue
		}
		s.pending[key] = *rec
	}
	for id, msg := range t.outgoing {
		s.outgoing[id] = msg
	}
}
