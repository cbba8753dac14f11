package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/storage"
)

const (
	settingRouter   = "router_address"
	settingVerifier = "verifier_address"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
	q  sqlx.ExtContext
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, q: db}
}

// Open connects to PostgreSQL with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

// Atomic runs fn inside a database transaction. Nested calls reuse the open transaction.
func (s *Store) Atomic(ctx context.Context, fn func(tx storage.Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Store{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- ConfigStore ---------------------------------------------------------------

type channelConfigRow struct {
	NetworkID     string `db:"nid"`
	ConnectionID  string `db:"connection_id"`
	SrcPort       string `db:"src_port_id"`
	SrcChannel    string `db:"src_channel_id"`
	DstPort       string `db:"dst_port_id"`
	DstChannel    string `db:"dst_channel_id"`
	ClientID      string `db:"client_id"`
	TimeoutHeight int64  `db:"timeout_height"`
}

func (r channelConfigRow) toDomain() relay.ChannelConfig {
	return relay.ChannelConfig{
		NetworkID:     relay.NetworkID(r.NetworkID),
		ConnectionID:  r.ConnectionID,
		Src:           relay.Endpoint{PortID: r.SrcPort, ChannelID: r.SrcChannel},
		Dst:           relay.Endpoint{PortID: r.DstPort, ChannelID: r.DstChannel},
		ClientID:      r.ClientID,
		TimeoutHeight: uint64(r.TimeoutHeight),
	}
}

const selectChannelConfig = `
	SELECT nid, connection_id, src_port_id, src_channel_id, dst_port_id, dst_channel_id, client_id, timeout_height
	FROM gateway_channel_configs`

func (s *Store) GetChannelConfig(ctx context.Context, nid relay.NetworkID) (relay.ChannelConfig, error) {
	var row channelConfigRow
	err := sqlx.GetContext(ctx, s.q, &row, selectChannelConfig+` WHERE nid = $1`, string(nid))
	if err != nil {
		return relay.ChannelConfig{}, notFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) PutChannelConfig(ctx context.Context, cfg relay.ChannelConfig) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO gateway_channel_configs
			(nid, connection_id, src_port_id, src_channel_id, dst_port_id, dst_channel_id, client_id, timeout_height, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (nid) DO UPDATE SET
			connection_id = EXCLUDED.connection_id,
			src_port_id = EXCLUDED.src_port_id,
			src_channel_id = EXCLUDED.src_channel_id,
			dst_port_id = EXCLUDED.dst_port_id,
			dst_channel_id = EXCLUDED.dst_channel_id,
			client_id = EXCLUDED.client_id,
			timeout_height = EXCLUDED.timeout_height,
			updated_at = EXCLUDED.updated_at
	`, string(cfg.NetworkID), cfg.ConnectionID, cfg.Src.PortID, cfg.Src.ChannelID,
		cfg.Dst.PortID, cfg.Dst.ChannelID, cfg.ClientID, int64(cfg.TimeoutHeight), time.Now().UTC())
	return err
}

func (s *Store) ListChannelConfigs(ctx context.Context) ([]relay.ChannelConfig, error) {
	var rows []channelConfigRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, selectChannelConfig+` ORDER BY nid`); err != nil {
		return nil, err
	}
	out := make([]relay.ChannelConfig, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *Store) CounterpartyNetworkID(ctx context.Context, chain string) (relay.NetworkID, error) {
	var nid string
	err := sqlx.GetContext(ctx, s.q, &nid, `
		SELECT nid FROM gateway_counterparties WHERE chain = $1
	`, strings.ToLower(chain))
	if err != nil {
		return "", notFound(err)
	}
	return relay.NetworkID(nid), nil
}

func (s *Store) SetCounterpartyNetworkID(ctx context.Context, chain string, nid relay.NetworkID) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO gateway_counterparties (chain, nid)
		VALUES ($1, $2)
		ON CONFLICT (chain) DO UPDATE SET nid = EXCLUDED.nid
	`, strings.ToLower(chain), string(nid))
	return err
}

func (s *Store) RouterAddress(ctx context.Context) (string, error) {
	return s.setting(ctx, settingRouter)
}

func (s *Store) SetRouterAddress(ctx context.Context, addr string) error {
	return s.setSetting(ctx, settingRouter, addr)
}

func (s *Store) VerifierAddress(ctx context.Context) (string, error) {
	return s.setting(ctx, settingVerifier)
}

func (s *Store) SetVerifierAddress(ctx context.Context, addr string) error {
	return s.setSetting(ctx, settingVerifier, addr)
}

func (s *Store) setting(ctx context.Context, key string) (string, error) {
	var value string
	err := sqlx.GetContext(ctx, s.q, &value, `SELECT value FROM gateway_settings WHERE key = $1`, key)
	if err != nil {
		return "", notFound(err)
	}
	return value, nil
}

func (s *Store) setSetting(ctx context.Context, key, value string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO gateway_settings (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}

// --- PendingPacketStore --------------------------------------------------------

type pendingPacketRow struct {
	ChannelID string    `db:"channel_id"`
	Sequence  int64     `db:"sequence"`
	CCChain   string    `db:"cc_chain"`
	CCID      string    `db:"cc_id"`
	Packet    []byte    `db:"packet"`
	CreatedAt time.Time `db:"created_at"`
}

func (r pendingPacketRow) toDomain() (relay.PendingPacket, error) {
	rec := relay.PendingPacket{
		ChannelID: r.ChannelID,
		Sequence:  uint64(r.Sequence),
		CCID:      relay.CrossChainID{Chain: r.CCChain, ID: r.CCID},
		CreatedAt: r.CreatedAt,
	}
	if err := json.Unmarshal(r.Packet, &rec.Packet); err != nil {
		return relay.PendingPacket{}, fmt.Errorf("decode pending packet %s/%d: %w", r.ChannelID, r.Sequence, err)
	}
	return rec, nil
}

func (s *Store) CreatePendingPacket(ctx context.Context, rec relay.PendingPacket) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	packetJSON, err := json.Marshal(rec.Packet)
	if err != nil {
		return err
	}

	result, err := s.q.ExecContext(ctx, `
		INSERT INTO gateway_pending_packets (channel_id, sequence, cc_chain, cc_id, packet, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_id, sequence) DO NOTHING
	`, rec.ChannelID, int64(rec.Sequence), rec.CCID.Chain, rec.CCID.ID, packetJSON, rec.CreatedAt)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

const selectPendingPacket = `
	SELECT channel_id, sequence, cc_chain, cc_id, packet, created_at
	FROM gateway_pending_packets`

func (s *Store) GetPendingPacket(ctx context.Context, channelID string, sequence uint64) (relay.PendingPacket, error) {
	var row pendingPacketRow
	err := sqlx.GetContext(ctx, s.q, &row, selectPendingPacket+`
		WHERE channel_id = $1 AND sequence = $2`, channelID, int64(sequence))
	if err != nil {
		return relay.PendingPacket{}, notFound(err)
	}
	return row.toDomain()
}

func (s *Store) DeletePendingPacket(ctx context.Context, channelID string, sequence uint64) error {
	result, err := s.q.ExecContext(ctx, `
		DELETE FROM gateway_pending_packets WHERE channel_id = $1 AND sequence = $2
	`, channelID, int64(sequence))
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListPendingPackets(ctx context.Context, channelID string) ([]relay.PendingPacket, error) {
	var (
		rows []pendingPacketRow
		err  error
	)
	if channelID == "" {
		err = sqlx.SelectContext(ctx, s.q, &rows, selectPendingPacket+` ORDER BY channel_id, sequence`)
	} else {
		err = sqlx.SelectContext(ctx, s.q, &rows, selectPendingPacket+`
			WHERE channel_id = $1 ORDER BY sequence`, channelID)
	}
	if err != nil {
		return nil, err
	}

	out := make([]relay.PendingPacket, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// --- OutgoingMessageStore ------------------------------------------------------

func (s *Store) SaveOutgoingMessage(ctx context.Context, msg relay.Message) error {
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO gateway_outgoing_messages (cc_chain, cc_id, message, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cc_chain, cc_id) DO UPDATE SET message = EXCLUDED.message
	`, msg.CCID.Chain, msg.CCID.ID, msgJSON, time.Now().UTC())
	return err
}

func (s *Store) GetOutgoingMessage(ctx context.Context, id relay.CrossChainID) (relay.Message, error) {
	var raw []byte
	err := sqlx.GetContext(ctx, s.q, &raw, `
		SELECT message FROM gateway_outgoing_messages WHERE cc_chain = $1 AND cc_id = $2
	`, id.Chain, id.ID)
	if err != nil {
		return relay.Message{}, notFound(err)
	}
	var msg relay.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return relay.Message{}, fmt.Errorf("decode outgoing message %s: %w", id, err)
	}
	return msg, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}
