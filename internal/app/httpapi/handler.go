// Package httpapi exposes the gateway to relayers and operators over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/relay_gateway/internal/app/metrics"
	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/events"
	"github.com/R3E-Network/relay_gateway/internal/gateway"
	"github.com/R3E-Network/relay_gateway/internal/storage"
	"github.com/R3E-Network/relay_gateway/pkg/logger"
)

var (
	errUnauthorized = errors.New("unauthorized")
	errRateLimited  = errors.New("rate limit exceeded")
)

const (
	defaultListLimit = 100
	maxBodyBytes     = 4 << 20
	streamBuffer     = 64
	pingInterval     = 30 * time.Second
	writeWait        = 10 * time.Second
)

// Deps are the collaborators served by the API.
type Deps struct {
	Gateway *gateway.Gateway
	Store   storage.Store
	Host    gateway.TransportHost
	Journal *events.RingBuffer
	Log     *logger.Logger

	AdminToken string
	// HostToken authenticates the transport host on the packet lifecycle routes. The admin
	// token is accepted there as well.
	HostToken string

	RateLimit int
	RateBurst int
	AuditPath string
}

// API is the HTTP surface of one gateway.
type API struct {
	gw       *gateway.Gateway
	store    storage.Store
	host     gateway.TransportHost
	journal  *events.RingBuffer
	log      *logger.Logger
	changes  *changeLog
	limiter  *rateLimiter
	upgrader websocket.Upgrader
	router   *mux.Router
}

// New builds the API and its routes.
func New(d Deps) (*API, error) {
	if d.Log == nil {
		d.Log = logger.NewDefault("httpapi")
	}
	if d.Journal == nil {
		d.Journal = events.NewRingBuffer(0)
	}
	changes, err := openChangeLog(d.AuditPath, 0, d.Journal, d.Log)
	if err != nil {
		return nil, fmt.Errorf("open change log: %w", err)
	}

	a := &API{
		gw:      d.Gateway,
		store:   d.Store,
		host:    d.Host,
		journal: d.Journal,
		log:     d.Log,
		changes: changes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if d.RateLimit > 0 {
		a.limiter = newRateLimiter(d.RateLimit, d.RateBurst, d.Log)
	}
	a.routes(d.AdminToken, d.HostToken)
	return a, nil
}

func (a *API) routes(adminToken, hostToken string) {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, metrics.InstrumentHandler)
	if a.limiter != nil {
		r.Use(a.limiter.Handler)
	}

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	admin := tokenMiddleware(adminToken)
	host := tokenMiddleware(hostToken, adminToken)
	v1.Handle("/connections/{nid}", admin(http.HandlerFunc(a.putConnection))).Methods(http.MethodPut)
	v1.Handle("/counterparties/{chain}", admin(http.HandlerFunc(a.putCounterparty))).Methods(http.MethodPut)
	v1.Handle("/router", admin(http.HandlerFunc(a.putRouter))).Methods(http.MethodPut)
	v1.Handle("/verifier", admin(http.HandlerFunc(a.putVerifier))).Methods(http.MethodPut)
	v1.Handle("/audit", admin(http.HandlerFunc(a.listAudit))).Methods(http.MethodGet)

	v1.HandleFunc("/connections", a.listConnections).Methods(http.MethodGet)
	v1.HandleFunc("/connections/{nid}", a.getConnection).Methods(http.MethodGet)
	v1.HandleFunc("/counterparties/{chain}", a.getCounterparty).Methods(http.MethodGet)
	v1.HandleFunc("/channels/{channel}/timeout-height", a.getTimeoutHeight).Methods(http.MethodGet)

	v1.HandleFunc("/messages/route", a.routeOutgoing).Methods(http.MethodPost)
	v1.HandleFunc("/messages/route-verified", a.routeVerified).Methods(http.MethodPost)
	v1.HandleFunc("/messages/incoming", a.routeIncoming).Methods(http.MethodPost)
	v1.HandleFunc("/messages/verify", a.verify).Methods(http.MethodPost)

	v1.Handle("/packets/receive", host(http.HandlerFunc(a.receivePacket))).Methods(http.MethodPost)
	v1.Handle("/packets/ack", host(http.HandlerFunc(a.ackPacket))).Methods(http.MethodPost)
	v1.Handle("/packets/timeout", host(http.HandlerFunc(a.timeoutPacket))).Methods(http.MethodPost)
	v1.HandleFunc("/packets/pending", a.listPending).Methods(http.MethodGet)

	v1.HandleFunc("/events", a.listEvents).Methods(http.MethodGet)
	v1.HandleFunc("/events/stream", a.streamEvents).Methods(http.MethodGet)

	a.router = r
}

// Handler returns the root handler.
func (a *API) Handler() http.Handler {
	return a.router
}

// Sweep drops idle rate limiter state.
func (a *API) Sweep(idle time.Duration) {
	if a.limiter != nil {
		a.limiter.Cleanup(idle)
	}
}

// Close releases the change log file.
func (a *API) Close() error {
	return a.changes.Close()
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Connections -----------------------------------------------------------------

func (a *API) putConnection(w http.ResponseWriter, r *http.Request) {
	var cfg relay.ChannelConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	nid := relay.NetworkID(mux.Vars(r)["nid"])
	if cfg.NetworkID != "" && cfg.NetworkID != nid {
		writeError(w, http.StatusBadRequest, fmt.Errorf("body nid %q does not match path nid %q", cfg.NetworkID, nid))
		return
	}
	cfg.NetworkID = nid
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var before interface{}
	prev, err := a.store.GetChannelConfig(r.Context(), nid)
	switch {
	case err == nil:
		before = prev
	case !errors.Is(err, storage.ErrNotFound):
		a.fail(w, r, err)
		return
	}
	if err := a.store.PutChannelConfig(r.Context(), cfg); err != nil {
		a.fail(w, r, err)
		return
	}
	a.changes.record(r.Context(), r.RemoteAddr, resourceConnection, string(nid), before, cfg)
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) getConnection(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.store.GetChannelConfig(r.Context(), relay.NetworkID(mux.Vars(r)["nid"]))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) listConnections(w http.ResponseWriter, r *http.Request) {
	cfgs, err := a.store.ListChannelConfigs(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if cfgs == nil {
		cfgs = []relay.ChannelConfig{}
	}
	writeJSON(w, http.StatusOK, cfgs)
}

type counterpartyPayload struct {
	Chain     string          `json:"chain,omitempty"`
	NetworkID relay.NetworkID `json:"nid"`
}

func (a *API) putCounterparty(w http.ResponseWriter, r *http.Request) {
	var payload counterpartyPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	chain := mux.Vars(r)["chain"]
	if payload.NetworkID == "" {
		writeError(w, http.StatusBadRequest, errors.New("nid is required"))
		return
	}
	var before interface{}
	prev, err := a.store.CounterpartyNetworkID(r.Context(), chain)
	switch {
	case err == nil:
		before = prev
	case !errors.Is(err, storage.ErrNotFound):
		a.fail(w, r, err)
		return
	}
	if err := a.store.SetCounterpartyNetworkID(r.Context(), chain, payload.NetworkID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.changes.record(r.Context(), r.RemoteAddr, resourceCounterparty, strings.ToLower(chain), before, payload.NetworkID)
	writeJSON(w, http.StatusOK, counterpartyPayload{Chain: chain, NetworkID: payload.NetworkID})
}

func (a *API) getCounterparty(w http.ResponseWriter, r *http.Request) {
	chain := mux.Vars(r)["chain"]
	nid, err := a.store.CounterpartyNetworkID(r.Context(), chain)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counterpartyPayload{Chain: chain, NetworkID: nid})
}

func (a *API) getTimeoutHeight(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	height, err := a.host.CurrentTimeoutHeight(r.Context(), channel)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channel_id": channel, "height": height})
}

type addressPayload struct {
	Address string `json:"address"`
}

func (a *API) putRouter(w http.ResponseWriter, r *http.Request) {
	a.putAddress(w, r, resourceRouter, a.store.RouterAddress, a.store.SetRouterAddress)
}

func (a *API) putVerifier(w http.ResponseWriter, r *http.Request) {
	a.putAddress(w, r, resourceVerifier, a.store.VerifierAddress, a.store.SetVerifierAddress)
}

func (a *API) putAddress(w http.ResponseWriter, r *http.Request, resource string,
	get func(ctx context.Context) (string, error), set func(ctx context.Context, addr string) error) {
	var payload addressPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Address == "" {
		writeError(w, http.StatusBadRequest, errors.New("address is required"))
		return
	}
	var before interface{}
	prev, err := get(r.Context())
	switch {
	case err == nil:
		before = prev
	case !errors.Is(err, storage.ErrNotFound):
		a.fail(w, r, err)
		return
	}
	if err := set(r.Context(), payload.Address); err != nil {
		a.fail(w, r, err)
		return
	}
	a.changes.record(r.Context(), r.RemoteAddr, resource, resource, before, payload.Address)
	writeJSON(w, http.StatusOK, payload)
}

func (a *API) listAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.changes.last(queryInt(r, "limit", 0)))
}

// Messages ---------------------------------------------------------------------

type messagesPayload struct {
	Messages []relay.Message `json:"messages"`
}

type statusedPayload struct {
	Messages []relay.StatusedMessage `json:"messages"`
}

func (a *API) routeOutgoing(w http.ResponseWriter, r *http.Request) {
	var payload messagesPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.gw.RouteOutgoingMessages(r.Context(), payload.Messages)
	a.respond(w, r, resp, err)
}

func (a *API) routeIncoming(w http.ResponseWriter, r *http.Request) {
	var payload messagesPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	router, err := a.currentRouter(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	resp, err := a.gw.RouteIncomingMessages(r.Context(), router, payload.Messages)
	a.respond(w, r, resp, err)
}

func (a *API) routeVerified(w http.ResponseWriter, r *http.Request) {
	var payload statusedPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	router, err := a.currentRouter(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	resp, err := a.gw.RouteMessages(r.Context(), router, payload.Messages)
	a.respond(w, r, resp, err)
}

func (a *API) verify(w http.ResponseWriter, r *http.Request) {
	var payload statusedPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr, err := a.store.VerifierAddress(r.Context())
	if err != nil {
		a.fail(w, r, missingSetting(err, "verifier address"))
		return
	}
	resp, err := a.gw.VerifyMessages(r.Context(), gateway.Verifier{Address: addr}, payload.Messages)
	a.respond(w, r, resp, err)
}

func (a *API) currentRouter(r *http.Request) (gateway.Router, error) {
	addr, err := a.store.RouterAddress(r.Context())
	if err != nil {
		return gateway.Router{}, missingSetting(err, "router address")
	}
	return gateway.Router{Address: addr}, nil
}

func missingSetting(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", gateway.ErrConfigNotFound, what)
	}
	return err
}

// Packets ----------------------------------------------------------------------

type packetRef struct {
	ChannelID string `json:"channel_id"`
	Sequence  uint64 `json:"sequence"`
	Ack       []byte `json:"ack,omitempty"`
}

type receiveResponse struct {
	Ack    []byte          `json:"ack"`
	Calls  []gateway.Call  `json:"calls"`
	Events []gateway.Event `json:"events"`
}

func (a *API) receivePacket(w http.ResponseWriter, r *http.Request) {
	var packet relay.Packet
	if err := decodeJSON(r, &packet); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ack, resp, err := a.gw.OnPacketReceived(r.Context(), packet)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receiveResponse{Ack: ack, Calls: nonNilCalls(resp.Calls), Events: nonNilEvents(resp.Events)})
}

func (a *API) ackPacket(w http.ResponseWriter, r *http.Request) {
	var ref packetRef
	if err := decodeJSON(r, &ref); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if ref.ChannelID == "" {
		writeError(w, http.StatusBadRequest, errors.New("channel_id is required"))
		return
	}
	handle, err := a.gw.ResolveAck(r.Context(), ref.ChannelID, ref.Sequence, ref.Ack)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

func (a *API) timeoutPacket(w http.ResponseWriter, r *http.Request) {
	var ref packetRef
	if err := decodeJSON(r, &ref); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if ref.ChannelID == "" {
		writeError(w, http.StatusBadRequest, errors.New("channel_id is required"))
		return
	}
	rec, err := a.gw.ResolveTimeout(r.Context(), ref.ChannelID, ref.Sequence)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) listPending(w http.ResponseWriter, r *http.Request) {
	recs, err := a.store.ListPendingPackets(r.Context(), r.URL.Query().Get("channel"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []relay.PendingPacket{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// Events -----------------------------------------------------------------------

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(r, "limit", defaultListLimit)

	var entries []events.Entry
	switch {
	case q.Get("cc_id") != "":
		entries = a.journal.RecentByMessage(q.Get("cc_id"), limit)
	case q.Get("type") != "":
		entries = a.journal.RecentByType(events.Type(q.Get("type")), limit)
	default:
		entries = a.journal.Recent(limit)
	}
	if entries == nil {
		entries = []events.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		return
	}
	defer conn.Close()

	want := events.Type(r.URL.Query().Get("type"))
	entries := make(chan events.Entry, streamBuffer)
	unsubscribe := a.journal.SubscribeFiltered(
		func(e events.Entry) bool { return want == "" || e.Type == want },
		func(e events.Entry) {
			select {
			case entries <- e:
			default:
				a.log.WithField("remote", r.RemoteAddr).Warn("event stream subscriber too slow, dropping entry")
			}
		},
	)
	defer unsubscribe()

	// The read loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case e := <-entries:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Helpers ------------------------------------------------------------------------

func (a *API) respond(w http.ResponseWriter, r *http.Request, resp gateway.Response, err error) {
	if err != nil {
		a.fail(w, r, err)
		return
	}
	resp.Calls = nonNilCalls(resp.Calls)
	resp.Events = nonNilEvents(resp.Events)
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrDuplicateMessageIDs),
		errors.Is(err, gateway.ErrDecode),
		errors.Is(err, gateway.ErrInvalidMessage),
		errors.Is(err, gateway.ErrUnknownStatus),
		errors.Is(err, gateway.ErrInvalidTimeout):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrConfigNotFound),
		errors.Is(err, gateway.ErrUnknownPendingPacket),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrDirectivesFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func nonNilCalls(calls []gateway.Call) []gateway.Call {
	if calls == nil {
		return []gateway.Call{}
	}
	return calls
}

func nonNilEvents(evs []gateway.Event) []gateway.Event {
	if evs == nil {
		return []gateway.Event{}
	}
	return evs
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
