package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"

	"github.com/R3E-Network/relay_gateway/internal/app/httpapi"
	"github.com/R3E-Network/relay_gateway/internal/app/metrics"
	"github.com/R3E-Network/relay_gateway/internal/app/system"
	"github.com/R3E-Network/relay_gateway/internal/config"
	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/events"
	"github.com/R3E-Network/relay_gateway/internal/gateway"
	memhost "github.com/R3E-Network/relay_gateway/internal/host/memory"
	"github.com/R3E-Network/relay_gateway/internal/host/rpc"
	"github.com/R3E-Network/relay_gateway/internal/platform/migrations"
	"github.com/R3E-Network/relay_gateway/internal/storage"
	"github.com/R3E-Network/relay_gateway/internal/storage/cache"
	"github.com/R3E-Network/relay_gateway/internal/storage/memory"
	"github.com/R3E-Network/relay_gateway/internal/storage/postgres"
	"github.com/R3E-Network/relay_gateway/internal/storage/redislock"
	"github.com/R3E-Network/relay_gateway/pkg/logger"
)

// host is what the gateway needs from a transport host.
type host interface {
	gateway.TransportHost
	gateway.Executor
}

// Application ties the gateway to its storage, transport, HTTP surface and background jobs.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	closers []io.Closer

	Store   storage.Store
	Host    gateway.TransportHost
	Gateway *gateway.Gateway
	Journal *events.RingBuffer
	API     *httpapi.API
	Janitor *Janitor
}

// New builds the application described by cfg. Nothing is started until Start.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *Application, err error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	a := &Application{manager: system.NewManager(), log: log}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.closeAll())
		}
	}()

	base, err := a.openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	store, err := cache.New(base, cfg.Storage.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("config cache: %w", err)
	}
	a.Store = store

	h, err := openHost(cfg.Host)
	if err != nil {
		return nil, err
	}
	a.Host = h

	a.Journal = events.NewRingBuffer(cfg.Events.BufferSize)
	opts := []gateway.Option{
		gateway.WithLogger(log.Named("gateway")),
		gateway.WithPacketTimeout(cfg.Gateway.PacketTimeout),
		gateway.WithHooks(gateway.CombineHooks(a.Journal.Hooks(), metrics.Hooks())),
	}
	if cfg.Lock.Driver == config.LockRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr})
		a.closers = append(a.closers, client)
		opts = append(opts, gateway.WithSerializer(redislock.New(client, redislock.Config{
			Key: cfg.Lock.Key,
			TTL: cfg.Lock.TTL,
		})))
	}
	a.Gateway = gateway.New(store, h, h, opts...)

	if err := Seed(ctx, store, cfg.Gateway); err != nil {
		return nil, err
	}

	api, err := httpapi.New(httpapi.Deps{
		Gateway:    a.Gateway,
		Store:      store,
		Host:       h,
		Journal:    a.Journal,
		Log:        log.Named("httpapi"),
		AdminToken: cfg.Server.AdminToken,
		HostToken:  cfg.Server.HostToken,
		RateLimit:  cfg.Server.RateLimit,
		RateBurst:  cfg.Server.RateBurst,
		AuditPath:  cfg.Server.AuditPath,
	})
	if err != nil {
		return nil, err
	}
	a.API = api
	a.closers = append(a.closers, api)

	a.Janitor = NewJanitor(store, h, cfg.Janitor.Schedule, cfg.Janitor.StaleAfter, log.Named("janitor"))
	a.Janitor.Also(func() { api.Sweep(10 * time.Minute) })

	services := []system.Service{
		a.Janitor,
		newHTTPService(cfg.Server.Addr, api.Handler(), cfg.Server.ShutdownTimeout, log.Named("http")),
	}
	for _, svc := range services {
		if err := a.manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}
	return a, nil
}

func (a *Application) openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	if cfg.Driver != config.StoragePostgres {
		return memory.New(), nil
	}
	db, err := postgres.Open(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	a.closers = append(a.closers, db)
	if cfg.AutoMigrate {
		if err := migrations.Apply(ctx, db.DB); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	return postgres.New(db), nil
}

func openHost(cfg config.HostConfig) (host, error) {
	if cfg.Mode != config.HostRPC {
		return memhost.New(), nil
	}
	client, err := rpc.NewClient(rpc.Config{URL: cfg.URL, Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("rpc host: %w", err)
	}
	return client, nil
}

// Seed writes the configured connections, counterparties and addresses in one transaction.
func Seed(ctx context.Context, store storage.Store, cfg config.GatewayConfig) error {
	return store.Atomic(ctx, func(tx storage.Store) error {
		for _, conn := range cfg.Connections {
			if err := tx.PutChannelConfig(ctx, conn); err != nil {
				return fmt.Errorf("seed connection %s: %w", conn.NetworkID, err)
			}
		}
		for chain, nid := range cfg.Counterparties {
			if err := tx.SetCounterpartyNetworkID(ctx, chain, relay.NetworkID(nid)); err != nil {
				return fmt.Errorf("seed counterparty %s: %w", chain, err)
			}
		}
		if cfg.RouterAddress != "" {
			if err := tx.SetRouterAddress(ctx, cfg.RouterAddress); err != nil {
				return fmt.Errorf("seed router address: %w", err)
			}
		}
		if cfg.VerifierAddr != "" {
			if err := tx.SetVerifierAddress(ctx, cfg.VerifierAddr); err != nil {
				return fmt.Errorf("seed verifier address: %w", err)
			}
		}
		return nil
	})
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services and releases connections.
func (a *Application) Stop(ctx context.Context) error {
	return multierr.Append(a.manager.Stop(ctx), a.closeAll())
}

func (a *Application) closeAll() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errs
}

// httpService runs the API server as a managed service.
type httpService struct {
	addr            string
	handler         http.Handler
	shutdownTimeout time.Duration
	log             *logger.Logger

	srv  *http.Server
	done chan error
}

func newHTTPService(addr string, handler http.Handler, shutdownTimeout time.Duration, log *logger.Logger) *httpService {
	return &httpService{addr: addr, handler: handler, shutdownTimeout: shutdownTimeout, log: log}
}

func (s *httpService) Name() string { return "http" }

func (s *httpService) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan error, 1)
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("http server listening")
	return nil
}

func (s *httpService) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.done
}
