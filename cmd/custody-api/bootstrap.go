package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/CustodyBox/config"
	"github.com/BearBump/CustodyBox/internal/api/httpapi"
	"github.com/BearBump/CustodyBox/internal/api/scans_api"
	"github.com/BearBump/CustodyBox/internal/auth"
	"github.com/BearBump/CustodyBox/internal/broker/kafka"
	"github.com/BearBump/CustodyBox/internal/cache"
	"github.com/BearBump/CustodyBox/internal/cache/rediscache"
	"github.com/BearBump/CustodyBox/internal/custody"
	"github.com/BearBump/CustodyBox/internal/idgen"
	"github.com/BearBump/CustodyBox/internal/integrations/chain"
	"github.com/BearBump/CustodyBox/internal/integrations/chain/explorer"
	"github.com/BearBump/CustodyBox/internal/integrations/chain/fake"
	"github.com/BearBump/CustodyBox/internal/integrations/chain/rpcchain"
	"github.com/BearBump/CustodyBox/internal/integrations/notify"
	"github.com/BearBump/CustodyBox/internal/integrations/notify/kafkanotify"
	"github.com/BearBump/CustodyBox/internal/services/concerns"
	"github.com/BearBump/CustodyBox/internal/services/scans"
	"github.com/BearBump/CustodyBox/internal/services/shipments"
	"github.com/BearBump/CustodyBox/internal/storage/memcustody"
	"github.com/BearBump/CustodyBox/internal/storage/pgcustody"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

// store is everything the api needs from persistence; pgcustody and memcustody both fit.
type store interface {
	scans.Repository
	shipments.Repository
	concerns.Repository
	Ping(ctx context.Context) error
	Close()
}

type custodyAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   custodyAPIOpts

	api      *httpapi.API
	grpcAPI  *scans_api.ScansAPI
	authn    *auth.Authenticator
	db       store
	concerns *concerns.Service
	closers  []func()
}

func mustBootstrapCustodyAPI() *custodyAPIApp {
	fs := pflag.NewFlagSet("custody-api", pflag.ExitOnError)
	cfgPath := fs.String("config", os.Getenv("configPath"), "path to the YAML config")
	swaggerPath := fs.String("swagger", os.Getenv("swaggerPath"), "path to swagger.json")
	_ = fs.Parse(os.Args[1:])
	if *cfgPath == "" {
		panic("--config flag or configPath env var is required")
	}

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	app, err := buildCustodyAPI(cfg, defaultAPIFactories())
	if err != nil {
		panic(err)
	}
	app.opts.swaggerPath = *swaggerPath
	app.ctx, app.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return app
}

type apiFactories struct {
	newStore    func(cfg *config.Config) (store, error)
	newRedis    func(cfg *config.Config) *redis.Client
	newProducer func(cfg *config.Config) *kafka.Producer
}

func defaultAPIFactories() apiFactories {
	return apiFactories{
		newStore: func(cfg *config.Config) (store, error) {
			if cfg.Database.InMemory() {
				slog.Warn("using in-memory storage, data is lost on restart")
				return memcustody.New(), nil
			}
			return mustOpenPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second), nil
		},
		newRedis: func(cfg *config.Config) *redis.Client {
			if cfg.Redis.Addr() == "" {
				return nil
			}
			return redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
		},
		newProducer: func(cfg *config.Config) *kafka.Producer {
			if len(cfg.Kafka.Brokers()) == 0 {
				return nil
			}
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
	}
}

// newVerifier picks the chain verifier by mode and caches its answers when a cache is wired.
func newVerifier(cfg config.ChainConfig, c cache.BytesCache, ttl time.Duration) chain.Verifier {
	var v chain.Verifier
	switch cfg.Mode {
	case "rpc":
		v = rpcchain.New(cfg.BaseURL, cfg.APIKey)
	case "explorer":
		v = explorer.New(cfg.BaseURL, cfg.APIKey)
	default:
		v = fake.New()
	}
	if c == nil {
		return v
	}
	return chain.NewCached(v, c, ttl)
}

func buildCustodyAPI(cfg *config.Config, f apiFactories) (*custodyAPIApp, error) {
	c := cfg.Custody
	if c.GRPCAddr == "" {
		c.GRPCAddr = ":50051"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.JWTSecret == "" {
		return nil, fmt.Errorf("custody.jwt_secret is required")
	}
	if c.NodeID == 0 {
		c.NodeID = 1
	}
	chainTimeout := time.Duration(c.ChainTimeoutMs) * time.Millisecond
	if chainTimeout <= 0 {
		chainTimeout = 2 * time.Second
	}
	cacheTTL := time.Duration(c.ChainCacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	notifyTimeout := time.Duration(c.NotifyTimeoutMs) * time.Millisecond
	if notifyTimeout <= 0 {
		notifyTimeout = 5 * time.Second
	}
	scanTopic := cfg.Kafka.ScanAcceptedTopicName
	if scanTopic == "" {
		scanTopic = "custody.scan.accepted"
	}

	db, err := f.newStore(cfg)
	if err != nil {
		return nil, err
	}
	app := &custodyAPIApp{
		opts: custodyAPIOpts{grpcAddr: c.GRPCAddr, httpAddr: c.HTTPAddr},
		db:   db,
	}
	app.closers = append(app.closers, db.Close)

	ids, err := idgen.New(c.NodeID)
	if err != nil {
		db.Close()
		return nil, err
	}

	var (
		bytesCache cache.BytesCache
		limiter    cache.Limiter = cache.Unlimited{}
	)
	if rc := f.newRedis(cfg); rc != nil {
		bytesCache = rediscache.NewWithClient(rc)
		limiter = rediscache.NewRateLimiterWithClient(rc)
		app.closers = append(app.closers, func() { _ = rc.Close() })
	}

	var dispatcher notify.Dispatcher = notify.LogDispatcher{}
	var producer scans.Producer
	if p := f.newProducer(cfg); p != nil {
		producer = p
		dispatcher = kafkanotify.New(p, cfg.Kafka.ConcernRaisedTopicName)
		app.closers = append(app.closers, func() { _ = p.Close() })
	}

	app.concerns = concerns.New(db, dispatcher, notifyTimeout)

	sc := scans.New(db, ids).
		WithVerifier(newVerifier(cfg.Chain, bytesCache, cacheTTL), chainTimeout).
		WithRateLimit(limiter, int64(c.ScanRateLimitPerMinute)).
		WithConcerns(app.concerns).
		WithRejectionLogging(cfg.Ledger.PersistRejections).
		WithPolicy(custody.ShipmentUpdatePolicy{DeferOnTransporterScan: c.DeferShipmentStatusOnTransporterScan}).
		WithProduction(c.Production())
	if producer != nil {
		sc = sc.WithEvents(producer, scanTopic)
	}

	app.authn = auth.New(c.JWTSecret)
	app.api = httpapi.New(sc, shipments.New(db), app.concerns, c.Production())
	app.grpcAPI = scans_api.New(sc, c.Production())

	slog.Info("custody api configured",
		"grpc_addr", c.GRPCAddr,
		"http_addr", c.HTTPAddr,
		"chain_mode", cfg.Chain.Mode,
		"in_memory", cfg.Database.InMemory(),
		"persist_rejections", cfg.Ledger.PersistRejections,
	)
	return app, nil
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgcustody.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgcustody.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *custodyAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.concerns != nil {
		a.concerns.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *custodyAPIApp) Run() error {
	return runCustodyAPI(a.ctx, a.opts, a.handler(), a.grpcAPI, a.authn)
}

func (a *custodyAPIApp) handler() http.Handler {
	return a.api.Routes(httpapi.RouterOpts{Auth: a.authn, DB: a.db, SwaggerPath: a.opts.swaggerPath})
}
