package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/CustodyBox/config"
	"github.com/BearBump/CustodyBox/internal/broker/kafka"
	"github.com/BearBump/CustodyBox/internal/cache/rediscache"
	"github.com/BearBump/CustodyBox/internal/integrations/chain"
	"github.com/BearBump/CustodyBox/internal/integrations/chain/explorer"
	"github.com/BearBump/CustodyBox/internal/integrations/chain/fake"
	"github.com/BearBump/CustodyBox/internal/integrations/chain/rpcchain"
	"github.com/BearBump/CustodyBox/internal/integrations/notify/mailnotify"
	"github.com/BearBump/CustodyBox/internal/services/chainsync"
	"github.com/BearBump/CustodyBox/internal/services/concerns"
	"github.com/BearBump/CustodyBox/internal/services/notifier"
	"github.com/BearBump/CustodyBox/internal/storage/memcustody"
	"github.com/BearBump/CustodyBox/internal/storage/pgcustody"
	"golang.org/x/sync/errgroup"
)

type workerStore interface {
	chainsync.Repository
	concerns.Repository
}

type concernConsumer interface {
	Consume(ctx context.Context, h kafka.ConcernHandler) error
}

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo workerStore, closeFn func(), err error)
	newProducer    func(cfg *config.Config) chainsync.Producer
	newRateLimiter func(cfg *config.Config) chainsync.RateLimiter
	newVerifier    func(cfg *config.Config) chain.Verifier
	newConsumer    func(cfg *config.Config, topic, group string) (concernConsumer, func())
	newSender      func(cfg *config.Config) notifier.Sender
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerStore, func(), error) {
			if cfg.Database.InMemory() {
				st := memcustody.New()
				return st, st.Close, nil
			}
			st, err := pgcustody.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) chainsync.Producer {
			if len(cfg.Kafka.Brokers()) == 0 {
				return nil
			}
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
		newRateLimiter: func(cfg *config.Config) chainsync.RateLimiter {
			if cfg.Redis.Addr() == "" {
				return nil
			}
			return rediscache.NewRateLimiter(cfg.Redis.Addr())
		},
		newVerifier: func(cfg *config.Config) chain.Verifier {
			switch cfg.Chain.Mode {
			case "rpc":
				return rpcchain.New(cfg.Chain.BaseURL, cfg.Chain.APIKey)
			case "explorer":
				return explorer.New(cfg.Chain.BaseURL, cfg.Chain.APIKey)
			default:
				return fake.New()
			}
		},
		newConsumer: func(cfg *config.Config, topic, group string) (concernConsumer, func()) {
			if len(cfg.Kafka.Brokers()) == 0 {
				return nil, nil
			}
			c := kafka.NewConcernConsumer(cfg.Kafka.Brokers(), topic, group)
			return c, func() { _ = c.Close() }
		},
		newSender: func(cfg *config.Config) notifier.Sender {
			return mailnotify.New(mailnotify.Config{
				Host:       cfg.Mail.SMTPHost,
				Port:       cfg.Mail.SMTPPort,
				Username:   cfg.Mail.SMTPUser,
				Password:   cfg.Mail.SMTPPassword,
				From:       cfg.Mail.From,
				Recipients: cfg.Mail.Recipients,
			})
		},
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func plannerConfig(w config.WorkerConfig) chainsync.PlannerConfig {
	return chainsync.PlannerConfig{
		ConfirmedMinDelay: seconds(w.NextCheckConfirmedMinSeconds),
		ConfirmedMaxDelay: seconds(w.NextCheckConfirmedMaxSeconds),
		MismatchDelay:     seconds(w.NextCheckMismatchSeconds),
		UnknownDelay:      seconds(w.NextCheckUnknownSeconds),
		Backoff1:          seconds(w.Backoff1Seconds),
		Backoff2:          seconds(w.Backoff2Seconds),
		Backoff3:          seconds(w.Backoff3Seconds),
		Backoff4:          seconds(w.Backoff4Seconds),
	}
}

// RunCustodyWorker runs the chain sweep, the concern notifier and the ops server until ctx ends.
func RunCustodyWorker(ctx context.Context, cfg *config.Config, swaggerPath string, f workerFactories) error {
	w := cfg.Worker
	pollInterval := seconds(w.PollIntervalSeconds)
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	batchSize := w.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	lease := seconds(w.LeaseSeconds)
	if lease <= 0 {
		lease = 120 * time.Second
	}
	rlPerMin := int64(w.RateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 60
	}
	chainTopic := cfg.Kafka.ChainCheckedTopicName
	if chainTopic == "" {
		chainTopic = "custody.chain.checked"
	}
	concernTopic := cfg.Kafka.ConcernRaisedTopicName
	if concernTopic == "" {
		concernTopic = "custody.concern.raised"
	}
	group := w.ConsumerGroup
	if group == "" {
		group = "custody-worker"
	}
	chainTimeout := time.Duration(cfg.Custody.ChainTimeoutMs) * time.Millisecond
	notifyTimeout := time.Duration(cfg.Custody.NotifyTimeoutMs) * time.Millisecond

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	sweeper := chainsync.New(repo, f.newVerifier(cfg), f.newProducer(cfg), f.newRateLimiter(cfg), chainTopic).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin).
		WithCallTimeout(chainTimeout).
		WithPlanner(plannerConfig(w))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chain sweep started", "poll_interval", pollInterval.String(), "batch_size", batchSize)
		return sweeper.Run(gctx)
	})

	consumer, closeConsumer := f.newConsumer(cfg, concernTopic, group)
	if consumer != nil {
		if closeConsumer != nil {
			defer closeConsumer()
		}
		h := notifier.New(f.newSender(cfg), concerns.New(repo, nil, 0), notifyTimeout)
		g.Go(func() error {
			slog.Info("kafka consumer started", "topic", concernTopic, "group", group)
			return consumer.Consume(gctx, h.Handle)
		})
	} else {
		slog.Warn("kafka is not configured, concern notifications are disabled")
	}

	if swaggerPath != "" || w.HTTPAddr != "" {
		g.Go(func() error {
			return runWorkerHTTPServer(gctx, workerHTTPOpts{
				httpAddr:    w.HTTPAddr,
				swaggerPath: swaggerPath,
				sweeper:     sweeper,
				cfg:         cfg,
			})
		})
	}

	return g.Wait()
}
