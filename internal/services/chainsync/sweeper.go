// Package chainsync periodically corroborates locked shipments against the chain verifier.
package chainsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/CustodyBox/internal/broker/messages"
	"github.com/BearBump/CustodyBox/internal/cache/rediscache"
	"github.com/BearBump/CustodyBox/internal/integrations/chain"
	"github.com/BearBump/CustodyBox/internal/metrics"
	"github.com/BearBump/CustodyBox/internal/models"
	"github.com/BearBump/CustodyBox/internal/storage"
	"github.com/pkg/errors"
)

type Repository interface {
	ClaimDueChainChecks(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error)
	ApplyChainCheck(ctx context.Context, chk storage.ChainCheck) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Sweeper struct {
	repo     Repository
	verifier chain.Verifier
	producer Producer
	rl       RateLimiter

	topic string

	planner *Planner

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	callTimeout        time.Duration
	rateLimitPerMinute int64

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalMismatches     atomic.Int64
	totalThrottled      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

// New builds a sweeper; producer and rl may be nil.
func New(repo Repository, verifier chain.Verifier, producer Producer, rl RateLimiter, topic string) *Sweeper {
	return &Sweeper{
		repo: repo, verifier: verifier, producer: producer, rl: rl, topic: topic,
		planner:            NewPlanner(DefaultPlannerConfig(), nil),
		pollInterval:       5 * time.Second,
		batchSize:          50,
		concurrency:        4,
		lease:              120 * time.Second,
		callTimeout:        5 * time.Second,
		rateLimitPerMinute: 60,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (s *Sweeper) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Sweeper {
	if pollInterval > 0 {
		s.pollInterval = pollInterval
	}
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	if concurrency > 0 {
		s.concurrency = concurrency
	}
	if lease > 0 {
		s.lease = lease
	}
	if rlPerMin > 0 {
		s.rateLimitPerMinute = rlPerMin
	}
	return s
}

func (s *Sweeper) WithCallTimeout(d time.Duration) *Sweeper {
	if d > 0 {
		s.callTimeout = d
	}
	return s
}

func (s *Sweeper) WithPlanner(cfg PlannerConfig) *Sweeper {
	s.planner = NewPlanner(cfg, nil)
	return s
}

// Trigger forces an immediate sweep cycle (best-effort, non-blocking).
func (s *Sweeper) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt       time.Time  `json:"startedAt"`
	LastCycleAt     *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt   *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed    int64      `json:"totalClaimed"`
	TotalProcessed  int64      `json:"totalProcessed"`
	TotalMismatches int64      `json:"totalMismatches"`
	TotalThrottled  int64      `json:"totalThrottled"`
	TotalErrors     int64      `json:"totalErrors"`
	InFlight        int64      `json:"inFlight"`
	LastError       string     `json:"lastError,omitempty"`
}

func (s *Sweeper) Stats() Stats {
	st := Stats{
		StartedAt:       time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalClaimed:    s.totalClaimed.Load(),
		TotalProcessed:  s.totalProcessed.Load(),
		TotalMismatches: s.totalMismatches.Load(),
		TotalThrottled:  s.totalThrottled.Load(),
		TotalErrors:     s.totalErrors.Load(),
		InFlight:        s.inFlight.Load(),
	}
	if n := s.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Sweeper) setLastError(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	s.lastCycleUnixNano.Store(now.UnixNano())

	items, err := s.repo.ClaimDueChainChecks(ctx, now, s.batchSize, s.lease)
	if err != nil {
		slog.Error("claim due chain checks", "error", err.Error())
		metrics.OperationErrorsTotal.WithLabelValues("claim_chain_checks").Inc()
		s.setLastError(err)
		return
	}
	s.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, sh := range items {
		sem <- struct{}{}
		wg.Add(1)
		s.inFlight.Add(1)
		go func(sh *models.Shipment) {
			defer func() {
				s.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := s.processOne(ctx, sh); err != nil {
				s.totalErrors.Add(1)
				s.setLastError(err)
				slog.Error("process chain check", "shipment_hash", sh.ShipmentHash, "error", err.Error())
			}
			s.totalProcessed.Add(1)
		}(sh)
	}
	wg.Wait()
}

// mismatch reports whether the chain disagrees with a locally locked shipment.
func mismatch(local *models.Shipment, st chain.ShipmentState) bool {
	if !st.IsLocked {
		return true
	}
	return st.TxHash != "" && local.TxHash != nil && !strings.EqualFold(st.TxHash, *local.TxHash)
}

func (s *Sweeper) processOne(ctx context.Context, sh *models.Shipment) error {
	now := time.Now().UTC()

	if s.rl != nil && s.rateLimitPerMinute > 0 {
		allowed, n, err := s.rl.Allow(ctx, rediscache.ChainRateKey, s.rateLimitPerMinute, time.Minute)
		if err != nil {
			return err
		}
		if !allowed {
			// Лимит исчерпан: не трогаем запись, она снова станет due после истечения lease.
			s.totalThrottled.Add(1)
			slog.Warn("chain rate limit exceeded", "shipment_hash", sh.ShipmentHash, "count", n)
			return nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	st, err := s.verifier.GetShipment(callCtx, sh.ShipmentHash)
	cancel()

	chk := storage.ChainCheck{ShipmentHash: sh.ShipmentHash, CheckedAt: now}
	msg := messages.ChainChecked{ShipmentHash: sh.ShipmentHash, CheckedAt: now}

	switch {
	case err != nil && !errors.Is(err, chain.ErrNotFound):
		e := err.Error()
		chk.Error = &e
		chk.NextCheckAt = now.Add(s.planner.BackoffDelay(sh.ChainFailCount + 1))
		msg.Error = &e
		metrics.ChainChecksTotal.WithLabelValues("error").Inc()
	default:
		if errors.Is(err, chain.ErrNotFound) {
			st = chain.ShipmentState{Status: chain.StatusUnknown}
		}
		outcome := OutcomeConfirmed
		if mismatch(sh, st) {
			outcome = OutcomeMismatch
			if st.Status == chain.StatusUnknown {
				outcome = OutcomeUnknown
			}
			s.totalMismatches.Add(1)
			msg.Mismatch = true
			slog.Warn("chain disagrees with local lock", "shipment_hash", sh.ShipmentHash, "chain_status", st.Status)
			metrics.ChainChecksTotal.WithLabelValues("mismatch").Inc()
		} else {
			metrics.ChainChecksTotal.WithLabelValues("ok").Inc()
		}
		locked := st.IsLocked
		chk.Status = st.Status
		chk.Locked = &locked
		chk.NextCheckAt = now.Add(s.planner.NextCheckDelay(outcome))
		msg.ChainStatus = st.Status
		msg.ChainLocked = &locked
		msg.BlockNumber = st.BlockNumber
	}
	msg.NextCheckAt = chk.NextCheckAt

	if err := s.repo.ApplyChainCheck(ctx, chk); err != nil {
		return errors.Wrap(err, "apply chain check")
	}

	if s.producer == nil || s.topic == "" {
		return nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal kafka msg")
	}
	// Kafka может быть не готова сразу после старта docker compose: пара повторов.
	var pubErr error
	for i := 0; i < 3; i++ {
		if pubErr = s.producer.Publish(ctx, s.topic, []byte(sh.ShipmentHash), b); pubErr == nil {
			return nil
		}
		time.Sleep(time.Duration(150*(i+1)) * time.Millisecond)
	}
	return pubErr
}
