package chainsync

import (
	"math/rand"
	"time"
)

type Rand interface {
	Intn(n int) int
}

// Check outcomes the planner schedules on.
const (
	OutcomeConfirmed = "CONFIRMED"
	OutcomeMismatch  = "MISMATCH"
	OutcomeUnknown   = "UNKNOWN"
)

type PlannerConfig struct {
	ConfirmedMinDelay time.Duration // default: 6 hours
	ConfirmedMaxDelay time.Duration // default: 6 hours

	MismatchDelay time.Duration // default: 1 minute
	UnknownDelay  time.Duration // default: 5 minutes

	Backoff1 time.Duration // default: 1 minute
	Backoff2 time.Duration // default: 5 minutes
	Backoff3 time.Duration // default: 15 minutes
	Backoff4 time.Duration // default: 60 minutes
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		ConfirmedMinDelay: 6 * time.Hour,
		ConfirmedMaxDelay: 6 * time.Hour,

		MismatchDelay: 1 * time.Minute,
		UnknownDelay:  5 * time.Minute,

		Backoff1: 1 * time.Minute,
		Backoff2: 5 * time.Minute,
		Backoff3: 15 * time.Minute,
		Backoff4: 60 * time.Minute,
	}
}

type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.ConfirmedMinDelay <= 0 {
		cfg.ConfirmedMinDelay = def.ConfirmedMinDelay
	}
	if cfg.ConfirmedMaxDelay <= 0 {
		cfg.ConfirmedMaxDelay = def.ConfirmedMaxDelay
	}
	if cfg.ConfirmedMaxDelay < cfg.ConfirmedMinDelay {
		cfg.ConfirmedMaxDelay = cfg.ConfirmedMinDelay
	}
	if cfg.MismatchDelay <= 0 {
		cfg.MismatchDelay = def.MismatchDelay
	}
	if cfg.UnknownDelay <= 0 {
		cfg.UnknownDelay = def.UnknownDelay
	}
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

// NextCheckDelay spreads confirmed shipments over [min, max] so they don't come due together.
func (p *Planner) NextCheckDelay(outcome string) time.Duration {
	switch outcome {
	case OutcomeConfirmed:
		min := p.cfg.ConfirmedMinDelay
		max := p.cfg.ConfirmedMaxDelay
		if max == min {
			return min
		}
		secMin := int(min.Seconds())
		secMax := int(max.Seconds())
		if secMax < secMin {
			secMax = secMin
		}
		return time.Duration(secMin+p.r.Intn(secMax-secMin+1)) * time.Second
	case OutcomeMismatch:
		return p.cfg.MismatchDelay
	default:
		return p.cfg.UnknownDelay
	}
}

func (p *Planner) BackoffDelay(nextFailCount int32) time.Duration {
	switch {
	case nextFailCount <= 1:
		return p.cfg.Backoff1
	case nextFailCount == 2:
		return p.cfg.Backoff2
	case nextFailCount == 3:
		return p.cfg.Backoff3
	default:
		return p.cfg.Backoff4
	}
}
