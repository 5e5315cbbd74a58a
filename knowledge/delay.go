package knowledge

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/pilot/telemetry"
)

// Delay classification thresholds, in milliseconds.
const (
	SlowDelayMS = 3000
	FastDelayMS = 1000
)

// Variability band cutoffs on the coefficient of variation (stddev/avg).
const (
	lowVariabilityCV    = 0.15
	mediumVariabilityCV = 0.5
)

// SummarizeDelays computes the timing profile for a set of observed
// durations. The recommended wait is the average plus one standard
// deviation, so consumers that sleep for it land past most observed delays
// without waiting for the worst case.
func SummarizeDelays(durationsMS []float64) DelayIntelligence {
	n := len(durationsMS)
	if n == 0 {
		return DelayIntelligence{}
	}

	sorted := append([]float64(nil), durationsMS...)
	sort.Float64s(sorted)

	var sum float64
	for _, d := range sorted {
		sum += d
	}
	avg := sum / float64(n)

	var variance float64
	for _, d := range sorted {
		dev := d - avg
		variance += dev * dev
	}
	stddev := math.Sqrt(variance / float64(n))

	var median float64
	if n%2 == 1 {
		median = sorted[n/2]
	} else {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	variability := VariabilityHigh
	if avg > 0 {
		switch cv := stddev / avg; {
		case cv < lowVariabilityCV:
			variability = VariabilityLow
		case cv < mediumVariabilityCV:
			variability = VariabilityMedium
		}
	} else {
		variability = VariabilityLow
	}

	return DelayIntelligence{
		AverageDelayMS:    avg,
		MedianDelayMS:     median,
		MinDelayMS:        sorted[0],
		MaxDelayMS:        sorted[n-1],
		Variability:       variability,
		RecommendedWaitMS: avg + stddev,
		IsSlow:            avg > SlowDelayMS,
		IsFast:            avg < FastDelayMS,
		Confidence:        math.Min(1.0, 0.5+0.1*float64(n-1)),
		SampleCount:       n,
	}
}

// DelaySample is one observed duration attributed to a knowledge entity.
// Action samples carry ActionID and optionally the screen the action ran
// on; transition samples carry TransitionID.
type DelaySample struct {
	KnowledgeID  string  `json:"knowledge_id"`
	ActionID     string  `json:"action_id,omitempty"`
	ScreenID     string  `json:"screen_id,omitempty"`
	TransitionID string  `json:"transition_id,omitempty"`
	DurationMS   float64 `json:"duration_ms"`
	URLChanged   bool    `json:"url_changed"`
	DOMStable    bool    `json:"dom_stable"`
	NetworkIdle  bool    `json:"network_idle"`
}

type delayKey struct {
	knowledgeID string
	kind        string
	refID       string
	screenID    string
}

type delayWindow struct {
	durations []float64
	total     int
	dirty     bool
}

// DelayStore is the slice of the knowledge store the aggregator writes
// profiles through.
type DelayStore interface {
	Action(ctx context.Context, knowledgeID, actionID string) (*Action, error)
	PutActions(ctx context.Context, actions []*Action) error
	Transition(ctx context.Context, knowledgeID, transitionID string) (*Transition, error)
	PutTransitions(ctx context.Context, transitions []*Transition) error
}

// AggregatorOptions configures a delay Aggregator.
type AggregatorOptions struct {
	// Store receives flushed profiles. Nil disables persistence; samples
	// still aggregate in memory and are readable via Profile.
	Store DelayStore
	// FlushInterval is how often dirty profiles are written. Defaults to
	// 5s.
	FlushInterval time.Duration
	// MaxSamples bounds the per-key sample window. Defaults to 256.
	MaxSamples int
	// Buffer is the ingest channel capacity. Defaults to 1024.
	Buffer int
	// Logger reports flush failures. Defaults to a no-op logger.
	Logger telemetry.Logger
}

// Aggregator accumulates delay samples per entity and periodically writes
// the computed profiles onto the owning actions and transitions. Record
// never blocks: when the ingest buffer is full the sample is dropped and
// counted.
type Aggregator struct {
	store         DelayStore
	flushInterval time.Duration
	maxSamples    int
	log           telemetry.Logger

	in      chan DelaySample
	dropped atomic.Uint64

	mu      sync.Mutex
	windows map[delayKey]*delayWindow

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewAggregator starts the aggregation loop.
func NewAggregator(opts AggregatorOptions) *Aggregator {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 256
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	a := &Aggregator{
		store:         opts.Store,
		flushInterval: opts.FlushInterval,
		maxSamples:    opts.MaxSamples,
		log:           opts.Logger,
		in:            make(chan DelaySample, opts.Buffer),
		windows:       make(map[delayKey]*delayWindow),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go a.run()
	return a
}

// Record queues a sample for aggregation. Samples with no entity reference
// are ignored. Never blocks.
func (a *Aggregator) Record(s DelaySample) {
	if s.ActionID == "" && s.TransitionID == "" {
		return
	}
	select {
	case a.in <- s:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports how many samples were discarded because the ingest
// buffer was full.
func (a *Aggregator) Dropped() uint64 { return a.dropped.Load() }

// Profile returns the current merged profile for an action or transition,
// and whether any samples were recorded for it.
func (a *Aggregator) Profile(knowledgeID, refID string) (DelayIntelligence, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	durations, total := a.mergedLocked(knowledgeID, refID)
	if total == 0 {
		return DelayIntelligence{}, false
	}
	di := SummarizeDelays(durations)
	di.SampleCount = total
	return di, true
}

// Flush writes every dirty profile to the store. Profiles that fail to
// write stay dirty and are retried on the next flush.
func (a *Aggregator) Flush(ctx context.Context) error {
	if a.store == nil {
		return nil
	}

	type pending struct {
		knowledgeID string
		kind        string
		refID       string
		durations   []float64
		total       int
		keys        []delayKey
	}

	a.mu.Lock()
	merged := make(map[delayKey]*pending)
	for k, w := range a.windows {
		if !w.dirty {
			continue
		}
		mk := delayKey{knowledgeID: k.knowledgeID, kind: k.kind, refID: k.refID}
		p := merged[mk]
		if p == nil {
			p = &pending{knowledgeID: k.knowledgeID, kind: k.kind, refID: k.refID}
			merged[mk] = p
		}
		p.keys = append(p.keys, k)
	}
	// A dirty key merges with its clean siblings so the written profile
	// covers every screen the action was observed on.
	for mk, p := range merged {
		for k, w := range a.windows {
			if k.knowledgeID != mk.knowledgeID || k.kind != mk.kind || k.refID != mk.refID {
				continue
			}
			p.durations = append(p.durations, w.durations...)
			p.total += w.total
		}
	}
	a.mu.Unlock()

	var errs []error
	for _, p := range merged {
		di := SummarizeDelays(p.durations)
		di.SampleCount = p.total
		var err error
		switch p.kind {
		case "action":
			err = a.flushAction(ctx, p.knowledgeID, p.refID, di)
		case "transition":
			err = a.flushTransition(ctx, p.knowledgeID, p.refID, di)
		}
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		a.mu.Lock()
		for _, k := range p.keys {
			if w, ok := a.windows[k]; ok {
				w.dirty = false
			}
		}
		a.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Close stops the loop and performs a final flush.
func (a *Aggregator) Close() error {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.Flush(ctx)
}

func (a *Aggregator) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case s := <-a.in:
			a.ingest(s)
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.flushInterval)
			if err := a.Flush(ctx); err != nil {
				a.log.Warn(ctx, "delay flush failed", "error", err)
			}
			cancel()
		case <-a.stop:
			// Drain what Record already accepted.
			for {
				select {
				case s := <-a.in:
					a.ingest(s)
				default:
					return
				}
			}
		}
	}
}

func (a *Aggregator) ingest(s DelaySample) {
	k := delayKey{knowledgeID: s.KnowledgeID, kind: "action", refID: s.ActionID, screenID: s.ScreenID}
	if s.TransitionID != "" {
		k = delayKey{knowledgeID: s.KnowledgeID, kind: "transition", refID: s.TransitionID}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.windows[k]
	if w == nil {
		w = &delayWindow{}
		a.windows[k] = w
	}
	if len(w.durations) >= a.maxSamples {
		copy(w.durations, w.durations[1:])
		w.durations = w.durations[:len(w.durations)-1]
	}
	w.durations = append(w.durations, s.DurationMS)
	w.total++
	w.dirty = true
}

func (a *Aggregator) mergedLocked(knowledgeID, refID string) ([]float64, int) {
	var durations []float64
	var total int
	for k, w := range a.windows {
		if k.knowledgeID != knowledgeID || k.refID != refID {
			continue
		}
		durations = append(durations, w.durations...)
		total += w.total
	}
	return durations, total
}

func (a *Aggregator) flushAction(ctx context.Context, knowledgeID, actionID string, di DelayIntelligence) error {
	act, err := a.store.Action(ctx, knowledgeID, actionID)
	if err != nil {
		return err
	}
	act.DelayIntelligence = &di
	act.UpdatedAtMS = time.Now().UnixMilli()
	return a.store.PutActions(ctx, []*Action{act})
}

func (a *Aggregator) flushTransition(ctx context.Context, knowledgeID, transitionID string, di DelayIntelligence) error {
	tr, err := a.store.Transition(ctx, knowledgeID, transitionID)
	if err != nil {
		return err
	}
	tr.DelayIntelligence = &di
	tr.UpdatedAtMS = time.Now().UnixMilli()
	return a.store.PutTransitions(ctx, []*Transition{tr})
}
