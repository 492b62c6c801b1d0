// Package scheduler implements the Poll Scheduler (C4, spec.md §4.4): the
// single long-running cyclic task that drives the RPC Client through the
// Adaptive Rate Controller, batching the registry's working set and handing
// each newly discovered signature to the classifier, ledger, and notifier.
//
// Grounded on the batching/backpressure shape of src/worker_pool.go, adapted
// from a fixed goroutine pool pulling off a channel to a scheduler that asks
// the rate controller for its batch size every cycle.
package scheduler

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/esharat1/esharar/internal/classifier"
	"github.com/esharat1/esharar/internal/domain"
	"github.com/esharat1/esharar/internal/ledger"
	"github.com/esharat1/esharar/internal/logging"
	"github.com/esharat1/esharar/internal/metrics"
	"github.com/esharat1/esharar/internal/notifier"
	"github.com/esharat1/esharar/internal/ratelimit"
	"github.com/esharat1/esharar/internal/registry"
)

const signaturesPerPoll = 15

// dustThresholdSettingKey is the persisted settings key for the minimum
// notification amount (spec.md §3: "mutable at runtime by an administrator
// and must survive restart").
const dustThresholdSettingKey = "min_notification_amount_sol"

// RPC is the narrow surface the scheduler needs from the RPC Client.
type RPC interface {
	GetSignaturesForAddress(ctx context.Context, account string, limit int) ([]domain.SignatureEntry, error)
	GetTransaction(ctx context.Context, signature string) (*domain.RawTransaction, error)
}

// Config carries the cycle tunables from spec.md §6. DustThresholdSOL is
// only the fallback used when the persisted setting can't be read (or has
// never been written) — the live value is re-read from the registry every
// cycle, see dustThresholdSettingKey.
type Config struct {
	PollingInterval  time.Duration
	BatchDelay       time.Duration
	DustThresholdSOL float64
}

func (c Config) withDefaults() Config {
	if c.PollingInterval <= 0 {
		c.PollingInterval = 5 * time.Second
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 2 * time.Second
	}
	return c
}

// Scheduler is the Poll Scheduler.
type Scheduler struct {
	cfg        Config
	registry   registry.Registry
	ledger     ledger.Ledger
	rpc        RPC
	controller *ratelimit.Controller
	router     *notifier.Router
	metrics    *metrics.Registry
	logger     zerolog.Logger

	alive chan struct{} // closed-and-replaced each cycle; supervisor watches this

	// dustThreshold is refreshed from the registry at the top of every
	// cycle (see refreshDustThreshold) and read by processSignature within
	// that same cycle. Only the cycle loop writes it, before any of the
	// cycle's per-signature goroutines start, so no additional
	// synchronization is needed.
	dustThreshold float64
}

// New creates a Scheduler.
func New(cfg Config, reg registry.Registry, led ledger.Ledger, rpc RPC, controller *ratelimit.Controller, router *notifier.Router, m *metrics.Registry, logger zerolog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:           cfg,
		registry:      reg,
		ledger:        led,
		rpc:           rpc,
		controller:    controller,
		router:        router,
		metrics:       m,
		logger:        logger,
		alive:         make(chan struct{}),
		dustThreshold: cfg.DustThresholdSOL,
	}
}

// Alive returns a channel the supervisor can poll to detect the scheduler is
// still cycling: it is closed and replaced at the top of every cycle.
func (s *Scheduler) Alive() <-chan struct{} {
	return s.alive
}

// Run drives the scheduler's cycle loop until ctx is cancelled (spec.md
// §4.4). The caller (the supervisor, or main during startup) is responsible
// for re-spawning Run if it returns — Run itself never retries past a
// context cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	defer logging.RecoverPanic(s.logger, "scheduler", nil)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error().Err(err).Msg("scheduler cycle failed")
		}
	}
}

// cycle implements the four steps of spec.md §4.4.
func (s *Scheduler) cycle(ctx context.Context) error {
	prev := s.alive
	s.alive = make(chan struct{})
	close(prev)

	s.refreshDustThreshold(ctx)

	watches, err := s.registry.AllActive(ctx)
	if err != nil {
		return err
	}

	accounts := groupByAccount(watches)
	if len(accounts) == 0 {
		return s.sleep(ctx, s.cfg.PollingInterval)
	}

	if s.metrics != nil {
		s.metrics.WatchesActive.Set(float64(len(watches)))
	}

	batchSize := s.controller.OptimalBatchSize()
	if s.metrics != nil {
		s.metrics.BatchSize.Set(float64(batchSize))
	}

	batches := partition(accounts, batchSize)
	for i, batch := range batches {
		for _, acct := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.checkAccount(ctx, acct)
		}

		if i < len(batches)-1 {
			delay := time.Duration(float64(s.cfg.BatchDelay) * s.controller.BatchDelayFactor())
			if err := s.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	if s.metrics != nil {
		s.metrics.CyclesCompleted.Inc()
	}
	return s.sleep(ctx, s.cfg.PollingInterval)
}

// refreshDustThreshold re-reads the admin-tunable minimum notification
// amount from the registry. An administrator's change (via WriteSetting)
// must take effect on the very next cycle, not just after a restart
// (spec.md §3) — so this is called once per cycle rather than cached for
// the scheduler's lifetime. A read failure or malformed value keeps the
// previous in-memory value rather than falling back all the way to the
// config default, so a transient storage hiccup can't momentarily widen
// the threshold.
func (s *Scheduler) refreshDustThreshold(ctx context.Context) {
	raw, err := s.registry.ReadSetting(ctx, dustThresholdSettingKey, strconv.FormatFloat(s.cfg.DustThresholdSOL, 'g', -1, 64))
	if err != nil {
		s.logger.Warn().Err(err).Msg("read_setting for dust threshold failed, keeping previous value")
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		s.logger.Warn().Str("raw", raw).Err(err).Msg("dust threshold setting is not a valid float, keeping previous value")
		return
	}
	s.dustThreshold = value
}

// accountGroup is the per-account working set: one account, the watch rows
// (one per subscriber) sharing it, plus the shared cursor/inception-time.
type accountGroup struct {
	account       string
	cursor        string
	inceptionTime time.Time
	watches       []domain.Watch
}

// groupByAccount collapses AllActive's per-(subscriber,account) rows into
// one entry per account; the cursor and inception_time are shared across
// subscribers watching the same account (spec.md §9's resolution of the
// double-cursor-advance ambiguity — see registry.AdvanceCursor).
func groupByAccount(watches []domain.Watch) []accountGroup {
	index := make(map[string]int)
	var groups []accountGroup

	for _, w := range watches {
		i, ok := index[w.Account]
		if !ok {
			index[w.Account] = len(groups)
			groups = append(groups, accountGroup{
				account:       w.Account,
				cursor:        w.Cursor,
				inceptionTime: w.InceptionTime,
			})
			i = len(groups) - 1
		}
		g := &groups[i]
		g.watches = append(g.watches, w)
		if g.cursor == "" && w.Cursor != "" {
			g.cursor = w.Cursor
		}
		if w.InceptionTime.Before(g.inceptionTime) || g.inceptionTime.IsZero() {
			g.inceptionTime = w.InceptionTime
		}
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].account < groups[j].account })
	return groups
}

// partition splits groups into contiguous batches of at most size (spec.md
// §4.4 step 2).
func partition(groups []accountGroup, size int) [][]accountGroup {
	if size <= 0 {
		size = 1
	}
	var batches [][]accountGroup
	for i := 0; i < len(groups); i += size {
		end := i + size
		if end > len(groups) {
			end = len(groups)
		}
		batches = append(batches, groups[i:end])
	}
	return batches
}

// checkAccount implements the per-account check (spec.md §4.4a).
func (s *Scheduler) checkAccount(ctx context.Context, g accountGroup) {
	sigs, err := s.rpc.GetSignaturesForAddress(ctx, g.account, signaturesPerPoll)
	if err != nil {
		s.logger.Warn().Str("account", g.account).Err(err).Msg("get_signatures_for_address failed")
		return
	}
	if len(sigs) == 0 {
		return
	}

	if g.cursor == "" {
		// First ever poll: seed the cursor, emit nothing (spec.md §4.4a).
		if err := s.registry.AdvanceCursor(ctx, g.account, sigs[0].Signature); err != nil {
			s.logger.Error().Str("account", g.account).Err(err).Msg("advance_cursor (seed) failed")
		}
		return
	}

	var fresh []domain.SignatureEntry
	for _, entry := range sigs {
		if entry.Signature == g.cursor {
			break
		}
		if entry.BlockTime != nil && !g.inceptionTime.IsZero() && *entry.BlockTime < g.inceptionTime.Unix() {
			continue
		}
		fresh = append(fresh, entry)
	}

	if len(fresh) == 0 {
		return
	}

	// Advance before emitting (spec.md §4.4a trade-off): a mid-processing
	// crash resumes from the latest observed signature rather than
	// re-scanning, at the cost of possibly losing the just-discovered batch
	// to duplicate suppression on restart.
	if err := s.registry.AdvanceCursor(ctx, g.account, sigs[0].Signature); err != nil {
		s.logger.Error().Str("account", g.account).Err(err).Msg("advance_cursor failed")
		return
	}

	// Emit chronologically: fresh is newest-first, so tasks are started
	// oldest-first. Each signature is processed in its own goroutine, and the
	// account's check returns once all of them have finished.
	var wg sync.WaitGroup
	for i := len(fresh) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(entry domain.SignatureEntry) {
			defer wg.Done()
			defer logging.RecoverPanic(s.logger, "process_signature", map[string]any{"signature": entry.Signature})
			s.processSignature(ctx, g, entry)
		}(fresh[i])
	}
	wg.Wait()
}

// processSignature implements per-signature processing (spec.md §4.4b).
func (s *Scheduler) processSignature(ctx context.Context, g accountGroup, entry domain.SignatureEntry) {
	if notified, err := s.ledger.IsNotified(ctx, entry.Signature); err != nil {
		s.logger.Error().Str("signature", entry.Signature).Err(err).Msg("is_notified check failed")
		return
	} else if notified {
		return
	}

	tx, err := s.rpc.GetTransaction(ctx, entry.Signature)
	if err != nil {
		s.logger.Warn().Str("signature", entry.Signature).Err(err).Msg("get_transaction failed")
		return
	}

	event := classifier.Classify(tx, g.account)

	if classifier.IsDust(event.AmountSOL, s.dustThreshold) {
		subscriberID := int64(0)
		if len(g.watches) > 0 {
			subscriberID = g.watches[0].SubscriberID
		}
		if _, err := s.ledger.RecordDust(ctx, event.Signature, g.account, subscriberID, event.AmountSOL, event.BlockTime); err != nil {
			s.logger.Error().Str("signature", entry.Signature).Err(err).Msg("record_dust failed")
		}
		if s.metrics != nil {
			s.metrics.DustFiltered.Inc()
		}
		return
	}

	subscriberID := int64(0)
	if len(g.watches) > 0 {
		subscriberID = g.watches[0].SubscriberID
	}

	result, err := s.ledger.Claim(ctx, event.Signature, g.account, subscriberID, event.AmountSOL, event.Kind, event.BlockTime)
	if err != nil {
		s.logger.Error().Str("signature", entry.Signature).Err(err).Msg("ledger claim failed")
		return
	}
	if result == ledger.ClaimResultAlreadyClaimed {
		if s.metrics != nil {
			s.metrics.DuplicatesSuppressed.Inc()
		}
		return
	}

	subscribers := make([]int64, 0, len(g.watches))
	for _, w := range g.watches {
		subscribers = append(subscribers, w.SubscriberID)
	}

	var sealed []byte
	var nickname string
	for _, w := range g.watches {
		if len(w.Credential) > 0 {
			sealed = w.Credential
			nickname = w.Nickname
			break
		}
	}

	if err := s.router.Dispatch(ctx, event, nickname, subscribers, sealed); err != nil {
		s.logger.Error().Str("signature", entry.Signature).Err(err).Msg("notification dispatch failed")
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
