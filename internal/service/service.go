package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"openbloom-market/internal/alerting"
	"openbloom-market/internal/diagnostics"
	"openbloom-market/internal/market"
	"openbloom-market/internal/scheduler"
)

// Locker grants cross-process exclusivity for a refresh cycle.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error)
}

// Publisher receives every refreshed section and single-symbol quote.
type Publisher interface {
	Publish(snap market.SectionSnapshot)
	QuotePublisher
}

// SymbolSource names symbols that need an intraday quote every bucket,
// such as those with enabled alerts or on the watchlist.
type SymbolSource func(ctx context.Context) ([]string, error)

// SnapshotEvaluator consumes section snapshots for alert evaluation.
type SnapshotEvaluator interface {
	OnSnapshot(ctx context.Context, snap market.SectionSnapshot) ([]alerting.TriggerEvent, error)
	OnQuote(ctx context.Context, q market.Quote) ([]alerting.TriggerEvent, error)
}

// Service orchestrates the refresh loop, the push channel and alert
// evaluation.
type Service struct {
	scheduler *scheduler.Scheduler
	sections  SectionReader
	publisher Publisher
	quotes    QuoteSource
	evaluator SnapshotEvaluator
	locker    Locker
	lockKey   int64
	intraday  IntradayReader
	watched   []SymbolSource
	health    func() diagnostics.Report
	logger    zerolog.Logger

	healthMu   sync.Mutex
	lastStatus string
}

// Options wire the optional collaborators of a Service.
type Options struct {
	Scheduler *scheduler.Scheduler
	Publisher Publisher
	// Quotes feeds the evaluator; usually the same hub as Publisher.
	Quotes    QuoteSource
	Evaluator SnapshotEvaluator
	Locker    Locker
	LockKey   int64
	// Intraday is polled each bucket for watched symbols outside the
	// sections. The reader publishes what it fetches.
	Intraday IntradayReader
	Watched  []SymbolSource
	// Diagnostics is logged after every bucket.
	Diagnostics func() diagnostics.Report
}

// New constructs the refresh service.
func New(sections SectionReader, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		scheduler: opts.Scheduler,
		sections:  sections,
		publisher: opts.Publisher,
		quotes:    opts.Quotes,
		evaluator: opts.Evaluator,
		locker:    opts.Locker,
		lockKey:   opts.LockKey,
		intraday:  opts.Intraday,
		watched:   opts.Watched,
		health:    opts.Diagnostics,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the aligned refresh loop and the evaluator consumer.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if s.quotes != nil && s.evaluator != nil {
		updates, err := s.quotes.Subscribe(ctx, Topic{})
		if err != nil {
			return fmt.Errorf("subscribe evaluator: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Consume(ctx, updates)
		}()
	}

	err := s.scheduler.Run(ctx, s.ProcessBucket)
	cancel()
	wg.Wait()
	return err
}

// Consume feeds updates to the evaluator until the channel closes.
func (s *Service) Consume(ctx context.Context, updates <-chan Update) {
	for u := range updates {
		var (
			fired []alerting.TriggerEvent
			err   error
		)
		switch {
		case u.Snapshot != nil:
			fired, err = s.evaluator.OnSnapshot(ctx, *u.Snapshot)
		case u.Quote != nil:
			fired, err = s.evaluator.OnQuote(ctx, *u.Quote)
		default:
			continue
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Str("topic", u.Topic.String()).Msg("alert evaluation failed")
		}
		for _, ev := range fired {
			s.logger.Info().Int64("alert_id", ev.AlertID).Int64("event_id", ev.ID).Str("symbol", ev.Symbol).Msg("alert fired")
		}
	}
}

// ProcessBucket refreshes every section for one bucket. When another
// instance holds the advisory lock the bucket is skipped.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	err = s.executeBucket(ctx, bucket)
	s.reportHealth(bucket)
	return err
}

func (s *Service) executeBucket(ctx context.Context, bucket time.Time) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, section := range market.Sections {
		g.Go(func() error {
			snap, err := s.sections.Section(gctx, section)
			if err != nil {
				return fmt.Errorf("refresh %s: %w", section, err)
			}
			if s.publisher != nil {
				s.publisher.Publish(snap)
			}
			s.logger.Debug().Time("bucket", bucket).
				Str("section", string(section)).
				Str("origin", string(snap.Origin)).
				Int("rows", snap.Loaded()).
				Bool("degraded", snap.Degraded).
				Msg("section refreshed")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return s.refreshWatched(ctx, bucket)
}

// refreshWatched pulls intraday answers for watched symbols the sections do
// not cover. Failures are logged; an unavailable symbol never fails the
// bucket.
func (s *Service) refreshWatched(ctx context.Context, bucket time.Time) error {
	if s.intraday == nil {
		return nil
	}
	symbols := s.watchedSymbols(ctx)
	if len(symbols) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, symbol := range symbols {
		g.Go(func() error {
			got, err := s.intraday.Get(gctx, symbol)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Warn().Err(err).Str("symbol", symbol).Msg("watched symbol refresh failed")
				return nil
			}
			s.logger.Debug().Time("bucket", bucket).
				Str("symbol", symbol).
				Str("source", got.Source).
				Str("stream_status", got.StreamStatus).
				Msg("watched symbol refreshed")
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) watchedSymbols(ctx context.Context) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, source := range s.watched {
		symbols, err := source(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("list watched symbols failed")
			continue
		}
		for _, symbol := range symbols {
			if _, _, ok := market.TargetFor(symbol); ok {
				continue
			}
			if _, dup := seen[symbol]; dup {
				continue
			}
			seen[symbol] = struct{}{}
			out = append(out, symbol)
		}
	}
	return out
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
