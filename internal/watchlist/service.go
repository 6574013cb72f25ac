package watchlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"openbloom-market/internal/alerting"
	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
	"openbloom-market/internal/service"
)

// SourceWatchlist marks the alert linked to a watchlist item. An item owns
// at most one such alert for its symbol.
const SourceWatchlist = "watchlist"

// Directions accepted by SetAlert.
const (
	DirectionAbove = "above"
	DirectionBelow = "below"
)

const maxWarningLen = 180

// QuoteReader serves the intraday answer for one symbol.
type QuoteReader interface {
	Get(ctx context.Context, symbol string) (service.Intraday, error)
}

// AlertManager is the subset of alerting.Manager the watchlist drives.
type AlertManager interface {
	Create(ctx context.Context, in alerting.CreateInput) (alerting.View, error)
	Update(ctx context.Context, id int64, in alerting.UpdateInput) (alerting.View, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, symbol string, status alerting.Status) ([]alerting.View, error)
}

// Quote is the price block of a snapshot entry.
type Quote struct {
	Source           string    `json:"source"`
	AsOf             time.Time `json:"asOf"`
	LastPrice        float64   `json:"lastPrice"`
	Change           float64   `json:"change"`
	ChangePercent    float64   `json:"changePercent"`
	Volume           *float64  `json:"volume,omitempty"`
	Currency         string    `json:"currency,omitempty"`
	Stale            bool      `json:"stale"`
	FreshnessSeconds int       `json:"freshnessSeconds"`
}

// Alert is the item's linked alert as shown in the list.
type Alert struct {
	ID          int64                 `json:"id"`
	Enabled     bool                  `json:"enabled"`
	Direction   string                `json:"direction"`
	TargetPrice decimal.Decimal       `json:"targetPrice"`
	State       alerting.TriggerState `json:"triggerState"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}

// Entry is one item of a snapshot.
type Entry struct {
	Item
	Quote *Quote `json:"quote,omitempty"`
	Alert *Alert `json:"alert,omitempty"`
}

// Snapshot is the full list with quotes. Warnings are deduplicated.
type Snapshot struct {
	AsOf     time.Time `json:"asOf"`
	Items    []Entry   `json:"items"`
	Warnings []string  `json:"warnings"`
}

// AlertInput configures an item's alert. TargetPrice may be omitted when
// an alert already exists.
type AlertInput struct {
	Direction       string
	TargetPrice     *decimal.Decimal
	Enabled         bool
	OneShot         bool
	CooldownSeconds *int
}

// Options tune the service.
type Options struct {
	MaxItems int
}

// Service manages the list and assembles snapshots.
type Service struct {
	repo     Repository
	quotes   QuoteReader
	alerts   AlertManager
	clock    clock.Clock
	maxItems int
	logger   zerolog.Logger
}

// NewService builds a watchlist service. quotes and alerts may be nil.
func NewService(repo Repository, quotes QuoteReader, alerts AlertManager, clk clock.Clock, opts Options, logger zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = DefaultMaxItems
	}
	return &Service{
		repo:     repo,
		quotes:   quotes,
		alerts:   alerts,
		clock:    clk,
		maxItems: opts.MaxItems,
		logger:   logger.With().Str("component", "watchlist").Logger(),
	}
}

func normalize(raw string) (market.Descriptor, error) {
	desc, err := market.Normalize(raw)
	if err != nil {
		return market.Descriptor{}, &alerting.ValidationError{Field: "symbol", Message: err.Error()}
	}
	return desc, nil
}

// Add appends a symbol. An already listed symbol is returned with false.
func (s *Service) Add(ctx context.Context, raw string) (Item, bool, error) {
	desc, err := normalize(raw)
	if err != nil {
		return Item{}, false, err
	}
	return s.repo.Insert(ctx, Item{
		Symbol:         desc.Canonical,
		DisplaySymbol:  desc.DisplaySymbol,
		ProviderSymbol: desc.ProviderSymbol,
		InstrumentType: desc.InstrumentType,
		CreatedAt:      s.clock.Now().UTC(),
	}, s.maxItems)
}

// Remove deletes an item and its linked alert.
func (s *Service) Remove(ctx context.Context, id int64) error {
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.remove(ctx, item)
}

// RemoveSymbol deletes the item for any alias of symbol.
func (s *Service) RemoveSymbol(ctx context.Context, raw string) error {
	desc, err := normalize(raw)
	if err != nil {
		return err
	}
	item, err := s.repo.BySymbol(ctx, desc.Canonical)
	if err != nil {
		return err
	}
	return s.remove(ctx, item)
}

func (s *Service) remove(ctx context.Context, item Item) error {
	if err := s.repo.Delete(ctx, item.ID); err != nil {
		return err
	}
	if err := s.deleteLinked(ctx, item.Symbol); err != nil && !errors.Is(err, ErrNotFound) {
		// the item is gone; an orphaned alert keeps working on its own
		s.logger.Warn().Err(err).Str("symbol", item.Symbol).Msg("delete linked alert failed")
	}
	return nil
}

// Reorder moves the listed ids to the front in the given order. Unknown ids
// are ignored and the remaining items keep their relative order.
func (s *Service) Reorder(ctx context.Context, ids []int64) ([]Item, error) {
	items, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []Item{}, nil
	}

	known := make(map[int64]bool, len(items))
	for _, item := range items {
		known[item.ID] = true
	}
	order := make([]int64, 0, len(items))
	used := map[int64]bool{}
	for _, id := range ids {
		if known[id] && !used[id] {
			order = append(order, id)
			used[id] = true
		}
	}
	for _, item := range items {
		if !used[item.ID] {
			order = append(order, item.ID)
		}
	}

	if err := s.repo.SetPositions(ctx, order); err != nil {
		return nil, err
	}
	return s.repo.List(ctx)
}

// List returns the items in display order.
func (s *Service) List(ctx context.Context) ([]Item, error) {
	return s.repo.List(ctx)
}

// Symbols returns the canonical symbols on the list.
func (s *Service) Symbols(ctx context.Context) ([]string, error) {
	items, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Symbol)
	}
	return out, nil
}

// Snapshot loads every item with its intraday quote and linked alert. A
// failed quote becomes a warning; the item is still listed.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	items, err := s.repo.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{AsOf: s.clock.Now().UTC(), Items: make([]Entry, len(items)), Warnings: []string{}}
	if len(items) == 0 {
		return snap, nil
	}

	linked, err := s.linkedAlerts(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	perItem := make([][]string, len(items))
	var g errgroup.Group
	for i, item := range items {
		entry := Entry{Item: item}
		if v, ok := linked[item.Symbol]; ok {
			entry.Alert = alertOf(v)
		}
		snap.Items[i] = entry
		if s.quotes == nil {
			continue
		}
		g.Go(func() error {
			got, err := s.quotes.Get(ctx, item.Symbol)
			if err != nil {
				perItem[i] = []string{item.DisplaySymbol + ": " + summarize(err)}
				return nil
			}
			snap.Items[i].Quote = quoteOf(got)
			perItem[i] = got.Warnings
			return nil
		})
	}
	_ = g.Wait()

	seen := map[string]bool{}
	for _, warnings := range perItem {
		for _, w := range warnings {
			if seen[w] {
				continue
			}
			seen[w] = true
			snap.Warnings = append(snap.Warnings, w)
		}
	}
	return snap, nil
}

// SetAlert creates or updates the item's linked alert.
func (s *Service) SetAlert(ctx context.Context, itemID int64, in AlertInput) (alerting.View, error) {
	if s.alerts == nil {
		return alerting.View{}, fmt.Errorf("alerts not configured")
	}
	item, err := s.repo.Get(ctx, itemID)
	if err != nil {
		return alerting.View{}, err
	}
	condition, err := conditionFor(in.Direction)
	if err != nil {
		return alerting.View{}, err
	}
	existing, found, err := s.linkedAlert(ctx, item.Symbol)
	if err != nil {
		return alerting.View{}, err
	}

	if !found {
		if in.TargetPrice == nil {
			return alerting.View{}, &alerting.ValidationError{Field: "targetPrice", Message: "is required for a new alert"}
		}
		enabled := in.Enabled
		return s.alerts.Create(ctx, alerting.CreateInput{
			Symbol:          item.Symbol,
			Condition:       condition,
			Threshold:       *in.TargetPrice,
			Enabled:         &enabled,
			OneShot:         in.OneShot,
			CooldownSeconds: in.CooldownSeconds,
			Source:          SourceWatchlist,
		})
	}

	enabled, oneShot, source := in.Enabled, in.OneShot, SourceWatchlist
	return s.alerts.Update(ctx, existing.ID, alerting.UpdateInput{
		Condition:       &condition,
		Threshold:       in.TargetPrice,
		Enabled:         &enabled,
		OneShot:         &oneShot,
		CooldownSeconds: in.CooldownSeconds,
		Source:          &source,
	})
}

// DeleteAlert removes the item's linked alert. ErrNotFound when the item
// has none.
func (s *Service) DeleteAlert(ctx context.Context, itemID int64) error {
	item, err := s.repo.Get(ctx, itemID)
	if err != nil {
		return err
	}
	return s.deleteLinked(ctx, item.Symbol)
}

func (s *Service) deleteLinked(ctx context.Context, symbol string) error {
	if s.alerts == nil {
		return ErrNotFound
	}
	existing, found, err := s.linkedAlert(ctx, symbol)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return s.alerts.Delete(ctx, existing.ID)
}

func (s *Service) linkedAlert(ctx context.Context, symbol string) (alerting.View, bool, error) {
	views, err := s.alerts.List(ctx, symbol, alerting.StatusAny)
	if err != nil {
		return alerting.View{}, false, err
	}
	// newest first
	for _, v := range views {
		if v.Source == SourceWatchlist {
			return v, true, nil
		}
	}
	return alerting.View{}, false, nil
}

func (s *Service) linkedAlerts(ctx context.Context) (map[string]alerting.View, error) {
	out := map[string]alerting.View{}
	if s.alerts == nil {
		return out, nil
	}
	views, err := s.alerts.List(ctx, "", alerting.StatusAny)
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		if v.Source != SourceWatchlist {
			continue
		}
		if _, ok := out[v.Symbol]; !ok {
			out[v.Symbol] = v
		}
	}
	return out, nil
}

func conditionFor(direction string) (alerting.Condition, error) {
	switch strings.ToLower(strings.TrimSpace(direction)) {
	case DirectionAbove:
		return alerting.PriceAbove, nil
	case DirectionBelow:
		return alerting.PriceBelow, nil
	default:
		return "", &alerting.ValidationError{Field: "direction", Message: "must be above or below"}
	}
}

func alertOf(v alerting.View) *Alert {
	direction := DirectionAbove
	if v.Condition == alerting.PriceBelow || v.Condition == alerting.CrossesBelow || v.Condition == alerting.PercentMoveDown {
		direction = DirectionBelow
	}
	return &Alert{
		ID:          v.ID,
		Enabled:     v.Enabled,
		Direction:   direction,
		TargetPrice: v.Threshold,
		State:       v.TriggerState,
		UpdatedAt:   v.UpdatedAt,
	}
}

func quoteOf(in service.Intraday) *Quote {
	return &Quote{
		Source:           in.Source,
		AsOf:             in.AsOf,
		LastPrice:        in.LastPrice,
		Change:           in.Change,
		ChangePercent:    in.ChangePercent,
		Volume:           in.Volume,
		Currency:         in.Currency,
		Stale:            in.Stale,
		FreshnessSeconds: in.FreshnessSeconds,
	}
}

func summarize(err error) string {
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return fmt.Sprintf("%T", err)
	}
	if len(msg) > maxWarningLen {
		msg = msg[:maxWarningLen]
	}
	return msg
}
