package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"openbloom-market/internal/alerting"
	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
)

// Topic selects what a subscriber receives. The zero Topic receives every
// section and every single-symbol quote.
type Topic struct {
	Section market.Section
	Symbol  string
}

// SectionTopic subscribes to one section's snapshots.
func SectionTopic(section market.Section) Topic { return Topic{Section: section} }

// SymbolTopic subscribes to one symbol's quotes.
func SymbolTopic(symbol string) Topic { return Topic{Symbol: symbol} }

// All reports whether the topic covers every section.
func (t Topic) All() bool { return t.Section == "" && t.Symbol == "" }

func (t Topic) String() string {
	switch {
	case t.Symbol != "":
		return "symbol:" + t.Symbol
	case t.Section != "":
		return "section:" + string(t.Section)
	default:
		return "all"
	}
}

// Update carries either a section snapshot or a single quote, the same
// shapes the pull endpoints return.
type Update struct {
	Topic    Topic                   `json:"topic"`
	Snapshot *market.SectionSnapshot `json:"snapshot,omitempty"`
	Quote    *market.Quote           `json:"quote,omitempty"`
	At       time.Time               `json:"at"`
}

// QuoteSource delivers updates for a topic until ctx is done, then closes
// the channel. Consumers do not know whether updates are polled or pushed.
type QuoteSource interface {
	Subscribe(ctx context.Context, topic Topic) (<-chan Update, error)
}

// canonicalTopic normalizes symbol aliases at the subscription boundary.
func canonicalTopic(topic Topic) (Topic, error) {
	if topic.Symbol == "" {
		return topic, nil
	}
	d, err := market.Normalize(topic.Symbol)
	if err != nil {
		return Topic{}, &alerting.ValidationError{Field: "symbol", Message: err.Error()}
	}
	return Topic{Symbol: d.Canonical}, nil
}

type subscriber struct {
	topic Topic
	ch    chan Update
}

// PushHub fans refresh results out to subscribers. Delivery is best-effort:
// a subscriber whose buffer is full misses the update.
type PushHub struct {
	buffer int
	clock  clock.Clock
	logger zerolog.Logger

	mu      sync.RWMutex
	nextID  int
	subs    map[int]*subscriber
	dropped atomic.Int64
}

// NewPushHub returns a hub whose subscribers buffer up to buffer updates.
func NewPushHub(buffer int, clk clock.Clock, logger zerolog.Logger) *PushHub {
	if buffer <= 0 {
		buffer = 16
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &PushHub{
		buffer: buffer,
		clock:  clk,
		logger: logger.With().Str("component", "push").Logger(),
		subs:   map[int]*subscriber{},
	}
}

// Subscribe registers a subscriber for topic.
func (h *PushHub) Subscribe(ctx context.Context, topic Topic) (<-chan Update, error) {
	topic, err := canonicalTopic(topic)
	if err != nil {
		return nil, err
	}
	sub := &subscriber{topic: topic, ch: make(chan Update, h.buffer)}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(sub.ch)
		h.mu.Unlock()
	}()
	return sub.ch, nil
}

// Publish delivers a section snapshot to section and symbol subscribers.
func (h *PushHub) Publish(snap market.SectionSnapshot) {
	at := h.clock.Now()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		switch {
		case sub.topic.All() || sub.topic.Section == snap.Section:
			s := snap
			h.deliver(sub, Update{Topic: SectionTopic(snap.Section), Snapshot: &s, At: at})
		case sub.topic.Symbol != "":
			if q, ok := snap.Quote(sub.topic.Symbol); ok {
				h.deliver(sub, Update{Topic: sub.topic, Quote: &q, At: at})
			}
		}
	}
}

// PublishQuote delivers a single quote to its symbol subscribers and to
// subscribers of everything.
func (h *PushHub) PublishQuote(q market.Quote) {
	at := h.clock.Now()
	topic := SymbolTopic(q.Symbol)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.topic.All() || sub.topic.Symbol == q.Symbol {
			quote := q
			h.deliver(sub, Update{Topic: topic, Quote: &quote, At: at})
		}
	}
}

// deliver must run under at least the read lock so the channel cannot be
// closed concurrently.
func (h *PushHub) deliver(sub *subscriber, u Update) {
	select {
	case sub.ch <- u:
	default:
		if n := h.dropped.Add(1); n%100 == 1 {
			h.logger.Warn().Str("topic", sub.topic.String()).Int64("dropped", n).Msg("slow subscriber, dropping updates")
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *PushHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many updates were discarded for slow subscribers.
func (h *PushHub) Dropped() int64 { return h.dropped.Load() }

// SectionReader pulls one section snapshot.
type SectionReader interface {
	Section(ctx context.Context, section market.Section) (market.SectionSnapshot, error)
}

// IntradayReader pulls one symbol's intraday answer.
type IntradayReader interface {
	Get(ctx context.Context, symbol string) (Intraday, error)
}

// PollSource satisfies QuoteSource by pulling through the overview and
// intraday services on a fixed interval.
type PollSource struct {
	sections SectionReader
	intraday IntradayReader
	interval time.Duration
	buffer   int
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewPollSource polls every interval. intraday may be nil when only
// section topics are used.
func NewPollSource(sections SectionReader, intraday IntradayReader, interval time.Duration, clk clock.Clock, logger zerolog.Logger) *PollSource {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &PollSource{
		sections: sections,
		intraday: intraday,
		interval: interval,
		buffer:   len(market.Sections),
		clock:    clk,
		logger:   logger.With().Str("component", "poll").Logger(),
	}
}

// Subscribe starts a poller for topic. The first poll happens immediately.
func (p *PollSource) Subscribe(ctx context.Context, topic Topic) (<-chan Update, error) {
	topic, err := canonicalTopic(topic)
	if err != nil {
		return nil, err
	}
	if topic.Symbol != "" && p.intraday == nil {
		return nil, fmt.Errorf("symbol topics need an intraday reader")
	}
	ch := make(chan Update, p.buffer)
	go func() {
		defer close(ch)
		for {
			p.poll(ctx, topic, ch)
			if err := p.clock.Sleep(ctx, p.interval); err != nil {
				return
			}
		}
	}()
	return ch, nil
}

func (p *PollSource) poll(ctx context.Context, topic Topic, ch chan<- Update) {
	if topic.Symbol != "" {
		got, err := p.intraday.Get(ctx, topic.Symbol)
		if err != nil {
			p.logger.Debug().Err(err).Str("topic", topic.String()).Msg("poll failed")
			return
		}
		q := got.Quote()
		send(ctx, ch, Update{Topic: topic, Quote: &q, At: p.clock.Now()})
		return
	}

	sections := market.Sections
	if topic.Section != "" {
		sections = []market.Section{topic.Section}
	}
	for _, section := range sections {
		snap, err := p.sections.Section(ctx, section)
		if err != nil {
			p.logger.Debug().Err(err).Str("section", string(section)).Msg("poll failed")
			continue
		}
		send(ctx, ch, Update{Topic: SectionTopic(section), Snapshot: &snap, At: p.clock.Now()})
	}
}

// send blocks until the consumer reads or ctx ends; a poller owns its
// channel, so back-pressure only slows that poller.
func send(ctx context.Context, ch chan<- Update, u Update) {
	select {
	case ch <- u:
	case <-ctx.Done():
	}
}

var (
	_ QuoteSource = (*PushHub)(nil)
	_ QuoteSource = (*PollSource)(nil)
)
