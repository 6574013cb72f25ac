package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openbloom-market/internal/alerting"
	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
	"openbloom-market/internal/service"
)

func indicesSnapshot(price float64) market.SectionSnapshot {
	return market.SectionSnapshot{
		Section: market.Indices,
		Quotes: []market.Quote{
			{Symbol: "^GSPC", Price: price, Source: "stooq", AsOf: t0},
			{Symbol: "^DJI", Price: 39000, Source: "stooq", AsOf: t0},
		},
		Sources: []string{"stooq"},
		AsOf:    t0,
		Origin:  market.OriginLive,
	}
}

func receive(t *testing.T, ch <-chan service.Update) service.Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "channel closed")
		return u
	case <-time.After(time.Second):
		t.Fatal("no update received")
		return service.Update{}
	}
}

func assertEmpty(t *testing.T, ch <-chan service.Update) {
	t.Helper()
	select {
	case u := <-ch:
		t.Fatalf("unexpected update on %s", u.Topic)
	default:
	}
}

func TestPushHubRoutesByTopic(t *testing.T) {
	hub := service.NewPushHub(4, clock.NewManual(t0), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all, err := hub.Subscribe(ctx, service.Topic{})
	require.NoError(t, err)
	indices, err := hub.Subscribe(ctx, service.SectionTopic(market.Indices))
	require.NoError(t, err)
	fx, err := hub.Subscribe(ctx, service.SectionTopic(market.FX))
	require.NoError(t, err)
	spx, err := hub.Subscribe(ctx, service.SymbolTopic("spx"))
	require.NoError(t, err)

	hub.Publish(indicesSnapshot(5300))

	u := receive(t, all)
	require.NotNil(t, u.Snapshot)
	assert.Equal(t, market.Indices, u.Snapshot.Section)

	u = receive(t, indices)
	require.NotNil(t, u.Snapshot)
	assert.Len(t, u.Snapshot.Quotes, 2)

	u = receive(t, spx)
	require.NotNil(t, u.Quote)
	assert.Nil(t, u.Snapshot)
	assert.Equal(t, "^GSPC", u.Quote.Symbol)
	assert.Equal(t, "symbol:^GSPC", u.Topic.String())
	assert.True(t, u.At.Equal(t0))

	assertEmpty(t, fx)
}

func TestPushHubPublishQuoteReachesSymbolAndAllSubscribers(t *testing.T) {
	hub := service.NewPushHub(4, clock.NewManual(t0), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all, err := hub.Subscribe(ctx, service.Topic{})
	require.NoError(t, err)
	btc, err := hub.Subscribe(ctx, service.SymbolTopic("btc/usd"))
	require.NoError(t, err)
	crypto, err := hub.Subscribe(ctx, service.SectionTopic(market.Crypto))
	require.NoError(t, err)
	eth, err := hub.Subscribe(ctx, service.SymbolTopic("ETH-USD"))
	require.NoError(t, err)

	hub.PublishQuote(market.Quote{Symbol: "BTC-USD", Price: 64000, Source: "coingecko", AsOf: t0})

	u := receive(t, btc)
	require.NotNil(t, u.Quote)
	assert.InDelta(t, 64000, u.Quote.Price, 1e-9)

	u = receive(t, all)
	require.NotNil(t, u.Quote)
	assert.Equal(t, "symbol:BTC-USD", u.Topic.String())

	assertEmpty(t, crypto)
	assertEmpty(t, eth)
}

func TestPushHubDropsForSlowSubscriber(t *testing.T) {
	hub := service.NewPushHub(1, clock.NewManual(t0), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := hub.Subscribe(ctx, service.SectionTopic(market.Indices))
	require.NoError(t, err)

	hub.Publish(indicesSnapshot(5300))
	hub.Publish(indicesSnapshot(5301))
	hub.Publish(indicesSnapshot(5302))

	u := receive(t, ch)
	assert.InDelta(t, 5300, u.Snapshot.Quotes[0].Price, 1e-9)
	assertEmpty(t, ch)
	assert.Equal(t, int64(2), hub.Dropped())
}

func TestPushHubUnsubscribesOnCancel(t *testing.T) {
	hub := service.NewPushHub(1, clock.NewManual(t0), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := hub.Subscribe(ctx, service.Topic{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)

	hub.Publish(indicesSnapshot(5300))
}

func TestSubscribeRejectsInvalidSymbol(t *testing.T) {
	hub := service.NewPushHub(1, clock.NewManual(t0), zerolog.Nop())
	_, err := hub.Subscribe(context.Background(), service.SymbolTopic("  "))
	require.Error(t, err)
	assert.True(t, alerting.IsValidation(err))

	poll := service.NewPollSource(staticSections{}, nil, time.Second, clock.NewManual(t0), zerolog.Nop())
	_, err = poll.Subscribe(context.Background(), service.SymbolTopic("%%%"))
	require.Error(t, err)
	assert.True(t, alerting.IsValidation(err))

	_, err = poll.Subscribe(context.Background(), service.SymbolTopic("^GSPC"))
	assert.Error(t, err)
}

type staticSections struct{}

func (staticSections) Section(_ context.Context, section market.Section) (market.SectionSnapshot, error) {
	return market.SectionSnapshot{Section: section, AsOf: t0, Origin: market.OriginEmpty, Quotes: []market.Quote{}}, nil
}

type staticIntraday struct{}

func (staticIntraday) Get(_ context.Context, symbol string) (service.Intraday, error) {
	return service.Intraday{Symbol: symbol, LastPrice: 5310, Source: "yahoo", AsOf: t0, StreamStatus: service.StreamLive}, nil
}

func TestPollSourceEmitsImmediately(t *testing.T) {
	clk := clock.NewManual(t0)
	poll := service.NewPollSource(staticSections{}, staticIntraday{}, 2*time.Second, clk, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all, err := poll.Subscribe(ctx, service.Topic{})
	require.NoError(t, err)
	seen := map[market.Section]bool{}
	for range market.Sections {
		u := receive(t, all)
		require.NotNil(t, u.Snapshot)
		seen[u.Snapshot.Section] = true
	}
	assert.Len(t, seen, len(market.Sections))

	sym, err := poll.Subscribe(ctx, service.SymbolTopic("spx index"))
	require.NoError(t, err)
	u := receive(t, sym)
	require.NotNil(t, u.Quote)
	assert.Equal(t, "^GSPC", u.Quote.Symbol)
	assert.InDelta(t, 5310, u.Quote.Price, 1e-9)
}

func TestPollSourceClosesOnCancel(t *testing.T) {
	poll := service.NewPollSource(staticSections{}, nil, time.Hour, clock.Real{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := poll.Subscribe(ctx, service.SectionTopic(market.Rates))
	require.NoError(t, err)
	u := receive(t, ch)
	assert.Equal(t, market.Rates, u.Snapshot.Section)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
