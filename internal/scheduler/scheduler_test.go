package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openbloom-market/internal/clock"
)

func TestRunAlignsBucketsAndSkipsOverruns(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 6, 3, 10, 0, 3, 0, time.UTC))
	s := New(Options{Interval: 8 * time.Second, AlignToStart: true}, clk, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var buckets []time.Time
	err := s.Run(ctx, func(_ context.Context, bucket time.Time) error {
		buckets = append(buckets, bucket)
		switch len(buckets) {
		case 1:
			clk.Advance(20 * time.Second)
		case 2:
			return errors.New("upstream hiccup")
		case 3:
			cancel()
		}
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	base := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, []time.Time{
		base.Add(8 * time.Second),
		base.Add(32 * time.Second),
		base.Add(40 * time.Second),
	}, buckets)
}

func TestRunHonoursStartupDelay(t *testing.T) {
	start := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	s := New(Options{Interval: 5 * time.Second, StartupDelay: 30 * time.Second}, clk, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var first time.Time
	err := s.Run(ctx, func(_ context.Context, bucket time.Time) error {
		first = bucket
		cancel()
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, start.Add(35*time.Second), first)
	assert.Equal(t, 30*time.Second, clk.Sleeps()[0])
}

func TestNewRejectsZeroInterval(t *testing.T) {
	assert.Panics(t, func() { New(Options{}, nil, zerolog.Nop()) })
}
