package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", func(ctx context.Context) Status { return StatusOK })
	c.Register("cache", func(ctx context.Context) Status { return StatusOK })

	assert.True(t, c.IsReady(context.Background()))
	assert.Equal(t, []string{"cache", "db"}, c.Names())
	assert.Equal(t, map[string]Status{"db": StatusOK, "cache": StatusOK}, c.Last())
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", func(ctx context.Context) Status { return StatusOK })
	c.Register("cache", func(ctx context.Context) Status { return StatusDown })

	assert.False(t, c.IsReady(context.Background()))
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", func(ctx context.Context) Status { return StatusDegraded })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_Timeout(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.timeout = 10 * time.Millisecond
	c.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return StatusDown
	})
	assert.False(t, c.IsReady(context.Background()))
}

func TestPing(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusOK, Ping(func(context.Context) error { return nil })(ctx))
	assert.Equal(t, StatusDown, Ping(func(context.Context) error { return errors.New("x") })(ctx))
}

func TestSnapshot_AllProbes(t *testing.T) {
	r := NewReporter(
		WithSync(func(context.Context) (any, error) { return map[string]bool{"inSync": true}, nil }),
		WithMetrics(func(context.Context) (any, error) { return map[string]int{"events": 3}, nil }),
		WithMigrations(func(context.Context) (any, error) { return map[string]int{"total": 0}, nil }),
	)
	r.now = func() int64 { return 42 }

	s := r.Snapshot(context.Background())
	assert.True(t, s.OK)
	assert.Equal(t, int64(42), s.Timestamp)
	assert.Equal(t, map[string]bool{"inSync": true}, s.Sync)
	assert.NotNil(t, s.Metrics)
	assert.NotNil(t, s.Migrations)
	assert.Empty(t, s.Notes)
}

func TestSnapshot_FailuresDoNotAbortOthers(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(context.Context) Status { return StatusDown })
	r := NewReporter(
		WithSync(func(context.Context) (any, error) { return nil, errors.New("index unreachable") }),
		WithMetrics(func(context.Context) (any, error) { panic("boom") }),
		WithMigrations(func(context.Context) (any, error) { return "fine", nil }),
		WithChecker(c),
	)

	s := r.Snapshot(context.Background())
	assert.False(t, s.OK)
	assert.Nil(t, s.Sync)
	assert.Nil(t, s.Metrics)
	assert.Equal(t, "fine", s.Migrations)
	require.Len(t, s.Notes, 3)
	assert.Equal(t, "sync: index unreachable", s.Notes[0])
	assert.Contains(t, s.Notes[1], "metrics: probe panicked")
	assert.Equal(t, "check store: down", s.Notes[2])
}

func TestSnapshot_NoProbes(t *testing.T) {
	s := NewReporter().Snapshot(context.Background())
	assert.True(t, s.OK)
	assert.NotNil(t, s.Notes)
}
