package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(st Settings) (*CircuitBreaker, *testClock) {
	clk := &testClock{now: time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)}
	st.Now = clk.Now
	return NewCircuitBreaker("orders", st), clk
}

var errBoom = errors.New("boom")

func succeed() (string, error) { return "ok", nil }
func fail() (string, error)    { return "", errBoom }

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("orders", Settings{})

	assert.Equal(t, "orders", cb.Name())
	assert.Equal(t, uint32(20), cb.minRequests)
	assert.Equal(t, uint32(1), cb.maxHalfOpen)
	assert.Equal(t, 60*time.Second, cb.interval)
	assert.Equal(t, 30*time.Second, cb.timeout)
	assert.Equal(t, 0.6, cb.failureRatio)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ExecuteReturnsResult(t *testing.T) {
	cb, _ := newTestBreaker(Settings{})

	got, err := Execute(cb, succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	_, err = Execute(cb, fail)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, uint32(2), cb.counts.Requests)
	assert.Equal(t, uint32(1), cb.counts.TotalFailures)
}

func TestCircuitBreaker_TripsAndRejects(t *testing.T) {
	cb, _ := newTestBreaker(Settings{MinRequests: 5, FailureRatio: 0.6})

	for i := 0; i < 2; i++ {
		_, err := Execute(cb, succeed)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := Execute(cb, fail)
		require.ErrorIs(t, err, errBoom)
	}
	require.Equal(t, StateOpen, cb.State())

	_, err := Execute(cb, func() (string, error) {
		t.Fatal("request ran while the breaker was open")
		return "", nil
	})
	assert.ErrorIs(t, err, ErrOpenState)
	assert.Contains(t, err.Error(), "orders")
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clk := newTestBreaker(Settings{MinRequests: 2, Timeout: 10 * time.Second})
	for i := 0; i < 2; i++ {
		_, _ = Execute(cb, fail)
	}
	require.Equal(t, StateOpen, cb.State())

	clk.Advance(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	_, err := Execute(cb, succeed)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(Settings{MinRequests: 2, Timeout: 10 * time.Second})
	for i := 0; i < 2; i++ {
		_, _ = Execute(cb, fail)
	}
	clk.Advance(11 * time.Second)

	_, err := Execute(cb, fail)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenLimitsTrialCalls(t *testing.T) {
	cb, clk := newTestBreaker(Settings{MinRequests: 2, Timeout: 10 * time.Second})
	for i := 0; i < 2; i++ {
		_, _ = Execute(cb, fail)
	}
	clk.Advance(11 * time.Second)

	var nested error
	_, err := Execute(cb, func() (string, error) {
		_, nested = Execute(cb, succeed)
		return "ok", nil
	})

	require.NoError(t, err)
	assert.ErrorIs(t, nested, ErrTooManyRequests)
}

func TestCircuitBreaker_IntervalClearsCounts(t *testing.T) {
	cb, clk := newTestBreaker(Settings{MinRequests: 5, Interval: time.Minute})
	for i := 0; i < 4; i++ {
		_, _ = Execute(cb, fail)
	}

	clk.Advance(2 * time.Minute)
	_, _ = Execute(cb, fail)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.counts.Requests)
}

func TestCircuitBreaker_IsFailureFiltersErrors(t *testing.T) {
	notFound := errors.New("not found")
	cb, _ := newTestBreaker(Settings{
		MinRequests: 2,
		IsFailure:   func(err error) bool { return err != nil && !errors.Is(err, notFound) },
	})

	for i := 0; i < 5; i++ {
		_, err := Execute(cb, func() (string, error) { return "", notFound })
		assert.ErrorIs(t, err, notFound)
	}

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(5), cb.counts.TotalSuccesses)
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cb, _ := newTestBreaker(Settings{})

	assert.Panics(t, func() {
		_, _ = Execute(cb, func() (string, error) { panic("test panic") })
	})
	assert.Equal(t, uint32(1), cb.counts.TotalFailures)

	got, err := Execute(cb, succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestCircuitBreaker_ReadyToTrip(t *testing.T) {
	tests := []struct {
		name     string
		requests uint32
		failures uint32
		want     bool
	}{
		{"not enough requests", 5, 5, false},
		{"high failure ratio", 10, 8, true},
		{"low failure ratio", 10, 3, false},
		{"exact threshold", 10, 6, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, _ := newTestBreaker(Settings{MinRequests: 10, FailureRatio: 0.6})
			cb.counts.Requests = tt.requests
			cb.counts.TotalFailures = tt.failures

			assert.Equal(t, tt.want, cb.readyToTrip())
		})
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb, _ := newTestBreaker(Settings{MinRequests: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, _ = Execute(cb, func() (int, error) {
				if id%10 == 0 {
					return 0, errBoom
				}
				return id, nil
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint32(100), cb.counts.Requests)
	assert.Equal(t, uint32(10), cb.counts.TotalFailures)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown state: 9", State(9).String())
}

func TestRedisHealthCheck_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectPing().SetVal("PONG")

	err := RedisHealthCheck(context.Background(), db)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHealthCheck_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectPing().SetErr(errors.New("connection failed"))

	err := RedisHealthCheck(context.Background(), db)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis health check failed")
	assert.Contains(t, err.Error(), "connection failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func BenchmarkCircuitBreaker_Execute(b *testing.B) {
	cb := NewCircuitBreaker("benchmark", Settings{})

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = Execute(cb, succeed)
		}
	})
}
