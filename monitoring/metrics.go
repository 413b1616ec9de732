package monitoring

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"train-ticket/internal/keys"
)

var (
	tokensRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ticket_tokens_remaining",
			Help: "Remaining tokens per train, segment and seat class",
		},
		[]string{"train_id", "segment", "seat_class"},
	)

	tokenTakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_token_take_total",
			Help: "Token take attempts by outcome",
		},
		[]string{"train_id", "result"},
	)

	purchases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_purchase_total",
			Help: "Purchase attempts by outcome",
		},
		[]string{"result"},
	)

	lockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticket_purchase_lock_wait_seconds",
			Help:    "Time spent waiting for purchase locks",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"tier"},
	)

	allocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticket_allocation_duration_seconds",
			Help:    "Duration of seat allocation per request",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"train_type"},
	)

	reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_reconciliation_total",
			Help: "Inventory reconciliations by trigger and outcome",
		},
		[]string{"trigger", "result"},
	)

	bucketInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_token_bucket_invalidations_total",
			Help: "Token bucket invalidations by reason",
		},
		[]string{"train_id", "reason"},
	)
)

type Monitor struct {
	redis *redis.Client
}

func NewMonitor(redisClient *redis.Client) *Monitor {
	return &Monitor{redis: redisClient}
}

// Start samples token buckets of active trains every interval until ctx ends.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collectTokenMetrics(ctx)
		}
	}
}

func (m *Monitor) collectTokenMetrics(ctx context.Context) {
	trainIDs, err := m.redis.SMembers(ctx, keys.ActiveTrains).Result()
	if err != nil {
		slog.Error("Failed to list active trains", "error", err)
		return
	}

	for _, trainID := range trainIDs {
		fields, err := m.redis.HGetAll(ctx, keys.TokenBucket(trainID)).Result()
		if err != nil {
			slog.Error("Failed to read token bucket", "train_id", trainID, "error", err)
			continue
		}
		for field, value := range fields {
			dep, arr, class, ok := keys.ParseTokenField(field)
			if !ok {
				continue
			}
			tokensRemaining.WithLabelValues(trainID, dep+"->"+arr, class).Set(parseFloat(value))
		}
	}
}

func (m *Monitor) TrackTokenTake(trainID, result string) {
	tokenTakes.WithLabelValues(trainID, result).Inc()
}

func (m *Monitor) TrackPurchase(result string) {
	purchases.WithLabelValues(strings.ToLower(result)).Inc()
}

func (m *Monitor) TrackLockWait(tier string, d time.Duration) {
	lockWait.WithLabelValues(tier).Observe(d.Seconds())
}

func (m *Monitor) TrackAllocation(trainType string, d time.Duration) {
	allocationDuration.WithLabelValues(trainType).Observe(d.Seconds())
}

func (m *Monitor) TrackReconciliation(trigger, result string) {
	reconciliations.WithLabelValues(trigger, result).Inc()
}

func (m *Monitor) TrackBucketInvalidation(trainID, reason string) {
	bucketInvalidations.WithLabelValues(trainID, reason).Inc()
	tokensRemaining.DeletePartialMatch(prometheus.Labels{"train_id": trainID})
}
