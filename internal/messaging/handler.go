package messaging

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"golang.org/x/crypto/blake2b"

	"train-ticket/internal/status"
	"train-ticket/models"
)

type Reconciler interface {
	HandleOrderClosed(ctx context.Context, ev models.OrderClosedEvent) error
	HandleRowChange(ctx context.Context, ev models.RowChangeEvent, dedupKey string) error
}

type Topics struct {
	OrderClosed string
	OrderChange string
	DeadLetter  string
}

// Handler routes order events to the reconciler. A message that still fails
// after maxAttempts goes to the dead-letter topic and is marked consumed.
type Handler struct {
	reconciler  Reconciler
	dlq         Producer
	topics      Topics
	maxAttempts int
	backoff     time.Duration
}

func NewHandler(reconciler Reconciler, dlq Producer, topics Topics, maxAttempts int) *Handler {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Handler{
		reconciler:  reconciler,
		dlq:         dlq,
		topics:      topics,
		maxAttempts: maxAttempts,
		backoff:     200 * time.Millisecond,
	}
}

func (h *Handler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *Handler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *Handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.process(ctx, msg); err != nil {
				// unmarked, so the next session redelivers it
				return err
			}
			session.MarkMessage(msg, "")
		}
	}
}

// process returns an error only when the message could neither be handled
// nor parked on the dead-letter topic.
func (h *Handler) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var err error
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		err = h.handleMessage(ctx, msg)
		if err == nil {
			return nil
		}
		if status.KindOf(err) == status.KindClient || attempt == h.maxAttempts {
			break
		}

		slog.Warn("Retrying message", "topic", msg.Topic, "offset", msg.Offset, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.backoff * time.Duration(attempt)):
		}
	}

	slog.Error("Parking message on dead-letter topic", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
	headers := map[string]string{
		"source-topic":     msg.Topic,
		"source-partition": strconv.Itoa(int(msg.Partition)),
		"source-offset":    strconv.FormatInt(msg.Offset, 10),
		"error":            err.Error(),
	}
	if dlqErr := h.dlq.Publish(ctx, h.topics.DeadLetter, string(msg.Key), msg.Value, headers); dlqErr != nil {
		return fmt.Errorf("dead-letter %s/%d/%d: %w", msg.Topic, msg.Partition, msg.Offset, dlqErr)
	}
	return nil
}

func (h *Handler) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	switch msg.Topic {
	case h.topics.OrderClosed:
		var ev models.OrderClosedEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return status.Client("decode order closed event", err)
		}
		if ev.OrderRef == "" {
			return status.Client("decode order closed event", status.ErrIncompleteRequest)
		}
		if ev.EventID == "" {
			ev.EventID = contentKey(msg.Value)
		}
		return h.reconciler.HandleOrderClosed(ctx, ev)

	case h.topics.OrderChange:
		var ev models.RowChangeEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return status.Client("decode row change event", err)
		}
		return h.reconciler.HandleRowChange(ctx, ev, rowChangeKey(ev, msg.Value))
	}

	slog.Warn("Ignoring message from unknown topic", "topic", msg.Topic)
	return nil
}

func rowChangeKey(ev models.RowChangeEvent, raw []byte) string {
	if ev.ID != 0 {
		return fmt.Sprintf("%s.%s:%d", ev.Database, ev.Table, ev.ID)
	}
	return contentKey(raw)
}

func contentKey(raw []byte) string {
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
