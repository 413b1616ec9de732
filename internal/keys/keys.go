// Package keys builds the Redis key layout. Keys that scripts touch together
// share the train id as a hash tag so they land in one cluster slot.
package keys

import (
	"fmt"
	"strings"

	"train-ticket/models"
)

const (
	ActiveTrains = "ticket:active-trains"
	fieldSep     = "|"
)

func TrainInfo(trainID string) string {
	return fmt.Sprintf("ticket:{%s}:train", trainID)
}

func Stopover(trainID string) string {
	return fmt.Sprintf("ticket:{%s}:stopover", trainID)
}

// Remaining is the ledger hash of remaining count by class for one segment.
func Remaining(trainID string, seg models.Segment) string {
	return fmt.Sprintf("ticket:{%s}:remaining:%s%s%s", trainID, seg.Departure, fieldSep, seg.Arrival)
}

func CarriageRemaining(trainID string, seg models.Segment, class models.SeatClass) string {
	return fmt.Sprintf("ticket:{%s}:carriage-remaining:%s%s%s%s%d", trainID, seg.Departure, fieldSep, seg.Arrival, fieldSep, class)
}

func TokenBucket(trainID string) string {
	return fmt.Sprintf("ticket:{%s}:token-bucket", trainID)
}

// TokenField is the bucket field for one (segment, class).
func TokenField(seg models.Segment, class models.SeatClass) string {
	return fmt.Sprintf("%s%s%s%s%d", seg.Departure, fieldSep, seg.Arrival, fieldSep, class)
}

// SegmentPrefix is the field prefix scripts append "|<class>" to.
func SegmentPrefix(seg models.Segment) string {
	return seg.Departure + fieldSep + seg.Arrival
}

// ParseTokenField splits a bucket field back into segment and class text.
func ParseTokenField(field string) (dep, arr, class string, ok bool) {
	parts := strings.Split(field, fieldSep)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func TokenReceipt(trainID, reservationID string) string {
	return fmt.Sprintf("ticket:{%s}:receipt:token:%s", trainID, reservationID)
}

func LedgerReceipt(trainID, reservationID string) string {
	return fmt.Sprintf("ticket:{%s}:receipt:ledger:%s", trainID, reservationID)
}

func Reconciled(trainID, reservationID string) string {
	return fmt.Sprintf("ticket:{%s}:reconciled:%s", trainID, reservationID)
}

func TokenBucketLock(trainID string) string {
	return fmt.Sprintf("ticket:{%s}:lock:token-bucket", trainID)
}

func TokenRefreshLock(trainID string) string {
	return fmt.Sprintf("ticket:{%s}:lock:token-refresh", trainID)
}

func LedgerLock(trainID string, seg models.Segment) string {
	return fmt.Sprintf("ticket:{%s}:lock:remaining:%s%s%s", trainID, seg.Departure, fieldSep, seg.Arrival)
}

func PurchaseLock(trainID string, class models.SeatClass) string {
	return fmt.Sprintf("ticket:{%s}:lock:purchase:%d", trainID, class)
}

func PurchaseGuard(userID, idempotencyKey string) string {
	return fmt.Sprintf("ticket:purchase-guard:%s:%s", userID, idempotencyKey)
}
