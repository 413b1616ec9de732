package status

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrIncompleteRequest  = errors.New("request: required fields are missing")
	ErrUnauthenticated    = errors.New("request: caller is not signed in")
	ErrTrainNotFound      = errors.New("train: train not found")
	ErrNotOnSale          = errors.New("train: tickets are not on sale")
	ErrDeparted           = errors.New("train: train has already departed")
	ErrInvalidRoute       = errors.New("route: departure and arrival are not a valid trip on this train")
	ErrUnsupportedClass   = errors.New("seat class: class is not sold on this train type")
	ErrInsufficientStock  = errors.New("stock: not enough tickets left")
	ErrInsufficientSeats  = errors.New("seats: not enough seats left, try another class or route")
	ErrTokensUnavailable  = errors.New("tokens: no tickets available right now")
	ErrLockTimeout        = errors.New("lock: timed out waiting for lock")
	ErrBucketBusy         = errors.New("tokens: token bucket is being initialized")
	ErrPurchaseInProgress = errors.New("purchase: a purchase with this key is already in progress")
	ErrMessageInProgress  = errors.New("message: message is being consumed elsewhere")
	ErrSeatTaken          = errors.New("seats: seat was taken concurrently")
	ErrReferenceData      = errors.New("reference data: passenger or price record missing")
	ErrOrderNotFound      = errors.New("order: order not found")
	ErrOrderNotClosable   = errors.New("order: order can no longer be cancelled")
)

type Kind int

const (
	KindClient Kind = iota
	KindCapacity
	KindContention
	KindDependency
	KindConsistency
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindCapacity:
		return "capacity"
	case KindContention:
		return "contention"
	case KindDependency:
		return "dependency"
	case KindConsistency:
		return "consistency"
	}
	return "unknown"
}

// Shortfall is how many tickets of a class were missing for a request.
type Shortfall struct {
	SeatClass int `json:"seat_class"`
	Missing   int `json:"missing"`
}

type Error struct {
	Kind       Kind
	Op         string
	Err        error
	Shortfalls []Shortfall
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Err.Error())
	for i, s := range e.Shortfalls {
		if i == 0 {
			b.WriteString(" (")
		} else {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "class %d short by %d", s.SeatClass, s.Missing)
		if i == len(e.Shortfalls)-1 {
			b.WriteString(")")
		}
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Client(op string, err error) error {
	return &Error{Kind: KindClient, Op: op, Err: err}
}

func Capacity(op string, err error, shortfalls ...Shortfall) error {
	sort.Slice(shortfalls, func(i, j int) bool { return shortfalls[i].SeatClass < shortfalls[j].SeatClass })
	return &Error{Kind: KindCapacity, Op: op, Err: err, Shortfalls: shortfalls}
}

func Contention(op string, err error) error {
	return &Error{Kind: KindContention, Op: op, Err: err}
}

func Dependency(op string, err error) error {
	return &Error{Kind: KindDependency, Op: op, Err: err}
}

func Consistency(op string, err error) error {
	return &Error{Kind: KindConsistency, Op: op, Err: err}
}

// KindOf classifies err. Errors that never went through this package are
// treated as dependency failures.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindDependency
}

// ShortfallsOf returns the per-class shortfalls carried by a capacity error.
func ShortfallsOf(err error) []Shortfall {
	var se *Error
	if errors.As(err, &se) {
		return se.Shortfalls
	}
	return nil
}

// Retryable reports whether err may be retried automatically with backoff.
func Retryable(err error) bool {
	return KindOf(err) == KindContention
}
