package models

import "time"

// DelayCloseEvent is scheduled when an order is created and fires once the
// payment window has passed.
type DelayCloseEvent struct {
	OrderRef    string      `json:"order_ref"`
	Reservation Reservation `json:"reservation"`
	CreatedAt   time.Time   `json:"created_at"`
}

// OrderClosedEvent is published by the order subsystem when an order is
// cancelled or closed.
type OrderClosedEvent struct {
	EventID  string `json:"event_id"`
	OrderRef string `json:"order_ref"`
	Reason   string `json:"reason"`
}

// RowChangeEvent is a change-data-capture record for one table mutation.
type RowChangeEvent struct {
	ID       int64            `json:"id"`
	Database string           `json:"database"`
	Table    string           `json:"table"`
	Type     string           `json:"type"`
	IsDDL    bool             `json:"isDdl"`
	Data     []map[string]any `json:"data"`
	Old      []map[string]any `json:"old"`
	TS       int64            `json:"ts"`
}
