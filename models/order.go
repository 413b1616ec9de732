package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus int

const (
	OrderPending       OrderStatus = 0
	OrderPaid          OrderStatus = 10
	OrderPartialRefund OrderStatus = 11
	OrderRefunded      OrderStatus = 12
	OrderClosed        OrderStatus = 30
)

type OrderPassenger struct {
	PassengerID  string          `json:"passenger_id"`
	RealName     string          `json:"real_name"`
	IDType       int             `json:"id_type"`
	IDCard       string          `json:"id_card"`
	Phone        string          `json:"phone"`
	DiscountType int             `json:"discount_type"`
	SeatClass    SeatClass       `json:"seat_class"`
	Carriage     string          `json:"carriage"`
	SeatNumber   string          `json:"seat_number"`
	Amount       decimal.Decimal `json:"amount"`
}

type CreateOrderRequest struct {
	ReservationID string           `json:"reservation_id"`
	UserID        string           `json:"user_id"`
	Username      string           `json:"username"`
	TrainID       string           `json:"train_id"`
	TrainNumber   string           `json:"train_number"`
	Departure     string           `json:"departure"`
	Arrival       string           `json:"arrival"`
	DepartureTime time.Time        `json:"departure_time"`
	Passengers    []OrderPassenger `json:"passengers"`
}

type OrderDetail struct {
	OrderRef      string           `json:"order_ref"`
	ReservationID string           `json:"reservation_id"`
	UserID        string           `json:"user_id"`
	TrainID       string           `json:"train_id"`
	Departure     string           `json:"departure"`
	Arrival       string           `json:"arrival"`
	Status        OrderStatus      `json:"status"`
	Passengers    []OrderPassenger `json:"passengers"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Reservation is everything rollback needs to restore inventory for one
// purchase attempt. Its ID keys seat holds and take receipts.
type Reservation struct {
	ID        string            `json:"id"`
	TrainID   string            `json:"train_id"`
	Departure string            `json:"departure"`
	Arrival   string            `json:"arrival"`
	UserID    string            `json:"user_id"`
	Demand    map[SeatClass]int `json:"demand"`
}

func ReservationFromOrder(o *OrderDetail) Reservation {
	demand := make(map[SeatClass]int)
	for _, p := range o.Passengers {
		demand[p.SeatClass]++
	}
	return Reservation{
		ID:        o.ReservationID,
		TrainID:   o.TrainID,
		Departure: o.Departure,
		Arrival:   o.Arrival,
		UserID:    o.UserID,
		Demand:    demand,
	}
}
