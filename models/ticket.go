package models

import (
	"sort"

	"github.com/shopspring/decimal"
)

type PassengerSeat struct {
	PassengerID string    `json:"passenger_id"`
	SeatClass   SeatClass `json:"seat_class"`
}

type PurchaseRequest struct {
	TrainID        string          `json:"train_id"`
	Departure      string          `json:"departure"`
	Arrival        string          `json:"arrival"`
	Passengers     []PassengerSeat `json:"passengers"`
	IdempotencyKey string          `json:"-"`
}

// Demand counts requested passengers per seat class.
func (r *PurchaseRequest) Demand() map[SeatClass]int {
	demand := make(map[SeatClass]int)
	for _, p := range r.Passengers {
		demand[p.SeatClass]++
	}
	return demand
}

// Classes returns the distinct requested classes sorted by class code.
func (r *PurchaseRequest) Classes() []SeatClass {
	return SortedClasses(r.Demand())
}

func SortedClasses(demand map[SeatClass]int) []SeatClass {
	classes := make([]SeatClass, 0, len(demand))
	for c := range demand {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	return classes
}

// SeatRef identifies a physical seat inside a train.
type SeatRef struct {
	Carriage string `json:"carriage"`
	Number   string `json:"number"`
}

type Passenger struct {
	ID           string `json:"id"`
	RealName     string `json:"real_name"`
	IDType       int    `json:"id_type"`
	IDCard       string `json:"id_card"`
	Phone        string `json:"phone"`
	DiscountType int    `json:"discount_type"`
}

type SeatAssignment struct {
	PassengerID string    `json:"passenger_id"`
	SeatClass   SeatClass `json:"seat_class"`
	Seat        SeatRef   `json:"seat"`
}

type AllocationResult struct {
	PassengerID  string          `json:"passenger_id"`
	SeatClass    SeatClass       `json:"seat_class"`
	Carriage     string          `json:"carriage"`
	SeatNumber   string          `json:"seat_number"`
	Amount       decimal.Decimal `json:"amount"`
	RealName     string          `json:"real_name"`
	IDType       int             `json:"id_type"`
	IDCard       string          `json:"id_card"`
	Phone        string          `json:"phone"`
	DiscountType int             `json:"discount_type"`
}

type PurchaseResult struct {
	OrderRef      string             `json:"order_ref"`
	ReservationID string             `json:"reservation_id"`
	Assignments   []AllocationResult `json:"assignments"`
}

type RemainingTickets struct {
	TrainID    string                       `json:"train_id"`
	Departure  string                       `json:"departure"`
	Arrival    string                       `json:"arrival"`
	ByClass    map[SeatClass]int            `json:"by_class"`
	ByCarriage map[SeatClass]map[string]int `json:"by_carriage"`
}
