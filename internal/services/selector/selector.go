// Package selector picks concrete seats for passengers of one seat class.
// Strategies are registered per (train type, seat class).
package selector

import (
	"context"
	"fmt"

	"train-ticket/internal/route"
	"train-ticket/models"
)

// Key selects a strategy.
type Key struct {
	TrainType models.TrainType
	SeatClass models.SeatClass
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.TrainType, k.SeatClass)
}

// SeatSource lists seats that are free on every leg of a trip.
type SeatSource interface {
	ListAvailableSeats(ctx context.Context, trainID string, class models.SeatClass, legs route.Legs) ([]models.SeatRef, error)
}

type Request struct {
	TrainID    string
	SeatClass  models.SeatClass
	Legs       route.Legs
	Passengers []models.PassengerSeat
}

// Strategy assigns seats to the request's passengers. It returns fewer
// assignments than passengers when the class does not have enough free seats.
type Strategy interface {
	Select(ctx context.Context, seats SeatSource, req Request) ([]models.SeatAssignment, error)
}

type Registry struct {
	strategies map[Key]Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[Key]Strategy)}
}

func (r *Registry) Register(key Key, s Strategy) {
	r.strategies[key] = s
}

func (r *Registry) Lookup(key Key) (Strategy, bool) {
	s, ok := r.strategies[key]
	return s, ok
}

// DefaultRegistry covers every class sold on every train type.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(Key{models.TrainTypeHighSpeed, models.SeatBusiness}, Rows("ACF"))
	r.Register(Key{models.TrainTypeHighSpeed, models.SeatFirst}, Rows("ACDF"))
	r.Register(Key{models.TrainTypeHighSpeed, models.SeatSecond}, Rows("ABCDF"))

	r.Register(Key{models.TrainTypeBullet, models.SeatSecondCabin}, Rows("ABCDF"))
	r.Register(Key{models.TrainTypeBullet, models.SeatFirstSleeper}, Berths(4))
	r.Register(Key{models.TrainTypeBullet, models.SeatSecondSleeper}, Berths(6))
	r.Register(Key{models.TrainTypeBullet, models.SeatStanding}, FirstFit())

	r.Register(Key{models.TrainTypeRegular, models.SeatSoftSleeper}, Berths(4))
	r.Register(Key{models.TrainTypeRegular, models.SeatHardSleeper}, Berths(6))
	r.Register(Key{models.TrainTypeRegular, models.SeatHardSeat}, FirstFit())
	r.Register(Key{models.TrainTypeRegular, models.SeatStanding}, FirstFit())

	return r
}
