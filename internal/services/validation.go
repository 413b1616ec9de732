package services

import (
	"context"
	"errors"

	"train-ticket/internal/clock"
	"train-ticket/internal/route"
	"train-ticket/internal/status"
	"train-ticket/models"
)

// PurchaseContext is the request as it moves through validation. Stages fill
// in the train and its stops for the stages after them.
type PurchaseContext struct {
	Request  models.PurchaseRequest
	Train    *models.Train
	Stations []string
}

type Validator interface {
	Validate(ctx context.Context, pc *PurchaseContext) error
}

type ValidatorFunc func(ctx context.Context, pc *PurchaseContext) error

func (f ValidatorFunc) Validate(ctx context.Context, pc *PurchaseContext) error {
	return f(ctx, pc)
}

// ValidationChain runs its stages in order and stops at the first failure.
type ValidationChain struct {
	stages []Validator
}

func NewValidationChain(stages ...Validator) *ValidationChain {
	return &ValidationChain{stages: stages}
}

func (c *ValidationChain) Validate(ctx context.Context, pc *PurchaseContext) error {
	for _, stage := range c.stages {
		if err := stage.Validate(ctx, pc); err != nil {
			return err
		}
	}
	return nil
}

// NewPurchaseValidation builds the purchase chain: request shape, then train
// and route, then a cached stock pre-check.
func NewPurchaseValidation(trains *TrainDirectory, ledger *Ledger, clk clock.Clock, saleWindowBypass bool) *ValidationChain {
	return NewValidationChain(
		ValidatorFunc(validateRequired),
		trainValidator{trains: trains, clock: clk, bypass: saleWindowBypass},
		stockValidator{ledger: ledger},
	)
}

func validateRequired(_ context.Context, pc *PurchaseContext) error {
	req := pc.Request
	if req.TrainID == "" || req.Departure == "" || req.Arrival == "" || len(req.Passengers) == 0 {
		return status.Client("validate request", status.ErrIncompleteRequest)
	}
	seen := make(map[string]struct{}, len(req.Passengers))
	for _, p := range req.Passengers {
		if p.PassengerID == "" || !p.SeatClass.Valid() {
			return status.Client("validate request", status.ErrIncompleteRequest)
		}
		if _, dup := seen[p.PassengerID]; dup {
			return status.Client("validate request", status.ErrIncompleteRequest)
		}
		seen[p.PassengerID] = struct{}{}
	}
	return nil
}

type trainValidator struct {
	trains *TrainDirectory
	clock  clock.Clock
	bypass bool
}

func (v trainValidator) Validate(ctx context.Context, pc *PurchaseContext) error {
	train, err := v.trains.Train(ctx, pc.Request.TrainID)
	if errors.Is(err, status.ErrTrainNotFound) {
		return status.Client("validate train", status.ErrTrainNotFound)
	}
	if err != nil {
		return status.Dependency("validate train", err)
	}
	if train.SaleStatus != models.SaleStatusOnSale {
		return status.Client("validate train", status.ErrNotOnSale)
	}
	if !v.bypass {
		now := v.clock.Now()
		if now.Before(train.SaleTime) {
			return status.Client("validate train", status.ErrNotOnSale)
		}
		if !now.Before(train.DepartureTime) {
			return status.Client("validate train", status.ErrDeparted)
		}
	}
	for _, class := range pc.Request.Classes() {
		if !train.Type.Sells(class) {
			return status.Client("validate train", status.ErrUnsupportedClass)
		}
	}

	stations, err := v.trains.Stations(ctx, train.ID)
	if err != nil {
		return status.Dependency("validate route", err)
	}
	if _, ok := route.Locate(stations, pc.Request.Departure, pc.Request.Arrival); !ok {
		return status.Client("validate route", status.ErrInvalidRoute)
	}

	pc.Train = train
	pc.Stations = stations
	return nil
}

type stockValidator struct {
	ledger *Ledger
}

func (v stockValidator) Validate(ctx context.Context, pc *PurchaseContext) error {
	demand := pc.Request.Demand()
	seg := models.Segment{Departure: pc.Request.Departure, Arrival: pc.Request.Arrival}
	remaining, err := v.ledger.Remaining(ctx, pc.Train.ID, pc.Stations, seg, models.SortedClasses(demand))
	if err != nil {
		return err
	}

	var shortfalls []status.Shortfall
	for class, want := range demand {
		if have := remaining[class]; have < want {
			shortfalls = append(shortfalls, status.Shortfall{SeatClass: int(class), Missing: want - have})
		}
	}
	if len(shortfalls) > 0 {
		return status.Capacity("check stock", status.ErrInsufficientStock, shortfalls...)
	}
	return nil
}
