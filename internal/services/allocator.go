package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"train-ticket/internal/route"
	"train-ticket/internal/services/selector"
	"train-ticket/internal/status"
	"train-ticket/models"
	"train-ticket/monitoring"
)

// Allocator turns a reservation into concrete, locked seats. Classes are
// selected concurrently on a worker bound shared by all requests.
type Allocator struct {
	seats      SeatStore
	passengers PassengerService
	catalog    TrainCatalog
	strategies *selector.Registry
	workers    *semaphore.Weighted
	timeout    time.Duration
	monitor    *monitoring.Monitor
}

func NewAllocator(seats SeatStore, passengers PassengerService, catalog TrainCatalog, strategies *selector.Registry, workers int, timeout time.Duration, monitor *monitoring.Monitor) *Allocator {
	return &Allocator{
		seats:      seats,
		passengers: passengers,
		catalog:    catalog,
		strategies: strategies,
		workers:    semaphore.NewWeighted(int64(max(workers, 1))),
		timeout:    timeout,
		monitor:    monitor,
	}
}

// Allocate picks and locks one seat per passenger, all or nothing.
func (a *Allocator) Allocate(ctx context.Context, train *models.Train, stations []string, res models.Reservation, req models.PurchaseRequest, caller Caller) ([]models.AllocationResult, error) {
	start := time.Now()
	defer func() { a.monitor.TrackAllocation(train.Type.String(), time.Since(start)) }()

	legs, ok := route.Locate(stations, req.Departure, req.Arrival)
	if !ok {
		return nil, status.Client("allocate seats", status.ErrInvalidRoute)
	}

	byClass := make(map[models.SeatClass][]models.PassengerSeat)
	for _, p := range req.Passengers {
		byClass[p.SeatClass] = append(byClass[p.SeatClass], p)
	}
	classes := models.SortedClasses(req.Demand())

	requests := make([]selector.Request, len(classes))
	strategies := make([]selector.Strategy, len(classes))
	for i, class := range classes {
		s, ok := a.strategies.Lookup(selector.Key{TrainType: train.Type, SeatClass: class})
		if !ok {
			return nil, status.Client("allocate seats", status.ErrUnsupportedClass)
		}
		strategies[i] = s
		requests[i] = selector.Request{TrainID: train.ID, SeatClass: class, Legs: legs, Passengers: byClass[class]}
	}

	selected, err := a.selectAll(ctx, strategies, requests)
	if err != nil {
		return nil, err
	}

	var assigned []models.SeatAssignment
	var shortfalls []status.Shortfall
	for i, got := range selected {
		if missing := len(requests[i].Passengers) - len(got); missing > 0 {
			shortfalls = append(shortfalls, status.Shortfall{SeatClass: int(requests[i].SeatClass), Missing: missing})
		}
		assigned = append(assigned, got...)
	}
	if len(shortfalls) > 0 || len(assigned) != len(req.Passengers) {
		return nil, status.Capacity("allocate seats", status.ErrInsufficientSeats, shortfalls...)
	}

	results, err := a.enrich(ctx, train.ID, req, caller, assigned)
	if err != nil {
		return nil, err
	}

	refs := make([]models.SeatRef, len(assigned))
	for i, s := range assigned {
		refs[i] = s.Seat
	}
	if err := a.seats.LockSeats(ctx, res.ID, train.ID, legs, refs); err != nil {
		if errors.Is(err, status.ErrSeatTaken) {
			return nil, status.Capacity("lock seats", status.ErrInsufficientSeats)
		}
		return nil, status.Dependency("lock seats", err)
	}
	return results, nil
}

func (a *Allocator) selectAll(ctx context.Context, strategies []selector.Strategy, requests []selector.Request) ([][]models.SeatAssignment, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out := make([][]models.SeatAssignment, len(requests))
	if len(requests) == 1 {
		got, err := strategies[0].Select(ctx, a.seats, requests[0])
		if err != nil {
			return nil, selectError(err)
		}
		out[0] = got
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range requests {
		g.Go(func() error {
			if err := a.workers.Acquire(gctx, 1); err != nil {
				return err
			}
			defer a.workers.Release(1)

			got, err := strategies[i].Select(gctx, a.seats, requests[i])
			if err != nil {
				return err
			}
			out[i] = got
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, selectError(err)
	}
	return out, nil
}

func selectError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Contention("select seats", err)
	}
	return status.Dependency("select seats", err)
}

// enrich merges passenger identity and price into each assignment. Missing
// reference data for any assigned seat fails the whole allocation.
func (a *Allocator) enrich(ctx context.Context, trainID string, req models.PurchaseRequest, caller Caller, assigned []models.SeatAssignment) ([]models.AllocationResult, error) {
	ids := make([]string, len(assigned))
	for i, s := range assigned {
		ids[i] = s.PassengerID
	}
	found, err := a.passengers.LookupPassengers(ctx, caller.Username, ids)
	if err != nil {
		slog.Error("Failed to look up passengers", "username", caller.Username, "passenger_ids", ids, "error", err)
		return nil, status.Dependency("look up passengers", err)
	}
	byID := make(map[string]models.Passenger, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}

	prices := make(map[models.SeatClass]decimal.Decimal)
	for _, class := range req.Classes() {
		price, err := a.catalog.GetPrice(ctx, trainID, req.Departure, req.Arrival, class)
		if err != nil {
			slog.Error("Failed to look up price", "train_id", trainID, "seat_class", int(class), "error", err)
			return nil, status.Dependency("look up price", err)
		}
		prices[class] = price
	}

	results := make([]models.AllocationResult, 0, len(assigned))
	for _, s := range assigned {
		p, ok := byID[s.PassengerID]
		if !ok {
			slog.Error("Passenger missing from lookup", "username", caller.Username, "passenger_id", s.PassengerID)
			return nil, status.Dependency("look up passengers", status.ErrReferenceData)
		}
		results = append(results, models.AllocationResult{
			PassengerID:  s.PassengerID,
			SeatClass:    s.SeatClass,
			Carriage:     s.Seat.Carriage,
			SeatNumber:   s.Seat.Number,
			Amount:       prices[s.SeatClass],
			RealName:     p.RealName,
			IDType:       p.IDType,
			IDCard:       p.IDCard,
			Phone:        p.Phone,
			DiscountType: p.DiscountType,
		})
	}
	return results, nil
}
