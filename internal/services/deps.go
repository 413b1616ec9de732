package services

import (
	"context"

	"github.com/shopspring/decimal"

	"train-ticket/internal/route"
	"train-ticket/models"
)

// SeatStore is the authoritative seat inventory.
type SeatStore interface {
	CountAvailableByClass(ctx context.Context, trainID string, legs route.Legs, classes []models.SeatClass) (map[models.SeatClass]int, error)
	CountAvailableByCarriage(ctx context.Context, trainID string, class models.SeatClass, legs route.Legs) (map[string]int, error)
	ListAvailableSeats(ctx context.Context, trainID string, class models.SeatClass, legs route.Legs) ([]models.SeatRef, error)
	LockSeats(ctx context.Context, reservationID, trainID string, legs route.Legs, seats []models.SeatRef) error
	UnlockSeats(ctx context.Context, reservationID string) (int64, error)
}

type TrainCatalog interface {
	GetTrain(ctx context.Context, trainID string) (*models.Train, error)
	ListStations(ctx context.Context, trainID string) ([]string, error)
	GetPrice(ctx context.Context, trainID, departure, arrival string, class models.SeatClass) (decimal.Decimal, error)
}

type OrderService interface {
	CreateOrder(ctx context.Context, req models.CreateOrderRequest) (string, error)
	// CloseOrder reports whether this call moved the order to closed.
	CloseOrder(ctx context.Context, orderRef string) (bool, error)
	QueryOrder(ctx context.Context, orderRef string) (*models.OrderDetail, error)
}

type PassengerService interface {
	LookupPassengers(ctx context.Context, username string, ids []string) ([]models.Passenger, error)
}

// ReconcileScheduler hands work to the durable workflow engine.
type ReconcileScheduler interface {
	ScheduleDelayClose(ctx context.Context, ev models.DelayCloseEvent) error
	// ScheduleRelease retries Reconciler.Release for res until it succeeds.
	ScheduleRelease(ctx context.Context, res models.Reservation) error
}

type Notifier interface {
	Notify(ctx context.Context, userID string, message map[string]any) error
}
