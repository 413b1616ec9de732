// Package catalog reads train reference data (trains, stopovers, prices)
// from the application database collections.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"

	"train-ticket/internal/status"
	"train-ticket/models"
)

type Catalog struct {
	db dbx.Builder
}

func New(db dbx.Builder) *Catalog {
	return &Catalog{db: db}
}

type trainRow struct {
	ID            string         `db:"id"`
	TrainNumber   string         `db:"train_number"`
	TrainType     int            `db:"train_type"`
	StartStation  string         `db:"start_station"`
	EndStation    string         `db:"end_station"`
	SaleTime      types.DateTime `db:"sale_time"`
	DepartureTime types.DateTime `db:"departure_time"`
	SaleStatus    int            `db:"sale_status"`
}

func (c *Catalog) GetTrain(ctx context.Context, trainID string) (*models.Train, error) {
	var row trainRow
	err := c.db.Select("id", "train_number", "train_type", "start_station", "end_station",
		"sale_time", "departure_time", "sale_status").
		From("trains").
		Where(dbx.HashExp{"id": trainID}).
		WithContext(ctx).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrTrainNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get train %s: %w", trainID, err)
	}

	return &models.Train{
		ID:            row.ID,
		TrainNumber:   row.TrainNumber,
		Type:          models.TrainType(row.TrainType),
		StartStation:  row.StartStation,
		EndStation:    row.EndStation,
		SaleTime:      row.SaleTime.Time(),
		DepartureTime: row.DepartureTime.Time(),
		SaleStatus:    row.SaleStatus,
	}, nil
}

// ListStations returns the train's stops in travel order.
func (c *Catalog) ListStations(ctx context.Context, trainID string) ([]string, error) {
	var rows []struct {
		Station string `db:"station"`
	}
	err := c.db.Select("station").
		From("train_stations").
		Where(dbx.HashExp{"train": trainID}).
		OrderBy("sequence ASC").
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("list stations for %s: %w", trainID, err)
	}

	stations := make([]string, len(rows))
	for i, r := range rows {
		stations[i] = r.Station
	}
	return stations, nil
}

func (c *Catalog) GetPrice(ctx context.Context, trainID, departure, arrival string, class models.SeatClass) (decimal.Decimal, error) {
	var row struct {
		Price float64 `db:"price"`
	}
	err := c.db.Select("price").
		From("train_station_prices").
		Where(dbx.HashExp{
			"train":      trainID,
			"departure":  departure,
			"arrival":    arrival,
			"seat_class": int(class),
		}).
		WithContext(ctx).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("price %s %s-%s class %d: %w", trainID, departure, arrival, class, status.ErrReferenceData)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get price for %s: %w", trainID, err)
	}
	return decimal.NewFromFloat(row.Price).Round(2), nil
}
