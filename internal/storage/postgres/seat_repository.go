package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"train-ticket/internal/route"
	"train-ticket/internal/status"
	"train-ticket/models"
)

const (
	legAvailable = 0
	legLocked    = 1
)

// SeatRepository is the authoritative seat store. A seat is available for
// a trip when none of its legs inside the trip's leg range is taken.
type SeatRepository struct {
	pool *pgxpool.Pool
}

func NewSeatRepository(pool *pgxpool.Pool) *SeatRepository {
	return &SeatRepository{pool: pool}
}

const freeSeatsCTE = `
WITH free AS (
	SELECT s.id, s.carriage_number, s.seat_number, s.seat_class
	FROM seats s
	WHERE s.train_id = $1
	  AND NOT EXISTS (
		SELECT 1 FROM seat_legs l
		WHERE l.seat_id = s.id AND l.leg_index >= $2 AND l.leg_index < $3 AND l.status <> 0
	  )
)`

func (r *SeatRepository) CountAvailableByClass(ctx context.Context, trainID string, legs route.Legs, classes []models.SeatClass) (map[models.SeatClass]int, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, freeSeatsCTE+`
SELECT seat_class, COUNT(*) FROM free WHERE seat_class = ANY($4) GROUP BY seat_class`,
		trainID, legs.From, legs.To, classCodes(classes),
	)
	if err != nil {
		return nil, fmt.Errorf("count seats by class: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SeatClass]int, len(classes))
	for _, c := range classes {
		counts[c] = 0
	}
	for rows.Next() {
		var class int16
		var n int
		if err := rows.Scan(&class, &n); err != nil {
			return nil, err
		}
		counts[models.SeatClass(class)] = n
	}
	return counts, rows.Err()
}

func (r *SeatRepository) CountAvailableByCarriage(ctx context.Context, trainID string, class models.SeatClass, legs route.Legs) (map[string]int, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, freeSeatsCTE+`
SELECT carriage_number, COUNT(*) FROM free WHERE seat_class = $4 GROUP BY carriage_number`,
		trainID, legs.From, legs.To, int16(class),
	)
	if err != nil {
		return nil, fmt.Errorf("count seats by carriage: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var carriage string
		var n int
		if err := rows.Scan(&carriage, &n); err != nil {
			return nil, err
		}
		counts[carriage] = n
	}
	return counts, rows.Err()
}

func (r *SeatRepository) ListAvailableSeats(ctx context.Context, trainID string, class models.SeatClass, legs route.Legs) ([]models.SeatRef, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, freeSeatsCTE+`
SELECT carriage_number, seat_number FROM free WHERE seat_class = $4 ORDER BY carriage_number, seat_number`,
		trainID, legs.From, legs.To, int16(class),
	)
	if err != nil {
		return nil, fmt.Errorf("list seats: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.SeatRef, error) {
		var s models.SeatRef
		err := row.Scan(&s.Carriage, &s.Number)
		return s, err
	})
}

// LockSeats marks the trip's legs of every seat as held by reservationID in
// one transaction. If any leg is no longer available nothing is changed.
func (r *SeatRepository) LockSeats(ctx context.Context, reservationID, trainID string, legs route.Legs, seats []models.SeatRef) error {
	return withTx(ctx, r.pool, func(ctx context.Context) error {
		for _, seat := range seats {
			tag, err := conn(ctx, r.pool).Exec(ctx, `
UPDATE seat_legs l
SET status = $1, reservation_id = $2, updated_at = NOW()
FROM seats s
WHERE l.seat_id = s.id
  AND s.train_id = $3 AND s.carriage_number = $4 AND s.seat_number = $5
  AND l.leg_index >= $6 AND l.leg_index < $7
  AND l.status = $8`,
				legLocked, reservationID, trainID, seat.Carriage, seat.Number, legs.From, legs.To, legAvailable,
			)
			if err != nil {
				return fmt.Errorf("lock seat %s-%s: %w", seat.Carriage, seat.Number, err)
			}
			if tag.RowsAffected() != int64(legs.Len()) {
				return fmt.Errorf("lock seat %s-%s: %w", seat.Carriage, seat.Number, status.ErrSeatTaken)
			}
		}
		return nil
	})
}

// UnlockSeats releases every leg still locked by reservationID. Running it
// again is a no-op.
func (r *SeatRepository) UnlockSeats(ctx context.Context, reservationID string) (int64, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
UPDATE seat_legs SET status = $1, reservation_id = NULL, updated_at = NOW()
WHERE reservation_id = $2 AND status = $3`,
		legAvailable, reservationID, legLocked,
	)
	if err != nil {
		return 0, fmt.Errorf("unlock seats for %s: %w", reservationID, err)
	}
	return tag.RowsAffected(), nil
}

// SeatSpec describes one seat to provision.
type SeatSpec struct {
	Carriage string
	Number   string
	Class    models.SeatClass
}

// ProvisionSeats creates seats with one available leg per adjacent pair of
// stations. Existing seats are left untouched.
func (r *SeatRepository) ProvisionSeats(ctx context.Context, trainID string, stations []string, seats []SeatSpec) error {
	return withTx(ctx, r.pool, func(ctx context.Context) error {
		q := conn(ctx, r.pool)
		for _, s := range seats {
			var seatID int64
			err := q.QueryRow(ctx, `
INSERT INTO seats (train_id, carriage_number, seat_number, seat_class)
VALUES ($1, $2, $3, $4)
ON CONFLICT (train_id, carriage_number, seat_number) DO NOTHING
RETURNING id`,
				trainID, s.Carriage, s.Number, int16(s.Class),
			).Scan(&seatID)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("insert seat %s-%s: %w", s.Carriage, s.Number, err)
			}
			for k := 0; k+1 < len(stations); k++ {
				if _, err := q.Exec(ctx, `
INSERT INTO seat_legs (seat_id, leg_index, departure, arrival) VALUES ($1, $2, $3, $4)`,
					seatID, k, stations[k], stations[k+1],
				); err != nil {
					return fmt.Errorf("insert leg %d of seat %s-%s: %w", k, s.Carriage, s.Number, err)
				}
			}
		}
		return nil
	})
}

func classCodes(classes []models.SeatClass) []int16 {
	out := make([]int16, len(classes))
	for i, c := range classes {
		out[i] = int16(c)
	}
	return out
}
