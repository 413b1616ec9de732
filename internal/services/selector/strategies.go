package selector

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"train-ticket/models"
)

// groupFunc places a seat into a group of neighbouring seats (a row or a
// compartment) and gives its position inside that group. ok is false for
// seats that belong to no group.
type groupFunc func(seat models.SeatRef) (group string, pos int, ok bool)

type grouped struct {
	group groupFunc
}

// Rows keeps passengers in one row where possible. layout lists the seat
// letters of a row from window to window.
func Rows(layout string) Strategy {
	return grouped{group: func(seat models.SeatRef) (string, int, bool) {
		if len(seat.Number) < 2 {
			return "", 0, false
		}
		row, letter := seat.Number[:len(seat.Number)-1], seat.Number[len(seat.Number)-1:]
		pos := strings.Index(layout, letter)
		if pos < 0 {
			return "", 0, false
		}
		return row, pos, true
	}}
}

// Berths keeps passengers in one sleeper compartment where possible. Berth
// numbers run from 1 and each compartment holds size berths.
func Berths(size int) Strategy {
	return grouped{group: func(seat models.SeatRef) (string, int, bool) {
		n, err := strconv.Atoi(seat.Number)
		if err != nil || n < 1 {
			return "", 0, false
		}
		return strconv.Itoa((n - 1) / size), (n - 1) % size, true
	}}
}

// Select prefers one group, then one carriage, then any seats in order.
func (g grouped) Select(ctx context.Context, seats SeatSource, req Request) ([]models.SeatAssignment, error) {
	free, err := seats.ListAvailableSeats(ctx, req.TrainID, req.SeatClass, req.Legs)
	if err != nil {
		return nil, fmt.Errorf("list seats for class %d: %w", req.SeatClass, err)
	}
	return assign(req, g.pick(free, len(req.Passengers))), nil
}

func (g grouped) pick(free []models.SeatRef, n int) []models.SeatRef {
	sortSeats(free)

	type bucket struct {
		carriage string
		group    string
		seats    []models.SeatRef
		pos      []int
	}
	var groups []*bucket
	index := make(map[[2]string]*bucket)
	for _, seat := range free {
		name, pos, ok := g.group(seat)
		if !ok {
			continue
		}
		k := [2]string{seat.Carriage, name}
		b, found := index[k]
		if !found {
			b = &bucket{carriage: seat.Carriage, group: name}
			index[k] = b
			groups = append(groups, b)
		}
		b.seats = append(b.seats, seat)
		b.pos = append(b.pos, pos)
	}

	for _, b := range groups {
		if len(b.seats) < n {
			continue
		}
		order := make([]int, len(b.seats))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool { return b.pos[order[i]] < b.pos[order[j]] })
		out := make([]models.SeatRef, 0, n)
		for _, i := range order[:n] {
			out = append(out, b.seats[i])
		}
		return out
	}

	byCarriage := make(map[string][]models.SeatRef)
	var carriages []string
	for _, seat := range free {
		if _, ok := byCarriage[seat.Carriage]; !ok {
			carriages = append(carriages, seat.Carriage)
		}
		byCarriage[seat.Carriage] = append(byCarriage[seat.Carriage], seat)
	}
	for _, c := range carriages {
		if len(byCarriage[c]) >= n {
			return byCarriage[c][:n]
		}
	}

	return firstN(free, n)
}

type firstFit struct{}

// FirstFit takes free seats in carriage and seat order.
func FirstFit() Strategy {
	return firstFit{}
}

func (firstFit) Select(ctx context.Context, seats SeatSource, req Request) ([]models.SeatAssignment, error) {
	free, err := seats.ListAvailableSeats(ctx, req.TrainID, req.SeatClass, req.Legs)
	if err != nil {
		return nil, fmt.Errorf("list seats for class %d: %w", req.SeatClass, err)
	}
	sortSeats(free)
	return assign(req, firstN(free, len(req.Passengers))), nil
}

func firstN(seats []models.SeatRef, n int) []models.SeatRef {
	if len(seats) < n {
		return seats
	}
	return seats[:n]
}

func assign(req Request, seats []models.SeatRef) []models.SeatAssignment {
	out := make([]models.SeatAssignment, 0, len(seats))
	for i, seat := range seats {
		out = append(out, models.SeatAssignment{
			PassengerID: req.Passengers[i].PassengerID,
			SeatClass:   req.SeatClass,
			Seat:        seat,
		})
	}
	return out
}

func sortSeats(seats []models.SeatRef) {
	sort.SliceStable(seats, func(i, j int) bool {
		if seats[i].Carriage != seats[j].Carriage {
			return naturalLess(seats[i].Carriage, seats[j].Carriage)
		}
		return naturalLess(seats[i].Number, seats[j].Number)
	})
}

// naturalLess orders "2" before "10" and falls back to plain string order.
func naturalLess(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na < nb
	}
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
