// Package route turns a train's ordered stop list and a trip into the
// segments whose inventory the trip touches.
package route

import "train-ticket/models"

// Legs is the half-open range [From, To) of adjacent legs a trip rides,
// where leg k runs from stop k to stop k+1.
type Legs struct {
	From int
	To   int
}

func (l Legs) Len() int {
	return l.To - l.From
}

// Locate returns the legs ridden between origin and destination. ok is false
// when either stop is missing or origin does not precede destination.
func Locate(stations []string, origin, destination string) (Legs, bool) {
	from, to := indexOf(stations, origin), indexOf(stations, destination)
	if from < 0 || to < 0 || from >= to {
		return Legs{}, false
	}
	return Legs{From: from, To: to}, true
}

// Through returns every sub-interval (i, j) with origin <= i < j <= destination,
// ordered by i then j. Invalid trips yield an empty list.
func Through(stations []string, origin, destination string) []models.Segment {
	legs, ok := Locate(stations, origin, destination)
	if !ok {
		return []models.Segment{}
	}
	segments := make([]models.Segment, 0, legs.Len()*(legs.Len()+1)/2)
	for i := legs.From; i < legs.To; i++ {
		for j := i + 1; j <= legs.To; j++ {
			segments = append(segments, models.Segment{Departure: stations[i], Arrival: stations[j]})
		}
	}
	return segments
}

// Deduction returns every segment (i, j) of the whole route whose range
// overlaps [origin, destination], meaning i < destination and j > origin.
// A seat sold for the trip is unavailable on all of them. The result is a
// superset of Through.
func Deduction(stations []string, origin, destination string) []models.Segment {
	legs, ok := Locate(stations, origin, destination)
	if !ok {
		return []models.Segment{}
	}
	var segments []models.Segment
	for i := 0; i < legs.To; i++ {
		for j := max(i+1, legs.From+1); j < len(stations); j++ {
			segments = append(segments, models.Segment{Departure: stations[i], Arrival: stations[j]})
		}
	}
	return segments
}

// All returns every segment of the full route.
func All(stations []string) []models.Segment {
	if len(stations) < 2 {
		return []models.Segment{}
	}
	return Through(stations, stations[0], stations[len(stations)-1])
}

// Split partitions Deduction into the Through segments and the remaining
// overlap-only segments.
func Split(stations []string, origin, destination string) (through, overlapOnly []models.Segment) {
	through = Through(stations, origin, destination)
	inThrough := make(map[models.Segment]struct{}, len(through))
	for _, s := range through {
		inThrough[s] = struct{}{}
	}
	for _, s := range Deduction(stations, origin, destination) {
		if _, ok := inThrough[s]; !ok {
			overlapOnly = append(overlapOnly, s)
		}
	}
	return through, overlapOnly
}

func indexOf(stations []string, name string) int {
	for i, s := range stations {
		if s == name {
			return i
		}
	}
	return -1
}
