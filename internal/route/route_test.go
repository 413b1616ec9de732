package route

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"train-ticket/models"
)

var stops = []string{"A", "B", "C", "D"}

func seg(dep, arr string) models.Segment {
	return models.Segment{Departure: dep, Arrival: arr}
}

func TestThrough(t *testing.T) {
	tests := []struct {
		name        string
		origin      string
		destination string
		expected    []models.Segment
	}{
		{"A to C", "A", "C", []models.Segment{seg("A", "B"), seg("A", "C"), seg("B", "C")}},
		{"adjacent pair", "B", "C", []models.Segment{seg("B", "C")}},
		{"full route", "A", "D", []models.Segment{
			seg("A", "B"), seg("A", "C"), seg("A", "D"), seg("B", "C"), seg("B", "D"), seg("C", "D"),
		}},
		{"same station", "B", "B", []models.Segment{}},
		{"reversed", "C", "A", []models.Segment{}},
		{"unknown origin", "X", "C", []models.Segment{}},
		{"unknown destination", "A", "X", []models.Segment{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Through(stops, tt.origin, tt.destination))
		})
	}
}

// Every sub-interval of [o, d] appears exactly once for every valid trip.
func TestThrough_ExactlyAllSubIntervals(t *testing.T) {
	stations := []string{"S0", "S1", "S2", "S3", "S4", "S5", "S6"}
	for o := 0; o < len(stations); o++ {
		for d := 0; d < len(stations); d++ {
			got := Through(stations, stations[o], stations[d])
			if o >= d {
				assert.Empty(t, got, "o=%d d=%d", o, d)
				continue
			}
			want := map[models.Segment]bool{}
			for i := o; i < d; i++ {
				for j := i + 1; j <= d; j++ {
					want[seg(stations[i], stations[j])] = true
				}
			}
			assert.Len(t, got, len(want), "o=%d d=%d", o, d)
			for _, s := range got {
				assert.True(t, want[s], "unexpected %s for o=%d d=%d", s, o, d)
			}
		}
	}
}

func TestDeduction(t *testing.T) {
	t.Run("middle trip touches every overlapping range", func(t *testing.T) {
		got := Deduction(stops, "B", "C")
		assert.Equal(t, []models.Segment{
			seg("A", "C"), seg("A", "D"), seg("B", "C"), seg("B", "D"),
		}, got)
	})

	t.Run("first leg", func(t *testing.T) {
		got := Deduction(stops, "A", "B")
		assert.Equal(t, []models.Segment{seg("A", "B"), seg("A", "C"), seg("A", "D")}, got)
	})

	t.Run("invalid trip", func(t *testing.T) {
		assert.Empty(t, Deduction(stops, "C", "B"))
	})
}

func TestDeduction_IsOverlapSet(t *testing.T) {
	stations := []string{"S0", "S1", "S2", "S3", "S4", "S5"}
	for o := 0; o < len(stations); o++ {
		for d := o + 1; d < len(stations); d++ {
			got := map[models.Segment]bool{}
			for _, s := range Deduction(stations, stations[o], stations[d]) {
				got[s] = true
			}
			for i := 0; i < len(stations); i++ {
				for j := i + 1; j < len(stations); j++ {
					overlaps := i < d && j > o
					assert.Equal(t, overlaps, got[seg(stations[i], stations[j])],
						fmt.Sprintf("trip %d-%d segment %d-%d", o, d, i, j))
				}
			}
		}
	}
}

func TestSplit(t *testing.T) {
	through, overlapOnly := Split(stops, "B", "C")

	assert.Equal(t, []models.Segment{seg("B", "C")}, through)
	assert.Equal(t, []models.Segment{seg("A", "C"), seg("A", "D"), seg("B", "D")}, overlapOnly)
}

func TestLocate(t *testing.T) {
	legs, ok := Locate(stops, "B", "D")
	assert.True(t, ok)
	assert.Equal(t, Legs{From: 1, To: 3}, legs)
	assert.Equal(t, 2, legs.Len())

	_, ok = Locate(stops, "D", "B")
	assert.False(t, ok)
}

func TestAll(t *testing.T) {
	assert.Len(t, All(stops), 6)
	assert.Empty(t, All([]string{"A"}))
}
