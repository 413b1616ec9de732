package models

import (
	"fmt"
	"time"
)

type TrainType int

const (
	TrainTypeHighSpeed TrainType = 0
	TrainTypeBullet    TrainType = 1
	TrainTypeRegular   TrainType = 2
)

type SeatClass int

const (
	SeatBusiness      SeatClass = 0
	SeatFirst         SeatClass = 1
	SeatSecond        SeatClass = 2
	SeatSecondCabin   SeatClass = 3
	SeatFirstSleeper  SeatClass = 4
	SeatSecondSleeper SeatClass = 5
	SeatSoftSleeper   SeatClass = 6
	SeatHardSleeper   SeatClass = 7
	SeatHardSeat      SeatClass = 8
	SeatStanding      SeatClass = 13
)

var trainTypeClasses = map[TrainType][]SeatClass{
	TrainTypeHighSpeed: {SeatBusiness, SeatFirst, SeatSecond},
	TrainTypeBullet:    {SeatSecondCabin, SeatFirstSleeper, SeatSecondSleeper, SeatStanding},
	TrainTypeRegular:   {SeatSoftSleeper, SeatHardSleeper, SeatHardSeat, SeatStanding},
}

// SeatClasses lists the classes sold on this train type, in class-code order.
func (t TrainType) SeatClasses() []SeatClass {
	classes := trainTypeClasses[t]
	out := make([]SeatClass, len(classes))
	copy(out, classes)
	return out
}

func (t TrainType) Sells(class SeatClass) bool {
	for _, c := range trainTypeClasses[t] {
		if c == class {
			return true
		}
	}
	return false
}

// Valid reports whether class is sold on any train type.
func (c SeatClass) Valid() bool {
	for _, classes := range trainTypeClasses {
		for _, known := range classes {
			if known == c {
				return true
			}
		}
	}
	return false
}

func (t TrainType) String() string {
	switch t {
	case TrainTypeHighSpeed:
		return "high-speed"
	case TrainTypeBullet:
		return "bullet"
	case TrainTypeRegular:
		return "regular"
	}
	return fmt.Sprintf("train-type-%d", int(t))
}

func (c SeatClass) String() string {
	switch c {
	case SeatBusiness:
		return "business"
	case SeatFirst:
		return "first"
	case SeatSecond:
		return "second"
	case SeatSecondCabin:
		return "second-cabin"
	case SeatFirstSleeper:
		return "first-sleeper"
	case SeatSecondSleeper:
		return "second-sleeper"
	case SeatSoftSleeper:
		return "soft-sleeper"
	case SeatHardSleeper:
		return "hard-sleeper"
	case SeatHardSeat:
		return "hard-seat"
	case SeatStanding:
		return "standing"
	}
	return fmt.Sprintf("class-%d", int(c))
}

const (
	SaleStatusOnSale    = 0
	SaleStatusSuspended = 1
)

type Train struct {
	ID            string    `json:"id"`
	TrainNumber   string    `json:"train_number"`
	Type          TrainType `json:"train_type"`
	StartStation  string    `json:"start_station"`
	EndStation    string    `json:"end_station"`
	SaleTime      time.Time `json:"sale_time"`
	DepartureTime time.Time `json:"departure_time"`
	SaleStatus    int       `json:"sale_status"`
}

// Segment is a (departure, arrival) pair of stops on one train.
type Segment struct {
	Departure string `json:"departure"`
	Arrival   string `json:"arrival"`
}

func (s Segment) String() string {
	return s.Departure + "->" + s.Arrival
}
