package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/tools/types"
)

var catalogCollections = []string{"train_station_prices", "train_stations", "trains"}

func init() {
	m.Register(func(app core.App) error {
		trains := core.NewBaseCollection("trains")
		trains.ListRule = types.Pointer("")
		trains.ViewRule = types.Pointer("")
		trains.Fields.Add(
			&core.TextField{Name: "train_number", Required: true, Max: 16},
			&core.NumberField{Name: "train_type", OnlyInt: true},
			&core.TextField{Name: "start_station", Required: true},
			&core.TextField{Name: "end_station", Required: true},
			&core.DateField{Name: "sale_time", Required: true},
			&core.DateField{Name: "departure_time", Required: true},
			&core.NumberField{Name: "sale_status", OnlyInt: true},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		trains.AddIndex("idx_trains_number_departure", true, "train_number, departure_time", "")
		if err := app.Save(trains); err != nil {
			return err
		}

		stations := core.NewBaseCollection("train_stations")
		stations.ListRule = types.Pointer("")
		stations.Fields.Add(
			&core.RelationField{Name: "train", CollectionId: trains.Id, Required: true, MaxSelect: 1, CascadeDelete: true},
			&core.NumberField{Name: "sequence", OnlyInt: true},
			&core.TextField{Name: "station", Required: true},
			&core.DateField{Name: "arrival_time"},
			&core.DateField{Name: "departure_time"},
		)
		stations.AddIndex("idx_train_stations_sequence", true, "train, sequence", "")
		if err := app.Save(stations); err != nil {
			return err
		}

		prices := core.NewBaseCollection("train_station_prices")
		prices.ListRule = types.Pointer("")
		prices.Fields.Add(
			&core.RelationField{Name: "train", CollectionId: trains.Id, Required: true, MaxSelect: 1, CascadeDelete: true},
			&core.TextField{Name: "departure", Required: true},
			&core.TextField{Name: "arrival", Required: true},
			&core.NumberField{Name: "seat_class", OnlyInt: true},
			&core.NumberField{Name: "price", Required: true},
		)
		prices.AddIndex("idx_train_station_prices_trip", true, "train, departure, arrival, seat_class", "")
		return app.Save(prices)
	}, func(app core.App) error {
		for _, name := range catalogCollections {
			collection, err := app.FindCollectionByNameOrId(name)
			if err != nil {
				return err
			}
			if err := app.Delete(collection); err != nil {
				return err
			}
		}
		return nil
	})
}
