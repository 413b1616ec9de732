package services

import (
	"context"
	"time"

	"train-ticket/internal/cache"
	"train-ticket/internal/keys"
	"train-ticket/models"
)

// TrainDirectory serves train info and stopover lists from Redis, loading
// them from the catalog on a miss.
type TrainDirectory struct {
	catalog TrainCatalog
	cache   *cache.Cache
	ttl     time.Duration
}

func NewTrainDirectory(catalog TrainCatalog, c *cache.Cache, ttl time.Duration) *TrainDirectory {
	return &TrainDirectory{catalog: catalog, cache: c, ttl: ttl}
}

func (d *TrainDirectory) Train(ctx context.Context, trainID string) (*models.Train, error) {
	return cache.SafeGet(ctx, d.cache, keys.TrainInfo(trainID), d.ttl, func(ctx context.Context) (*models.Train, error) {
		return d.catalog.GetTrain(ctx, trainID)
	})
}

func (d *TrainDirectory) Stations(ctx context.Context, trainID string) ([]string, error) {
	return cache.SafeGet(ctx, d.cache, keys.Stopover(trainID), d.ttl, func(ctx context.Context) ([]string, error) {
		return d.catalog.ListStations(ctx, trainID)
	})
}

// Forget drops the cached train info and stopovers so the next read goes to
// the catalog.
func (d *TrainDirectory) Forget(ctx context.Context, trainID string) error {
	return d.cache.Delete(ctx, keys.TrainInfo(trainID), keys.Stopover(trainID))
}
