package remote

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"train-ticket/models"
)

// PassengerClient reads a user's saved passengers from the user service.
type PassengerClient struct {
	c *client
}

func NewPassengerClient(baseURL string, timeout time.Duration) (*PassengerClient, error) {
	c, err := newClient("user-service", baseURL, timeout)
	if err != nil {
		return nil, err
	}
	return &PassengerClient{c: c}, nil
}

func (p *PassengerClient) LookupPassengers(ctx context.Context, username string, ids []string) ([]models.Passenger, error) {
	var passengers []models.Passenger
	query := url.Values{
		"username": {username},
		"ids":      {strings.Join(ids, ",")},
	}
	if err := p.c.do(ctx, http.MethodGet, "/api/user-service/inner/passenger/actual/query/ids", query, nil, &passengers); err != nil {
		return nil, err
	}
	return passengers, nil
}
