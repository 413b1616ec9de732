package remote

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"train-ticket/internal/status"
	"train-ticket/models"
)

// OrderClient talks to the order service.
type OrderClient struct {
	c *client
}

func NewOrderClient(baseURL string, timeout time.Duration) (*OrderClient, error) {
	c, err := newClient("order-service", baseURL, timeout)
	if err != nil {
		return nil, err
	}
	return &OrderClient{c: c}, nil
}

func (o *OrderClient) CreateOrder(ctx context.Context, req models.CreateOrderRequest) (string, error) {
	var reply struct {
		OrderSn string `json:"orderSn"`
	}
	if err := o.c.do(ctx, http.MethodPost, "/api/order-service/order/ticket/create", nil, req, &reply); err != nil {
		return "", err
	}
	if reply.OrderSn == "" {
		return "", errors.New("create order: empty order reference")
	}
	return reply.OrderSn, nil
}

// CloseOrder asks the order service to close an unpaid order. It reports
// false when the order was already paid or closed.
func (o *OrderClient) CloseOrder(ctx context.Context, orderRef string) (bool, error) {
	var closed bool
	body := map[string]string{"orderSn": orderRef}
	err := o.c.do(ctx, http.MethodPost, "/api/order-service/order/ticket/close", nil, body, &closed)
	if errors.Is(err, errNotFound) {
		return false, status.Client("close order", status.ErrOrderNotFound)
	}
	return closed, err
}

func (o *OrderClient) QueryOrder(ctx context.Context, orderRef string) (*models.OrderDetail, error) {
	var order models.OrderDetail
	query := url.Values{"orderSn": {orderRef}}
	err := o.c.do(ctx, http.MethodGet, "/api/order-service/order/ticket/query", query, nil, &order)
	if errors.Is(err, errNotFound) {
		return nil, status.Client("query order", status.ErrOrderNotFound)
	}
	if err != nil {
		return nil, status.Dependency("query order", err)
	}
	if order.OrderRef == "" {
		return nil, status.Client("query order", status.ErrOrderNotFound)
	}
	return &order, nil
}
