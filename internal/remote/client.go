// Package remote holds HTTP clients for the order and user services.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"train-ticket/utils"
)

const successCode = "0"

// errNotFound marks a 404 so callers can map it to their own sentinel.
var errNotFound = errors.New("remote: resource not found")

// replyError is a well-formed reply with a non-success code.
type replyError struct {
	Code    string
	Message string
}

func (e *replyError) Error() string {
	return fmt.Sprintf("remote: code %s: %s", e.Code, e.Message)
}

type reply struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type client struct {
	baseURL *url.URL
	hc      *http.Client
	breaker *utils.CircuitBreaker
}

func newClient(name, baseURL string, timeout time.Duration) (*client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: parse base url: %w", name, err)
	}
	return &client{
		baseURL: u,
		hc:      &http.Client{Timeout: timeout},
		breaker: utils.NewCircuitBreaker(name, utils.Settings{
			MinRequests: 10,
			Timeout:     15 * time.Second,
			IsFailure:   countsAgainstBreaker,
		}),
	}, nil
}

// countsAgainstBreaker ignores answers that prove the service is up.
func countsAgainstBreaker(err error) bool {
	var re *replyError
	return err != nil && !errors.Is(err, errNotFound) && !errors.As(err, &re)
}

// do sends body as JSON and decodes the reply data into out.
func (c *client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	_, err := utils.Execute(c.breaker, func() (struct{}, error) {
		return struct{}{}, c.roundTrip(ctx, method, path, query, body, out)
	})
	return err
}

func (c *client) roundTrip(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL.JoinPath(path)
	target.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: json.Marshal: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("%s %s: http.NewRequest: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: http.Do: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	var r reply
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("%s %s: json.Decode: %w", method, path, err)
	}
	if r.Code != successCode {
		return &replyError{Code: r.Code, Message: r.Message}
	}
	if out == nil || len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		return fmt.Errorf("%s %s: decode data: %w", method, path, err)
	}
	return nil
}
