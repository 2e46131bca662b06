package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"captain-core/internal/common/log"
	"captain-core/internal/contracts"
	"captain-core/internal/domain/captain"
	"captain-core/internal/domain/geo"
	"captain-core/internal/domain/order"
)

// Client talks to the dispatch REST API: login plus the order and location
// operations that require server confirmation.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger

	token string
}

// New creates a REST client for the given base URL.
func New(baseURL string, timeout time.Duration, logger *log.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// SetToken installs the bearer token used on authenticated calls.
func (c *Client) SetToken(token string) {
	c.token = token
}

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	Token     string
	CaptainID string
	Profile   captain.Profile
}

type loginResponse struct {
	Token     string `json:"token"`
	CaptainID string `json:"captain_id"`
	Profile   struct {
		Name            string  `json:"name"`
		Phone           string  `json:"phone"`
		VehicleType     string  `json:"vehicle_type"`
		Rating          float64 `json:"rating"`
		TotalDeliveries int     `json:"total_deliveries"`
	} `json:"profile"`
}

// Login exchanges credentials for a bearer token and the captain profile.
// The returned token is installed on the client for subsequent calls.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var resp loginResponse
	err := c.do(ctx, http.MethodPost, "/api/captain/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Token == "" || resp.CaptainID == "" {
		return nil, fmt.Errorf("login response missing token or captain id")
	}

	c.token = resp.Token
	profile, err := captain.NewProfile(resp.CaptainID, resp.Profile.Name)
	if err != nil {
		return nil, err
	}
	profile.Phone = resp.Profile.Phone
	profile.VehicleType = resp.Profile.VehicleType
	if resp.Profile.Rating > 0 {
		profile.Rating = resp.Profile.Rating
	}
	profile.TotalDeliveries = resp.Profile.TotalDeliveries

	return &LoginResult{Token: resp.Token, CaptainID: resp.CaptainID, Profile: *profile}, nil
}

// ListAvailableOrders fetches the current offer list for the captain.
func (c *Client) ListAvailableOrders(ctx context.Context, captainID string) ([]*order.Order, error) {
	var resp struct {
		Orders []contracts.OrderPush `json:"orders"`
	}
	path := fmt.Sprintf("/api/captain/%s/orders/available", captainID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	orders := make([]*order.Order, 0, len(resp.Orders))
	for _, push := range resp.Orders {
		o, err := push.ToOrder()
		if err != nil {
			c.logger.Warn(ctx, "order_list_skip", "Skipping malformed order in available list", map[string]any{
				"order_id": push.ID,
			})
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// AcceptOrder asks the server to confirm an accept. ErrConflict reports the
// order was already taken by another captain.
func (c *Client) AcceptOrder(ctx context.Context, captainID, orderID string) error {
	path := fmt.Sprintf("/api/captain/%s/orders/%s/accept", captainID, orderID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// RejectOrder tells the server the captain refused the offer.
func (c *Client) RejectOrder(ctx context.Context, captainID, orderID string) error {
	path := fmt.Sprintf("/api/captain/%s/orders/%s/reject", captainID, orderID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// UpdateOrderStatus reports a captain-driven transition, optionally with
// notes and the position it happened at.
func (c *Client) UpdateOrderStatus(ctx context.Context, captainID, orderID string, status order.Status, notes string, loc *geo.Point) error {
	body := map[string]any{
		"status": status.String(),
	}
	if notes != "" {
		body["notes"] = notes
	}
	if loc != nil {
		body["location"] = loc
	}
	path := fmt.Sprintf("/api/captain/%s/orders/%s/status", captainID, orderID)
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// UpdateLocation reports the latest sample over REST, used when the dispatch
// socket is not the delivery channel (e.g. server-requested refresh).
func (c *Client) UpdateLocation(ctx context.Context, captainID string, sample geo.Sample) error {
	path := fmt.Sprintf("/api/captain/%s/location", captainID)
	return c.do(ctx, http.MethodPut, path, contracts.LocationUpdateFrom(sample), nil)
}

// --- plumbing ---

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var er errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		return c.statusError(resp.StatusCode, er.Error, method, path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) statusError(code int, serverMsg, method, path string) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusConflict:
		return ErrConflict
	case http.StatusNotFound:
		return ErrNotFound
	}
	if serverMsg == "" {
		serverMsg = http.StatusText(code)
	}
	return fmt.Errorf("%s %s: %d %s", method, path, code, serverMsg)
}
