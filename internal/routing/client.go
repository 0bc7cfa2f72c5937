package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/resilience"
)

const (
	requestTimeout  = 10 * time.Second
	defaultMaxTries = 3
	solverSeconds   = 5
)

// cvrpRequest is the optimization service's single-depot request body.
type cvrpRequest struct {
	DistanceMatrix    [][]int `json:"distance_matrix"`
	Demands           []int   `json:"demands"`
	VehicleCapacities []int   `json:"vehicle_capacities"`
	NumVehicles       int     `json:"num_vehicles"`
	Depot             int     `json:"depot"`
	TimeLimit         int     `json:"time_limit"`
}

type cvrpResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Routes  []struct {
		VehicleID     int `json:"vehicle_id"`
		TotalDistance int `json:"total_distance"`
		Stops         []struct {
			LocationIndex int `json:"location_index"`
		} `json:"stops"`
	} `json:"routes"`
}

// Client talks to the CVRP optimization service. Calls are retried with
// exponential backoff inside a circuit breaker; ETAs are always estimated
// locally because the service does not expose them.
type Client struct {
	baseURL  string
	http     *http.Client
	breaker  *resilience.Breaker
	loc      Locator
	local    *Haversine
	maxTries uint
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithBreaker(b *resilience.Breaker) Option { return func(c *Client) { c.breaker = b } }

func WithMaxTries(n uint) Option { return func(c *Client) { c.maxTries = n } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// NewClient builds a client for the service at baseURL.
func NewClient(baseURL string, loc Locator, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: requestTimeout},
		loc:      loc,
		local:    NewHaversine(loc, FallbackSpeedKmh),
		maxTries: defaultMaxTries,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewBreaker("routing", resilience.DefaultThreshold, resilience.DefaultResetTimeout, nil)
	}
	return c
}

// Health pings the service.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("routing health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("routing health: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) EstimateETA(ctx context.Context, driverID string, to model.Point) (time.Duration, error) {
	return c.local.EstimateETA(ctx, driverID, to)
}

// OptimizeRoute asks the solver to sequence the driver's loaded orders.
// Node 0 is the driver's position and each order contributes its dropoff.
func (c *Client) OptimizeRoute(ctx context.Context, driverID string) (Route, error) {
	d, orders, err := load(ctx, c.loc, driverID)
	if err != nil {
		return Route{}, err
	}
	if len(orders) == 0 {
		return Route{DriverID: driverID, OrderIDs: []string{}}, nil
	}

	points := make([]model.Point, 0, len(orders)+1)
	points = append(points, d.Location)
	for _, o := range orders {
		points = append(points, o.Dropoff)
	}
	body := cvrpRequest{
		DistanceMatrix:    distanceMatrix(points),
		Demands:           make([]int, len(points)),
		VehicleCapacities: []int{len(orders)},
		NumVehicles:       1,
		TimeLimit:         solverSeconds,
	}
	for i := 1; i < len(points); i++ {
		body.Demands[i] = 1
	}

	var resp cvrpResponse
	err = c.breaker.Do(func() error {
		var err error
		resp, err = c.postWithRetry(ctx, body)
		return err
	})
	if err != nil {
		return Route{}, fmt.Errorf("optimize route for %s: %w: %w", driverID, model.ErrCollaboratorUnavailable, err)
	}
	if len(resp.Routes) == 0 {
		return Route{}, fmt.Errorf("optimize route for %s: empty solution", driverID)
	}

	r := Route{DriverID: driverID, OrderIDs: []string{}, DistanceKm: float64(resp.Routes[0].TotalDistance) / 1000}
	for _, s := range resp.Routes[0].Stops {
		if s.LocationIndex <= 0 || s.LocationIndex > len(orders) {
			continue
		}
		r.OrderIDs = append(r.OrderIDs, orders[s.LocationIndex-1].ID)
	}
	return r, nil
}

func (c *Client) postWithRetry(ctx context.Context, body cvrpRequest) (cvrpResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return cvrpResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	op := func() (cvrpResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/optimize/cvrp", bytes.NewReader(payload))
		if err != nil {
			return cvrpResponse{}, backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return cvrpResponse{}, err
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return cvrpResponse{}, err
		}
		if resp.StatusCode >= 500 {
			return cvrpResponse{}, fmt.Errorf("routing server error: HTTP %d", resp.StatusCode)
		}
		var out cvrpResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return cvrpResponse{}, backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if resp.StatusCode >= 400 || !out.Success {
			return cvrpResponse{}, backoff.Permanent(fmt.Errorf("routing rejected: HTTP %d: %s", resp.StatusCode, out.Error))
		}
		return out, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("routing retry", "error", err, "next", next)
		}),
	)
}

// distanceMatrix returns pairwise haversine distances in metres.
func distanceMatrix(points []model.Point) [][]int {
	m := make([][]int, len(points))
	for i := range points {
		m[i] = make([]int, len(points))
		for j := range points {
			if i != j {
				m[i][j] = int(math.Round(points[i].DistanceKm(points[j]) * 1000))
			}
		}
	}
	return m
}
