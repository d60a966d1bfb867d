// Package osrm is the OSRM HTTP adapter. Its sole responsibility is talking
// to OSRM: formatting (lat,lon) into OSRM's lon,lat order, building /route
// and /table URLs, and normalizing responses. No dispatch rules live here.
package osrm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

// Client talks to one OSRM instance with a fixed routing profile.
type Client struct {
	http    *resty.Client
	profile string
}

// New builds a Client for the given base URL (e.g. http://localhost:5000)
// and profile (driving, cycling, walking).
func New(baseURL, profile string, timeout time.Duration) *Client {
	httpc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout)
	return &Client{http: httpc, profile: profile}
}

// RouteSummary is the normalized /route response.
type RouteSummary struct {
	DistanceMeters  float64
	DurationSeconds float64
}

type routeResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

type tableResponse struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Durations [][]*float64 `json:"durations"`
}

// Route calls /route for two or more coordinates and returns total distance
// and duration.
func (c *Client) Route(ctx context.Context, coords []domain.Coordinate) (RouteSummary, error) {
	if len(coords) < 2 {
		return RouteSummary{}, fmt.Errorf("%w: route needs at least two coordinates", domain.ErrOracleUnavailable)
	}
	var out routeResponse
	err := c.get(ctx, fmt.Sprintf("/route/v1/%s/%s", c.profile, formatCoordinates(coords)),
		map[string]string{"overview": "false"}, &out)
	if err != nil {
		return RouteSummary{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return RouteSummary{}, fmt.Errorf("%w: osrm route: %s", domain.ErrOracleUnavailable, out.Message)
	}
	return RouteSummary{DistanceMeters: out.Routes[0].Distance, DurationSeconds: out.Routes[0].Duration}, nil
}

// Table calls /table for the full NxN duration matrix over coords.
// Unroutable pairs come back as +Inf.
func (c *Client) Table(ctx context.Context, coords []domain.Coordinate) ([][]float64, error) {
	if len(coords) == 0 {
		return nil, nil
	}
	var out tableResponse
	err := c.get(ctx, fmt.Sprintf("/table/v1/%s/%s", c.profile, formatCoordinates(coords)),
		map[string]string{"annotations": "duration"}, &out)
	if err != nil {
		return nil, err
	}
	if out.Code != "Ok" {
		return nil, fmt.Errorf("%w: osrm table: %s", domain.ErrOracleUnavailable, out.Message)
	}
	if len(out.Durations) != len(coords) {
		return nil, fmt.Errorf("%w: osrm table: row count %d != %d", domain.ErrOracleUnavailable, len(out.Durations), len(coords))
	}

	matrix := make([][]float64, len(coords))
	for i, row := range out.Durations {
		if len(row) != len(coords) {
			return nil, fmt.Errorf("%w: osrm table: col count %d != %d", domain.ErrOracleUnavailable, len(row), len(coords))
		}
		matrix[i] = make([]float64, len(coords))
		for j, cell := range row {
			switch {
			case cell == nil:
				matrix[i][j] = math.Inf(1)
			case *cell < 0:
				matrix[i][j] = 0
			default:
				matrix[i][j] = *cell
			}
		}
	}
	return matrix, nil
}

// get performs a GET with bounded exponential-backoff retries on transport
// failures and 5xx responses.
func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	op := func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(out).
			Get(path)
		if err != nil {
			return err
		}
		if resp.StatusCode() >= 500 {
			return fmt.Errorf("osrm status %d", resp.StatusCode())
		}
		if resp.StatusCode() >= 400 {
			return backoff.Permanent(fmt.Errorf("osrm status %d", resp.StatusCode()))
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrOracleUnavailable, err)
	}
	return nil
}

// formatCoordinates converts internal (lat, lon) pairs to OSRM's
// "lon,lat;lon,lat" path segment.
func formatCoordinates(coords []domain.Coordinate) string {
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = fmt.Sprintf("%f,%f", c.Lon, c.Lat)
	}
	return strings.Join(parts, ";")
}
