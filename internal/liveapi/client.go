// Package liveapi is the gateway to the live flight network REST API.
package liveapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/yegors/iftracker/pkg/logger"
)

// API result codes carried in the response envelope
const (
	ErrorCodeOk                      = 0
	ErrorCodeUserNotFound            = 1
	ErrorCodeMissingRequestParameter = 2
	ErrorCodeEndpointError           = 3
	ErrorCodeNotAuthorized           = 4
	ErrorCodeServerNotFound          = 5
	ErrorCodeFlightNotFound          = 6
	ErrorCodeNoAtisAvailable         = 7
)

var (
	// ErrUnauthorized is returned when every auth strategy was rejected
	ErrUnauthorized = errors.New("live api: unauthorized")
	// ErrNotFound is returned when the API reports the flight or user does not exist
	ErrNotFound = errors.New("live api: not found")
)

// APIError describes a failed call. StatusCode is the HTTP status and
// ErrorCode the envelope result code, whichever applies.
type APIError struct {
	StatusCode int
	ErrorCode  int
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrorCode != 0 {
		return fmt.Sprintf("live api error code %d (status %d): %s", e.ErrorCode, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("live api status %d: %s", e.StatusCode, e.Message)
}

// Is maps API results onto the package sentinels
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.authRejected()
	case ErrNotFound:
		return e.ErrorCode == ErrorCodeFlightNotFound || e.ErrorCode == ErrorCodeUserNotFound
	}
	return false
}

func (e *APIError) authRejected() bool {
	return e.StatusCode == http.StatusUnauthorized ||
		e.StatusCode == http.StatusForbidden ||
		e.ErrorCode == ErrorCodeNotAuthorized
}

// authStrategy attaches the API key to an outgoing request
type authStrategy struct {
	name  string
	apply func(req *http.Request, key string)
}

// Strategies are tried in order; the next one is used only when the
// previous was rejected for auth reasons.
var authStrategies = []authStrategy{
	{
		name: "bearer_header",
		apply: func(req *http.Request, key string) {
			req.Header.Set("Authorization", "Bearer "+key)
		},
	},
	{
		name: "query_param",
		apply: func(req *http.Request, key string) {
			q := req.URL.Query()
			q.Set("apikey", key)
			req.URL.RawQuery = q.Encode()
		},
	},
}

// ClientConfig holds connection settings for the live API
type ClientConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables client-side rate limiting
	Burst             int
}

// Client is responsible for fetching sessions, flights, routes and flight plans
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	logger     *logger.Logger
}

// NewClient creates a new live API client
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		limiter:    limiter,
		logger:     log.Named("live-api"),
	}
}

// GetSessions returns the list of live servers
func (c *Client) GetSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.get(ctx, "/sessions", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetFlights returns every flight currently on the given session
func (c *Client) GetFlights(ctx context.Context, sessionID string) ([]Flight, error) {
	var flights []Flight
	path := fmt.Sprintf("/sessions/%s/flights", url.PathEscape(sessionID))
	if err := c.get(ctx, path, &flights); err != nil {
		return nil, err
	}
	return flights, nil
}

// GetFlightRoute returns the position history of a flight, oldest first.
// A flight the API no longer knows about yields an empty route.
func (c *Client) GetFlightRoute(ctx context.Context, sessionID, flightID string) ([]RoutePoint, error) {
	var route []RoutePoint
	path := fmt.Sprintf("/sessions/%s/flights/%s/route", url.PathEscape(sessionID), url.PathEscape(flightID))
	if err := c.get(ctx, path, &route); err != nil {
		if errors.Is(err, ErrNotFound) {
			return []RoutePoint{}, nil
		}
		return nil, err
	}
	return route, nil
}

// GetFlightPlan returns the filed plan of a flight, or nil when none exists
func (c *Client) GetFlightPlan(ctx context.Context, sessionID, flightID string) (*FlightPlan, error) {
	var plan FlightPlan
	path := fmt.Sprintf("/sessions/%s/flights/%s/flightplan", url.PathEscape(sessionID), url.PathEscape(flightID))
	if err := c.get(ctx, path, &plan); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

// get performs the request with each auth strategy in turn until one is
// accepted. Non-auth failures are returned immediately.
func (c *Client) get(ctx context.Context, path string, target interface{}) error {
	var lastErr error
	for i, strategy := range authStrategies {
		body, err := c.do(ctx, path, strategy)
		if err == nil {
			if err = decodeEnvelope(body, target); err == nil {
				return nil
			}
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.authRejected() {
			return err
		}
		lastErr = err

		if i < len(authStrategies)-1 {
			c.logger.Warn("Live API rejected credentials, retrying with alternate auth",
				logger.String("path", path),
				logger.String("rejected", strategy.name),
				logger.String("next", authStrategies[i+1].name))
		}
	}
	return fmt.Errorf("%w: %v", ErrUnauthorized, lastErr)
}

// do executes a single GET and returns the body of a 2xx response
func (c *Client) do(ctx context.Context, path string, strategy authStrategy) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		strategy.apply(req, c.apiKey)
	}

	c.logger.Debug("Fetching live API data",
		logger.String("path", path),
		logger.String("auth", strategy.name))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview := string(body)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: preview}
		// Some error responses still carry a result code
		var env struct {
			ErrorCode *int `json:"errorCode"`
		}
		if json.Unmarshal(body, &env) == nil && env.ErrorCode != nil {
			apiErr.ErrorCode = *env.ErrorCode
		}
		return nil, apiErr
	}

	return body, nil
}

// decodeEnvelope unwraps {"errorCode":n,"result":...}. The API is not
// consistent: some endpoints return a bare array or a result-only object,
// so every shape is accepted.
func decodeEnvelope(body []byte, target interface{}) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty response body")
	}

	if trimmed[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}

		rawCode, hasCode := fields["errorCode"]
		rawResult, hasResult := fields["result"]

		if hasCode {
			var code int
			if err := json.Unmarshal(rawCode, &code); err != nil {
				return fmt.Errorf("failed to parse errorCode: %w", err)
			}
			if code != ErrorCodeOk {
				return &APIError{StatusCode: http.StatusOK, ErrorCode: code, Message: errorCodeName(code)}
			}
		}

		if hasResult {
			if isJSONNull(rawResult) {
				return nil
			}
			if err := json.Unmarshal(rawResult, target); err != nil {
				return fmt.Errorf("failed to parse result: %w", err)
			}
			return nil
		}
		if hasCode {
			// ok envelope without a result
			return nil
		}
	}

	if err := json.Unmarshal(trimmed, target); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

func isJSONNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func errorCodeName(code int) string {
	switch code {
	case ErrorCodeUserNotFound:
		return "user not found"
	case ErrorCodeMissingRequestParameter:
		return "missing request parameter"
	case ErrorCodeEndpointError:
		return "endpoint error"
	case ErrorCodeNotAuthorized:
		return "not authorized"
	case ErrorCodeServerNotFound:
		return "server not found"
	case ErrorCodeFlightNotFound:
		return "flight not found"
	case ErrorCodeNoAtisAvailable:
		return "no atis available"
	default:
		return "unknown error"
	}
}
