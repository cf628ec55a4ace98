package erpnext

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
)

var (
	// ErrUnavailable means the system-of-record could not be reached or failed server-side.
	ErrUnavailable = errors.New("ERPNext unavailable")

	// ErrTimeout is joined with ErrUnavailable when the request timed out.
	ErrTimeout = errors.New("ERPNext request timed out")

	// ErrRejected means ERPNext answered with a 4xx status.
	ErrRejected = errors.New("ERPNext rejected request")
)

// StatusError is returned for unexpected HTTP statuses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Code >= 400 && e.Code < 500 {
		return ErrRejected
	}
	return ErrUnavailable
}

// IsNotFoundError returns true if the error indicates a 404 Not Found response.
func IsNotFoundError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// resolveURL builds a full URL from the base URL and path segments, escaping each segment.
func (c *Client) resolveURL(query url.Values, pathSegments ...string) string {
	u := c.baseURL.JoinPath(pathSegments...)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// transportError classifies a failed round trip.
func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w: %v", ErrUnavailable, ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// doRequestJSON performs a request with an optional JSON body and decodes the JSON response.
// It accepts one or more valid status codes.
func doRequestJSON[T any](ctx context.Context, c *Client, method string, path []string, query url.Values, requestBody any, expectedStatuses ...int) (*T, error) {
	var bodyReader io.Reader
	if requestBody != nil {
		jsonBody, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("could not marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolveURL(query, path...), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("Accept", "application/json")
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}

	if !slices.Contains(expectedStatuses, resp.StatusCode) {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var result T
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: could not unmarshal response: %v", ErrUnavailable, err)
	}
	return &result, nil
}

func doGetJSON[T any](ctx context.Context, c *Client, path []string, query url.Values) (*T, error) {
	return doRequestJSON[T](ctx, c, http.MethodGet, path, query, nil, http.StatusOK)
}

// doPostJSONCreated performs a POST request that accepts either 200 OK or 201 Created.
func doPostJSONCreated[T any](ctx context.Context, c *Client, path []string, requestBody any) (*T, error) {
	return doRequestJSON[T](ctx, c, http.MethodPost, path, nil, requestBody, http.StatusOK, http.StatusCreated)
}

func doPutJSON[T any](ctx context.Context, c *Client, path []string, requestBody any) (*T, error) {
	return doRequestJSON[T](ctx, c, http.MethodPut, path, nil, requestBody, http.StatusOK, http.StatusCreated)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
