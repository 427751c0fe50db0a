// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/united-manufacturing-hub/sensorfleet/pkg/backoff"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/constants"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/safejson"
	"golang.org/x/net/http2"
)

// StatusError is returned for responses outside 2xx.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	// Body holds at most constants.HTTPErrorBodyLogMaxBytes of the response.
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsRetryableStatus reports whether a status is worth retrying: 429 and every 5xx.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

// StatusCode extracts the HTTP status from err, or 0 if no response was received.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// request is one call against the backend.
type request struct {
	method string
	path   string
	query  url.Values
	body   any
	header map[string]string
}

func (c *Client) endpointURL(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do sends r and returns the status and body of a 2xx response.
//
// Errors are categorized: connection-level failures are transient, a non-2xx response is a
// *StatusError (transient for 429/5xx), everything else is permanent.
func (c *Client) do(ctx context.Context, r request) (int, []byte, error) {
	target := c.endpointURL(r.path, r.query)

	var bodyReader io.Reader
	if r.body != nil {
		encoded, err := safejson.Marshal(r.body)
		if err != nil {
			return 0, nil, backoff.NewPermanentError(fmt.Errorf("encoding %s %s body: %w", r.method, target, err))
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, bodyReader)
	if err != nil {
		return 0, nil, backoff.NewPermanentError(err)
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.header {
		req.Header.Set(k, v)
	}

	start := time.Now()
	response, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, classifyTransportError(ctx, err)
	}
	defer func() {
		if closeErr := response.Body.Close(); closeErr != nil {
			c.log.Debugf("Error closing response body: %v", closeErr)
		}
	}()

	bodyBytes, err := io.ReadAll(response.Body)
	c.recordLatency(time.Since(start))
	if err != nil {
		// the status line arrived but the stream broke
		return response.StatusCode, nil, classifyTransportError(ctx, err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		statusErr := &StatusError{
			Method:     r.method,
			URL:        target,
			StatusCode: response.StatusCode,
			Body:       truncate(string(bodyBytes), constants.HTTPErrorBodyLogMaxBytes),
		}
		if IsRetryableStatus(response.StatusCode) {
			return response.StatusCode, bodyBytes, backoff.NewTransientError(statusErr)
		}
		return response.StatusCode, bodyBytes, backoff.NewPermanentError(statusErr)
	}

	return response.StatusCode, bodyBytes, nil
}

// getJSON issues a GET and decodes a 2xx body into R.
func getJSON[R any](ctx context.Context, c *Client, path string, query url.Values) (*R, error) {
	_, body, err := c.do(ctx, request{method: http.MethodGet, path: path, query: query})
	if err != nil {
		return nil, err
	}
	return decode[R](body)
}

// postJSON issues a POST with data as JSON body and decodes a 2xx body into R.
func postJSON[R any, T any](ctx context.Context, c *Client, path string, query url.Values, data *T, header map[string]string) (*R, error) {
	_, body, err := c.do(ctx, request{method: http.MethodPost, path: path, query: query, body: data, header: header})
	if err != nil {
		return nil, err
	}
	return decode[R](body)
}

func decode[R any](body []byte) (*R, error) {
	var result R
	if len(bytes.TrimSpace(body)) == 0 {
		return &result, nil
	}
	if err := safejson.Unmarshal(body, &result); err != nil {
		return nil, backoff.NewPermanentError(fmt.Errorf("decoding response: %w", err))
	}
	return &result, nil
}

// classifyTransportError marks connection-level failures as transient.
// Cancellation by the caller and malformed requests are permanent.
func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.NewPermanentError(fmt.Errorf("request aborted: %w", ctx.Err()))
	}
	if isConnectionError(err) {
		return backoff.NewTransientError(enhanceConnectionError(err))
	}
	return backoff.NewPermanentError(err)
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var streamErr http2.StreamError
	var goAway http2.GoAwayError
	var connErr http2.ConnectionError
	return errors.As(err, &streamErr) || errors.As(err, &goAway) || errors.As(err, &connErr)
}

// enhanceConnectionError adds detailed context to common connection errors
func enhanceConnectionError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "EOF"):
		return fmt.Errorf("connection closed unexpectedly before receiving response: %w", err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return fmt.Errorf("request timed out: %w", err)
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("connection refused: %w", err)
	case strings.Contains(msg, "connection reset"):
		return fmt.Errorf("connection reset by peer: %w", err)
	}
	return fmt.Errorf("connection error: %w", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
