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

// Package remote talks to the sensor backend: household lookup, sensor registration,
// sensor config and reading ingestion.
package remote

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/constants"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// Client is safe for concurrent use by all workers of a fleet.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.SugaredLogger
	latencies  *expiremap.ExpireMap[time.Time, time.Duration]
}

type Option func(*Client)

// WithHTTPClient replaces the pooled client built by NewHTTPClient.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(cl *Client) {
		cl.log = logger.OrNop(log)
	}
}

// New returns a client for the backend at baseURL, e.g. "http://localhost:8000".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		log:       zap.NewNop().Sugar(),
		latencies: expiremap.NewEx[time.Time, time.Duration](constants.HTTPLatencyWindow, constants.HTTPLatencyWindow),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = NewHTTPClient()
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient exposes the underlying client, mainly so tests can intercept it.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// NewHTTPClient builds the pooled client shared by every sensor. HTTP/2 is negotiated over TLS.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPClientTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:     constants.HTTPMaxConnsPerHost,
		MaxIdleConns:        constants.HTTPMaxIdleConnsPerHost,
		MaxIdleConnsPerHost: constants.HTTPMaxIdleConnsPerHost,
		IdleConnTimeout:     constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		zap.S().Warnf("HTTP/2 unavailable, falling back to HTTP/1.1: %s", err)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   constants.HTTPClientTimeout,
	}
}
