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
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/united-manufacturing-hub/sensorfleet/pkg/backoff"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/constants"
	"github.com/united-manufacturing-hub/sensorfleet/pkg/models"
)

// Backend paths.
const (
	SensorsPath = "/sensors/"
	IngestPath  = "/ingest"
)

// HouseholdPaths are tried in order when resolving a householder name.
var HouseholdPaths = []string{
	"/households",
	"/api/households/resolve",
	"/api/households",
}

// RequestIDHeader carries the id of one reading across its retries.
const RequestIDHeader = "X-Request-ID"

var (
	ErrHouseNotFound      = errors.New("house not found")
	ErrMissingSensorID    = errors.New("sensor creation response has no id")
	ErrEmptySensorID      = errors.New("sensor id is empty")
	ErrEmptyHouseholder   = errors.New("householder is empty")
	ErrEmptyHouseID       = errors.New("house id is empty")
	errNoHouseIDInPayload = errors.New("no house_id in response")
)

// ResolveHouseID looks up the house of householder, trying every HouseholdPaths entry in order.
// Any failure on one path moves on to the next; only when all fail is ErrHouseNotFound returned.
func (c *Client) ResolveHouseID(ctx context.Context, householder string) (string, error) {
	if householder == "" {
		return "", ErrEmptyHouseholder
	}
	query := url.Values{"householder": {householder}}

	var lastErr error
	for _, path := range HouseholdPaths {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		payload, err := getJSON[any](ctx, c, path, query)
		if err == nil {
			var id string
			id, err = houseIDFromPayload(*payload)
			if err == nil {
				return id, nil
			}
		}
		c.log.Debugf("House lookup via %s for %q failed: %s", path, householder, err)
		lastErr = err
	}

	return "", fmt.Errorf("%w for householder %q: %w", ErrHouseNotFound, householder, lastErr)
}

// houseIDFromPayload accepts {"house_id": x} or a non-empty list whose first element is such an object.
func houseIDFromPayload(payload any) (string, error) {
	if list, ok := payload.([]any); ok {
		if len(list) == 0 {
			return "", errNoHouseIDInPayload
		}
		payload = list[0]
	}

	obj, ok := payload.(map[string]any)
	if !ok {
		return "", errNoHouseIDInPayload
	}
	id, ok := FormatID(obj["house_id"])
	if !ok {
		return "", errNoHouseIDInPayload
	}
	return id, nil
}

// FormatID renders a JSON scalar id as a string. Numbers keep their integer form.
// nil, empty strings and non-scalars are rejected.
func FormatID(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case int:
		return strconv.Itoa(id), true
	case int64:
		return strconv.FormatInt(id, 10), true
	case uint64:
		return strconv.FormatUint(id, 10), true
	default:
		return "", false
	}
}

// CreateSensor registers a sensor under houseID. Any non-2xx response is an error.
func (c *Client) CreateSensor(ctx context.Context, houseID string, registration models.SensorRegistration) (models.RegisteredSensor, error) {
	if houseID == "" {
		return models.RegisteredSensor{}, ErrEmptyHouseID
	}

	created, err := postJSON[models.RegisteredSensor](ctx, c, SensorsPath, url.Values{"house_id": {houseID}}, &registration, nil)
	if err != nil {
		return models.RegisteredSensor{}, fmt.Errorf("creating sensor %s: %w", registration.Name, err)
	}
	if created.ID == "" {
		return models.RegisteredSensor{}, backoff.NewPermanentError(fmt.Errorf("creating sensor %s: %w", registration.Name, ErrMissingSensorID))
	}
	if created.Name == "" {
		created.Name = registration.Name
	}
	return *created, nil
}

// FetchSensorConfig returns the sensor's meta object, else its metadata object, else an empty map.
// Any status other than 200, other 2xx codes included, is a permanent *StatusError.
// Errors keep their category so callers can decide whether a retry makes sense.
func (c *Client) FetchSensorConfig(ctx context.Context, sensorID string) (map[string]any, error) {
	if sensorID == "" {
		return nil, backoff.NewPermanentError(ErrEmptySensorID)
	}

	path := SensorsPath + url.PathEscape(sensorID)
	status, body, err := c.do(ctx, request{method: http.MethodGet, path: path})
	if err != nil {
		return nil, err
	}
	// only a 200 carries a configuration
	if status != http.StatusOK {
		return nil, backoff.NewPermanentError(&StatusError{
			Method:     http.MethodGet,
			URL:        c.endpointURL(path, nil),
			StatusCode: status,
			Body:       truncate(string(body), constants.HTTPErrorBodyLogMaxBytes),
		})
	}

	details, err := decode[models.SensorDetails](body)
	if err != nil {
		return nil, err
	}
	return details.Config(), nil
}

// PostReading sends one reading. requestID, if set, is passed as RequestIDHeader.
// A 2xx status returns nil; anything else returns a categorized error wrapping *StatusError or
// the transport failure.
func (c *Client) PostReading(ctx context.Context, reading models.Reading, requestID string) error {
	var header map[string]string
	if requestID != "" {
		header = map[string]string{RequestIDHeader: requestID}
	}
	_, _, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   IngestPath,
		body:   &reading,
		header: header,
	})
	return err
}
