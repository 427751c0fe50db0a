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

package models

// Reading is the body of POST /ingest.
type Reading struct {
	SensorID   string     `json:"sensor_id"`
	Value      float64    `json:"value"`
	Attributes Attributes `json:"attributes"`
}

// SensorRegistration is the body of POST /sensors/.
type SensorRegistration struct {
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Location     any            `json:"location"`
	Metadata     map[string]any `json:"metadata"`
	SerialNumber string         `json:"serial_number,omitempty"`
}

// RegisteredSensor is the part of the sensor creation response the fleet uses.
type RegisteredSensor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HouseRef is one house resolution response, or one element of a list response.
type HouseRef struct {
	HouseID any `json:"house_id"`
}

// SensorDetails is the config lookup response.
// Both fields stay untyped so that a non-object value degrades to an empty config instead of
// failing the decode.
type SensorDetails struct {
	Meta     any `json:"meta"`
	Metadata any `json:"metadata"`
}

// Config returns meta, else metadata, else an empty map. Empty objects count as absent.
func (d SensorDetails) Config() map[string]any {
	if m, ok := d.Meta.(map[string]any); ok && len(m) > 0 {
		return m
	}
	if m, ok := d.Metadata.(map[string]any); ok && len(m) > 0 {
		return m
	}
	return map[string]any{}
}
