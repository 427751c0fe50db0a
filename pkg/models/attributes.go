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

import (
	"fmt"
	"math"
	"strconv"

	"github.com/united-manufacturing-hub/sensorfleet/pkg/safejson"
)

// AttributeKind is the wire type of an AttributeValue.
type AttributeKind uint8

const (
	KindNull AttributeKind = iota
	KindString
	KindNumber
	KindBool
)

func (k AttributeKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "null"
	}
}

// AttributeValue is a reading attribute restricted to the JSON primitives the ingestion
// endpoint accepts. The zero value is null.
type AttributeValue struct {
	kind AttributeKind
	str  string
	num  float64
	b    bool
	// exact holds the decimal literal of integers that float64 cannot represent exactly
	exact string
}

// maxExactInt is the largest magnitude below which every integer is exact in a float64.
const maxExactInt = 1 << 53

func Null() AttributeValue { return AttributeValue{} }

func String(s string) AttributeValue { return AttributeValue{kind: KindString, str: s} }

// Number returns a numeric attribute. NaN and infinities have no JSON form and become strings.
func Number(f float64) AttributeValue {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return String(fmt.Sprint(f))
	}
	return AttributeValue{kind: KindNumber, num: f}
}

func Bool(b bool) AttributeValue { return AttributeValue{kind: KindBool, b: b} }

// Int returns a numeric attribute that is encoded without loss for any int64.
func Int(i int64) AttributeValue {
	v := AttributeValue{kind: KindNumber, num: float64(i)}
	if i > maxExactInt || i < -maxExactInt {
		v.exact = strconv.FormatInt(i, 10)
	}
	return v
}

// Uint returns a numeric attribute that is encoded without loss for any uint64.
func Uint(u uint64) AttributeValue {
	v := AttributeValue{kind: KindNumber, num: float64(u)}
	if u > maxExactInt {
		v.exact = strconv.FormatUint(u, 10)
	}
	return v
}

// numberLiteral is implemented by the json.Number types of encoding/json and goccy/go-json.
type numberLiteral interface {
	String() string
	Float64() (float64, error)
	Int64() (int64, error)
}

func fromLiteral(n numberLiteral) AttributeValue {
	text := n.String()
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return Int(i)
	}
	if u, err := strconv.ParseUint(text, 10, 64); err == nil {
		return Uint(u)
	}
	if f, err := n.Float64(); err == nil {
		return Number(f)
	}
	return String(text)
}

// FromAny converts an arbitrary Go value. Supported kinds map directly, integers keep their
// exact value on the wire and anything else is sent as its fmt.Sprint form.
func FromAny(v any) AttributeValue {
	switch x := v.(type) {
	case nil:
		return Null()
	case AttributeValue:
		return x
	case string:
		return String(x)
	case bool:
		return Bool(x)
	case float64:
		return Number(x)
	case float32:
		return Number(float64(x))
	case int:
		return Int(int64(x))
	case int8:
		return Int(int64(x))
	case int16:
		return Int(int64(x))
	case int32:
		return Int(int64(x))
	case int64:
		return Int(x)
	case uint:
		return Uint(uint64(x))
	case uint8:
		return Uint(uint64(x))
	case uint16:
		return Uint(uint64(x))
	case uint32:
		return Uint(uint64(x))
	case uint64:
		return Uint(x)
	case numberLiteral:
		return fromLiteral(x)
	case fmt.Stringer:
		return String(x.String())
	default:
		return String(fmt.Sprint(x))
	}
}

func (a AttributeValue) Kind() AttributeKind { return a.kind }

// Interface returns the value as nil, string, float64 or bool. Integers beyond 2^53 come back
// rounded; Literal has their exact digits.
func (a AttributeValue) Interface() any {
	switch a.kind {
	case KindString:
		return a.str
	case KindNumber:
		return a.num
	case KindBool:
		return a.b
	default:
		return nil
	}
}

// Literal returns the exact decimal form of a large integer, or "" for any other value.
func (a AttributeValue) Literal() string {
	return a.exact
}

func (a AttributeValue) MarshalJSON() ([]byte, error) {
	if a.exact != "" {
		return []byte(a.exact), nil
	}
	return safejson.Marshal(a.Interface())
}

func (a *AttributeValue) UnmarshalJSON(data []byte) error {
	var v any
	if err := safejson.UnmarshalUseNumber(data, &v); err != nil {
		return err
	}
	*a = FromAny(v)
	return nil
}

// Attributes is the attribute mapping attached to a reading.
type Attributes map[string]AttributeValue

// AttributesFrom converts a loosely typed map.
func AttributesFrom(m map[string]any) Attributes {
	if m == nil {
		return nil
	}
	out := make(Attributes, len(m))
	for k, v := range m {
		out[k] = FromAny(v)
	}
	return out
}
