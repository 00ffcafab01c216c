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

// Package payload turns raw broker messages into numeric telemetry.
//
// Two framings exist. Live topics carry a single value, either as plain text
// ("23.4"), as a JSON scalar, or wrapped in an object ({"message": ...},
// {"message": {"message": ...}} or {"value": ...}). Backfill topics, which are
// the live topic name plus a reserved suffix, carry a compact JSON array
//
//	[initialTimestamp, intervalSeconds, value1, value2, ...]
//
// that expands into one sample per value.
package payload

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// DefaultBackfillSuffix marks the backfill companion of a topic.
const DefaultBackfillSuffix = "|backup"

var (
	// ErrEmptyPayload is returned for a payload without any content.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrNotNumeric is returned when no numeric value can be derived from a live payload.
	ErrNotNumeric = errors.New("payload carries no numeric value")
	// ErrMalformedBackfill is returned when a backfill payload does not follow the
	// [timestamp, interval, values...] layout.
	ErrMalformedBackfill = errors.New("malformed backfill payload")
)

var (
	// leadingFloat matches what a lenient float parser accepts at the start of a string
	leadingFloat = regexp.MustCompile(`^[+-]?(\d+\.?\d*([eE][+-]?\d+)?|\.\d+([eE][+-]?\d+)?)`)
	// colonMillis matches devices that separate milliseconds with a colon: 00:00:00:123+05:30
	colonMillis = regexp.MustCompile(`:(\d{3})([+\-Z])`)
)

var backfillTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Backfill is a decoded backfill upload.
type Backfill struct {
	Start    time.Time
	Interval time.Duration
	Values   []float64
}

// Decoder knows the backfill suffix and dispatches to the right framing.
type Decoder struct {
	suffix string
}

// NewDecoder creates a decoder for the given backfill suffix. An empty suffix
// falls back to DefaultBackfillSuffix.
func NewDecoder(backfillSuffix string) *Decoder {
	if backfillSuffix == "" {
		backfillSuffix = DefaultBackfillSuffix
	}
	return &Decoder{suffix: backfillSuffix}
}

// Suffix returns the backfill marker.
func (d *Decoder) Suffix() string {
	return d.suffix
}

// IsBackfill reports whether topic is a backfill companion feed.
func (d *Decoder) IsBackfill(topic string) bool {
	return strings.HasSuffix(topic, d.suffix) && len(topic) > len(d.suffix)
}

// BaseTopic strips the backfill marker. Live topics are returned unchanged.
func (d *Decoder) BaseTopic(topic string) string {
	if !d.IsBackfill(topic) {
		return topic
	}
	return strings.TrimSuffix(topic, d.suffix)
}

// DecodeLive extracts the numeric value of a live payload.
//
// Structured payloads are tried first. An object carrying a nested "message"
// (or "value") field yields that field, otherwise the decoded scalar is
// coerced. If the payload is not valid JSON, the raw text is parsed as a
// number, accepting a numeric prefix like "12.5 degC".
func DecodeLive(raw []byte) (float64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0, ErrEmptyPayload
	}

	var decoded interface{}
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return parseLenientFloat(string(trimmed))
	}

	if obj, ok := decoded.(map[string]interface{}); ok {
		for _, key := range []string{"message", "value"} {
			field, present := obj[key]
			if !present {
				continue
			}
			if nested, ok := field.(map[string]interface{}); ok {
				if inner, ok := nested[key]; ok {
					return coerce(inner)
				}
			}
			return coerce(field)
		}
		return 0, ErrNotNumeric
	}
	return coerce(decoded)
}

// DecodeBackfill parses a [timestamp, intervalSeconds, values...] upload.
func DecodeBackfill(raw []byte) (Backfill, error) {
	var parts []interface{}
	if err := json.Unmarshal(bytes.TrimSpace(raw), &parts); err != nil {
		return Backfill{}, fmt.Errorf("%w: %v", ErrMalformedBackfill, err)
	}
	if len(parts) < 3 {
		return Backfill{}, fmt.Errorf("%w: expected at least 3 elements, got %d", ErrMalformedBackfill, len(parts))
	}

	start, err := parseBackfillTime(parts[0])
	if err != nil {
		return Backfill{}, err
	}

	interval, err := parseInterval(parts[1])
	if err != nil {
		return Backfill{}, err
	}

	values := make([]float64, 0, len(parts)-2)
	for i, p := range parts[2:] {
		v, err := coerce(p)
		if err != nil {
			return Backfill{}, fmt.Errorf("%w: value %d: %v", ErrMalformedBackfill, i, err)
		}
		values = append(values, v)
	}

	return Backfill{
		Start:    start,
		Interval: time.Duration(interval) * time.Second,
		Values:   values,
	}, nil
}

func parseBackfillTime(v interface{}) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: timestamp must be a string, got %T", ErrMalformedBackfill, v)
	}
	s = colonMillis.ReplaceAllString(strings.TrimSpace(s), ".$1$2")
	for _, layout := range backfillTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparsable timestamp %q", ErrMalformedBackfill, s)
}

// maxIntervalSeconds is the largest interval that still fits a time.Duration.
const maxIntervalSeconds = math.MaxInt64 / int64(time.Second)

func parseInterval(v interface{}) (int64, error) {
	var n int64
	switch iv := v.(type) {
	case string:
		var err error
		n, err = strconv.ParseInt(strings.TrimSpace(iv), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: interval %q is not an integer", ErrMalformedBackfill, iv)
		}
	case float64:
		if iv != math.Trunc(iv) || math.IsInf(iv, 0) {
			return 0, fmt.Errorf("%w: interval %v is not an integer", ErrMalformedBackfill, iv)
		}
		if math.Abs(iv) > float64(maxIntervalSeconds) {
			return 0, fmt.Errorf("%w: interval %v out of range", ErrMalformedBackfill, iv)
		}
		n = int64(iv)
	default:
		return 0, fmt.Errorf("%w: interval must be an integer, got %T", ErrMalformedBackfill, v)
	}
	if n > maxIntervalSeconds || n < -maxIntervalSeconds {
		return 0, fmt.Errorf("%w: interval %d out of range", ErrMalformedBackfill, n)
	}
	return n, nil
}

func coerce(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		return parseLenientFloat(n)
	case json.Number:
		return parseLenientFloat(n.String())
	default:
		return 0, ErrNotNumeric
	}
}

// parseLenientFloat accepts the longest numeric prefix of s.
func parseLenientFloat(s string) (float64, error) {
	m := leadingFloat.FindString(strings.TrimSpace(s))
	if m == "" {
		return 0, ErrNotNumeric
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrNotNumeric
	}
	return f, nil
}
