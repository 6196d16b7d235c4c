package harvest

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Value is a metric value: exactly one of NumericValue or TextValue.
type Value interface {
	isValue()
	String() string
}

// NumericValue is a statistic convertible to a float.
type NumericValue float64

// TextValue is a qualitative statistic kept verbatim.
type TextValue string

func (NumericValue) isValue() {}
func (TextValue) isValue()    {}

func (v NumericValue) String() string { return strconv.FormatFloat(float64(v), 'f', -1, 64) }
func (v TextValue) String() string    { return string(v) }

// CoerceValue maps loosely typed input onto a Value. Anything convertible to a
// finite float becomes NumericValue; everything else falls back to TextValue so
// the qualitative value is preserved. nil yields nil.
func CoerceValue(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return nil
	case Value:
		return v
	case bool:
		return TextValue(strconv.FormatBool(v))
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return TextValue(strings.TrimSpace(string(v)))
		}
		return CoerceValue(decoded)
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return TextValue("")
		}
		raw = v
	}
	f, err := cast.ToFloat64E(raw)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		if text, serr := cast.ToStringE(raw); serr == nil {
			return TextValue(text)
		}
		return TextValue(fmt.Sprint(raw))
	}
	return NumericValue(f)
}

// HasValue reports whether v carries a usable value.
func HasValue(v Value) bool {
	switch t := v.(type) {
	case NumericValue:
		return true
	case TextValue:
		return strings.TrimSpace(string(t)) != ""
	default:
		return false
	}
}

// SplitValue returns the numeric and text columns for v.
func SplitValue(v Value) (*float64, *string) {
	switch t := v.(type) {
	case NumericValue:
		f := float64(t)
		return &f, nil
	case TextValue:
		s := string(t)
		return nil, &s
	default:
		return nil, nil
	}
}

type valueJSON struct {
	Numeric *float64 `json:"numeric,omitempty"`
	Text    *string  `json:"text,omitempty"`
}

// MarshalJSON encodes the tagged value form used in snapshots.
func (m MetricPayload) MarshalJSON() ([]byte, error) {
	type alias MetricPayload
	num, text := SplitValue(m.Value)
	out, err := json.Marshal(struct {
		alias
		Value valueJSON `json:"value"`
	}{alias: alias(m), Value: valueJSON{Numeric: num, Text: text}})
	if err != nil {
		return nil, fmt.Errorf("marshal metric payload: %w", err)
	}
	return out, nil
}

// UnmarshalJSON accepts either the tagged form or a bare scalar value.
func (m *MetricPayload) UnmarshalJSON(data []byte) error {
	type alias MetricPayload
	aux := struct {
		*alias
		Value json.RawMessage `json:"value"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("unmarshal metric payload: %w", err)
	}
	m.Value = nil
	if len(aux.Value) == 0 || string(aux.Value) == "null" {
		return nil
	}
	var tagged valueJSON
	if err := json.Unmarshal(aux.Value, &tagged); err == nil && (tagged.Numeric != nil || tagged.Text != nil) {
		if tagged.Numeric != nil {
			m.Value = NumericValue(*tagged.Numeric)
		} else {
			m.Value = TextValue(*tagged.Text)
		}
		return nil
	}
	m.Value = CoerceValue(aux.Value)
	return nil
}
