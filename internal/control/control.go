// Package control translates broker control messages into the device's control
// characteristic payload.
//
// Broker side: a JSON object {"data": <integer>}.
// Device side: exactly two bytes, the value as a little-endian two's complement int16.
package control

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// WireSize is the length of an encoded command on the control characteristic.
const WireSize = 2

// DataField is the JSON field carrying the control value.
const DataField = "data"

// Command is a single actuation value for the device.
type Command int16

// Encode returns the control characteristic payload for c.
func (c Command) Encode() []byte {
	buf := make([]byte, WireSize)
	binary.LittleEndian.PutUint16(buf, uint16(c))
	return buf
}

// MarshalJSON renders c in the broker message format.
func (c Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Data int16 `json:"data"`
	}{Data: int16(c)})
}

// ParseWire decodes a control characteristic payload.
func ParseWire(b []byte) (Command, error) {
	if len(b) != WireSize {
		return 0, fmt.Errorf("control payload must be %d bytes, got %d", WireSize, len(b))
	}
	return Command(int16(binary.LittleEndian.Uint16(b))), nil
}

// Decode parses a broker control message.
//
// The data field may be a JSON number or a string holding a base-10 integer. Fractional
// numbers are truncated toward zero. The result must fit in an int16. Booleans are
// not coerced to 0 or 1: they fail with InvalidValue like any other non-numeric value.
func Decode(payload []byte) (Command, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(payload)))
	dec.UseNumber()

	var msg any
	if err := dec.Decode(&msg); err != nil {
		return 0, &DecodeError{Kind: InvalidJSON, Err: err}
	}
	if dec.More() {
		return 0, &DecodeError{Kind: InvalidJSON, Err: fmt.Errorf("trailing data after JSON value")}
	}

	obj, ok := msg.(map[string]any)
	if !ok {
		return 0, &DecodeError{Kind: InvalidJSON, Err: fmt.Errorf("expected a JSON object, got %T", msg)}
	}

	raw, ok := obj[DataField]
	if !ok {
		return 0, &DecodeError{Kind: MissingField, Err: fmt.Errorf("field %q not present", DataField)}
	}

	v, err := coerce(raw)
	if err != nil {
		return 0, err
	}
	if v < math.MinInt16 || v > math.MaxInt16 {
		return 0, &DecodeError{Kind: OutOfRange, Err: fmt.Errorf("%d not in [%d, %d]", v, math.MinInt16, math.MaxInt16)}
	}
	return Command(v), nil
}

// coerce converts the data field into an integer. Values too large for int64 are
// reported as out of range rather than invalid.
func coerce(raw any) (int64, error) {
	switch v := raw.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, outOfRangeOrInvalid(v.String(), err)
		}
		return truncate(f, v.String())
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, outOfRangeOrInvalid(v, err)
		}
		return i, nil
	default:
		return 0, &DecodeError{Kind: InvalidValue, Err: fmt.Errorf("field %q has unsupported type %T", DataField, raw)}
	}
}

func truncate(f float64, text string) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &DecodeError{Kind: InvalidValue, Err: fmt.Errorf("%s is not finite", text)}
	}
	t := math.Trunc(f)
	if t < math.MinInt16 || t > math.MaxInt16 {
		return 0, &DecodeError{Kind: OutOfRange, Err: fmt.Errorf("%s not in [%d, %d]", text, math.MinInt16, math.MaxInt16)}
	}
	return int64(t), nil
}

func outOfRangeOrInvalid(text string, err error) error {
	if errors.Is(err, strconv.ErrRange) {
		return &DecodeError{Kind: OutOfRange, Err: fmt.Errorf("%s not in [%d, %d]", text, math.MinInt16, math.MaxInt16)}
	}
	return &DecodeError{Kind: InvalidValue, Err: err}
}
