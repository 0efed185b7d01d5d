// Package frame decodes the sensor device's delimited telemetry text into frames.
//
// A telemetry notification is a flat comma separated token stream such as
//
//	acc,0.01,-0.98,0.12,gyr,1.5,0.0,-2.25,tem,36.5,num,7
//
// Each recognised key is followed by a fixed number of value tokens. Tokens that are
// not recognised keys are skipped one at a time.
package frame

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Delimiter separates tokens in a telemetry notification.
const Delimiter = ","

// Key identifies a telemetry field.
type Key string

const (
	KeyAccel       Key = "acc"
	KeyGyro        Key = "gyr"
	KeyGesture     Key = "ges"
	KeyAudio       Key = "aud"
	KeyNumber      Key = "num"
	KeyPressure    Key = "pre"
	KeyTemperature Key = "tem"
)

// Kind describes how a key's value is encoded in the token stream.
type Kind int

const (
	KindVector Kind = iota // three float tokens
	KindInt                // one signed integer token
	KindFloat              // one float token
)

// Arity returns the number of value tokens consumed by a key of this kind.
func (k Kind) Arity() int {
	if k == KindVector {
		return 3
	}
	return 1
}

func (k Kind) String() string {
	switch k {
	case KindVector:
		return "vector"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var schema = map[Key]Kind{
	KeyAccel:       KindVector,
	KeyGyro:        KindVector,
	KeyGesture:     KindInt,
	KeyAudio:       KindInt,
	KeyNumber:      KindInt,
	KeyPressure:    KindFloat,
	KeyTemperature: KindFloat,
}

// KindOf reports the value kind of a key and whether the key is recognised.
func KindOf(key Key) (Kind, bool) {
	k, ok := schema[key]
	return k, ok
}

// Vector is a 3-axis reading.
type Vector [3]float64

// Value is a decoded field value. Exactly one of the accessors is meaningful, as given by Kind.
type Value struct {
	kind Kind
	vec  Vector
	i    int64
	f    float64
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) Vector() Vector { return v.vec }

func (v Value) Int() int64 { return v.i }

func (v Value) Float() float64 { return v.f }

// MarshalJSON renders vectors as 3-element arrays and scalars as numbers.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindVector:
		return json.Marshal(v.vec[:])
	case KindInt:
		return json.Marshal(v.i)
	default:
		return json.Marshal(v.f)
	}
}

// Frame is one decoded telemetry notification. Keys keep the order in which they first
// appeared in the token stream. A Frame is not modified after Decode returns it.
type Frame struct {
	fields *orderedmap.OrderedMap[Key, Value]
}

func newFrame() *Frame {
	return &Frame{fields: orderedmap.New[Key, Value]()}
}

// Len returns the number of recognised keys in the frame.
func (f *Frame) Len() int {
	return f.fields.Len()
}

// Get returns the value for key.
func (f *Frame) Get(key Key) (Value, bool) {
	return f.fields.Get(key)
}

// Keys returns the frame keys in arrival order.
func (f *Frame) Keys() []Key {
	keys := make([]Key, 0, f.fields.Len())
	for pair := f.fields.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// MarshalJSON renders the frame as a JSON object keyed by field name. An empty frame is "{}".
func (f *Frame) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	for pair := f.fields.Oldest(); pair != nil; pair = pair.Next() {
		val, err := pair.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", pair.Key, err)
		}
		if !first {
			sb.WriteByte(',')
		}
		first = false
		name, _ := json.Marshal(string(pair.Key))
		sb.Write(name)
		sb.WriteByte(':')
		sb.Write(val)
	}
	sb.WriteByte('}')
	return []byte(sb.String()), nil
}

// Decode parses a telemetry text into a Frame.
//
// Unknown tokens are skipped without consuming any following tokens. A repeated key
// overwrites the earlier value but keeps its original position. Any malformed or
// missing numeric token fails the whole frame with a *ParseError.
func Decode(text string) (*Frame, error) {
	tokens := strings.Split(text, Delimiter)
	f := newFrame()

	for i := 0; i < len(tokens); {
		key := Key(tokens[i])
		kind, ok := schema[key]
		if !ok {
			i++
			continue
		}

		arity := kind.Arity()
		if i+arity >= len(tokens) {
			return nil, &ParseError{Key: key, Index: len(tokens), Err: ErrTruncated}
		}
		values := tokens[i+1 : i+1+arity]

		var val Value
		var err error
		switch kind {
		case KindVector:
			val, err = parseVector(key, i+1, values)
		case KindInt:
			val, err = parseInt(key, i+1, values[0])
		case KindFloat:
			val, err = parseFloat(key, i+1, values[0])
		}
		if err != nil {
			return nil, err
		}

		f.fields.Set(key, val)
		i += 1 + arity
	}

	return f, nil
}

// DecodeNotification decodes a raw notification payload: UTF-8 text with surrounding
// whitespace (typically a trailing newline) ignored.
func DecodeNotification(payload []byte) (*Frame, error) {
	if !utf8.Valid(payload) {
		return nil, &ParseError{Index: -1, Err: ErrInvalidEncoding}
	}
	return Decode(strings.TrimSpace(string(payload)))
}

func parseVector(key Key, index int, tokens []string) (Value, error) {
	var vec Vector
	for n, tok := range tokens {
		v, err := parseFiniteFloat(tok)
		if err != nil {
			return Value{}, &ParseError{Key: key, Token: tok, Index: index + n, Err: err}
		}
		vec[n] = v
	}
	return Value{kind: KindVector, vec: vec}, nil
}

func parseInt(key Key, index int, tok string) (Value, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(tok), 10, 64)
	if err != nil {
		return Value{}, &ParseError{Key: key, Token: tok, Index: index, Err: err}
	}
	return Value{kind: KindInt, i: v}, nil
}

func parseFloat(key Key, index int, tok string) (Value, error) {
	v, err := parseFiniteFloat(tok)
	if err != nil {
		return Value{}, &ParseError{Key: key, Token: tok, Index: index, Err: err}
	}
	return Value{kind: KindFloat, f: v}, nil
}

// parseFiniteFloat rejects NaN and infinities, which have no JSON representation.
func parseFiniteFloat(tok string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(tok), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrNonFinite
	}
	return v, nil
}
