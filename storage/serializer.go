package storage

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"github.com/pkg/errors"
)

// Codec identifiers recorded in entry metadata.
const (
	CodecJSON = "json"
	CodecGob  = "gob"

	// CodecRaw marks values that were already bytes and bypassed encoding.
	CodecRaw = "raw"
)

// Codec defines one serialization format.
type Codec interface {
	// ID returns the identifier stored in entry metadata.
	ID() string

	// Encode serializes a value to bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes bytes into v.
	Decode(data []byte, v any) error
}

// JSONCodec encodes values as JSON. It is the preferred, human-readable
// format and handles everything JSON can express.
type JSONCodec struct{}

// ID returns "json".
func (JSONCodec) ID() string { return CodecJSON }

// Encode serializes a value to JSON.
func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes a value from JSON.
func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// GobCodec encodes values with encoding/gob, the binary fallback for
// values JSON cannot express. Concrete types decoded through an interface
// must be registered with gob.Register by the caller.
type GobCodec struct{}

// ID returns "gob".
func (GobCodec) ID() string { return CodecGob }

// Encode serializes a value with gob.
func (GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes a gob value into v.
func (GobCodec) Decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Registry maps codec identifiers to codecs and implements the auto mode:
// encode tries the text format first and falls back to the binary one,
// tagging which codec won so decode never probes formats.
type Registry struct {
	codecs map[string]Codec
	auto   []Codec
}

// NewRegistry creates a registry with the JSON and gob codecs installed,
// in that auto-detection order.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.Register(JSONCodec{})
	r.Register(GobCodec{})
	return r
}

// Register installs a codec. The first registered codec is tried first in
// auto mode.
func (r *Registry) Register(c Codec) {
	if _, dup := r.codecs[c.ID()]; !dup {
		r.auto = append(r.auto, c)
	}
	r.codecs[c.ID()] = c
}

// Encode serializes v with the first codec that accepts it and returns the
// bytes together with the winning codec's id.
func (r *Registry) Encode(v any) ([]byte, string, error) {
	if raw, ok := v.([]byte); ok {
		return raw, CodecRaw, nil
	}

	var lastErr error
	for _, c := range r.auto {
		data, err := c.Encode(v)
		if err == nil {
			return data, c.ID(), nil
		}
		lastErr = err
	}
	return nil, "", errors.Wrap(lastErr, "no codec accepted value")
}

// Decode deserializes data into v dispatching on the recorded codec id.
func (r *Registry) Decode(data []byte, codecID string, v any) error {
	if codecID == CodecRaw || codecID == "" {
		if p, ok := v.(*[]byte); ok {
			*p = data
			return nil
		}
		if p, ok := v.(*any); ok {
			*p = data
			return nil
		}
		return errors.Errorf("raw value needs a byte-slice destination")
	}

	c, ok := r.codecs[codecID]
	if !ok {
		return errors.Errorf("unknown codec %q", codecID)
	}
	return c.Decode(data, v)
}

// EncodeWith serializes v with the named codec, bypassing auto detection.
func (r *Registry) EncodeWith(codecID string, v any) ([]byte, error) {
	if codecID == CodecRaw {
		raw, ok := v.([]byte)
		if !ok {
			return nil, errors.Errorf("raw codec needs a byte-slice value")
		}
		return raw, nil
	}

	c, ok := r.codecs[codecID]
	if !ok {
		return nil, errors.Errorf("unknown codec %q", codecID)
	}
	return c.Encode(v)
}
