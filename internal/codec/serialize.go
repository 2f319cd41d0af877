package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Serializer converts values to and from the bytes actually stored on disk.
// CRC is always computed over the serialized bytes, never the logical value.
//
// Callers may supply their own Serializer; Default is used when none is
// configured.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(b []byte, out any) error
}

// Default is the built-in Serializer. []byte and string pass through
// unmodified; every other type is encoded with encoding/gob.
var Default Serializer = defaultSerializer{}

type defaultSerializer struct{}

func (defaultSerializer) Serialize(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(v); err != nil {
			return nil, fmt.Errorf("codec: gob encode: %w", err)
		}
		return buf.Bytes(), nil
	}
}

func (defaultSerializer) Deserialize(b []byte, out any) error {
	switch p := out.(type) {
	case *[]byte:
		*p = append([]byte(nil), b...)
		return nil
	case *string:
		*p = string(b)
		return nil
	default:
		if err := gob.NewDecoder(bytes.NewReader(b)).Decode(out); err != nil {
			return fmt.Errorf("codec: gob decode: %w", err)
		}
		return nil
	}
}
