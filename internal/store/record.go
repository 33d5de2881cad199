package store

import (
	"errors"
	"fmt"

	"roomcrypt/internal/codec"
)

// recordFormatVersion is written into every record. Readers reject anything
// newer rather than guess at its layout.
const recordFormatVersion = 1

// ErrUnsupportedVersion is returned for records written by a newer format.
var ErrUnsupportedVersion = errors.New("unsupported record format version")

type record struct {
	V    int              `cbor:"v"`
	Kind string           `cbor:"kind"`
	Body codec.RawMessage `cbor:"body"`
}

func encodeRecord(kind string, v any) ([]byte, error) {
	body, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode %s: %w", kind, err)
	}
	return codec.Marshal(record{V: recordFormatVersion, Kind: kind, Body: body})
}

func decodeRecord(b []byte, kind string, v any) error {
	var r record
	if err := codec.Unmarshal(b, &r); err != nil {
		return fmt.Errorf("store: decode %s: %w", kind, err)
	}
	if r.V > recordFormatVersion {
		return fmt.Errorf("store: %s: %w %d", kind, ErrUnsupportedVersion, r.V)
	}
	if r.Kind != kind {
		return fmt.Errorf("store: expected %s record, found %q", kind, r.Kind)
	}
	if err := codec.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", kind, err)
	}
	return nil
}
