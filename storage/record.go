package storage

import (
	"encoding/json"
	"fmt"
)

// Record is a versioned, opaque blob. Data is JSON produced by NewRecord;
// backends store it as-is.
type Record struct {
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// NewRecord marshals v into a Record carrying the given version.
func NewRecord(v any, version uint64) (*Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &Record{Data: data, Version: version}, nil
}

// Decode unmarshals the record payload into v.
func (r *Record) Decode(v any) error {
	if r == nil || len(r.Data) == 0 {
		return fmt.Errorf("decoding record: empty payload")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{Data: append([]byte(nil), r.Data...), Version: r.Version}
}
