package balance

import (
	"encoding/json"
	"errors"
	"fmt"
)

var errNoRecords = errors.New("balance: no records in upstream frame")

// decodeRecord re-marshals a loosely-typed map (as produced by decoding an
// upstream JSON frame into map[string]any) into the strict record shape.
// This round-trip is cheaper to reason about than hand-walking the map
// field by field.
func decodeRecord(raw map[string]any) (record, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return record{}, fmt.Errorf("balance: marshal raw record: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("balance: decode record: %w", err)
	}
	return rec, nil
}
