package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is an opaque server-assigned identifier.
//
// The chat backend issues numeric identifiers, but clients treat them as
// strings. Numeric ids are written back as JSON numbers so the server can
// bind them to its integer columns.
type ID string

// String returns the raw identifier.
func (id ID) String() string {
	return string(id)
}

// IsZero reports whether the identifier is unset.
func (id ID) IsZero() bool {
	return id == ""
}

// MarshalJSON writes numeric ids as numbers and everything else as strings.
func (id ID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts JSON numbers, strings and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a number or string: %w", err)
	}
	*id = ID(n.String())
	return nil
}
