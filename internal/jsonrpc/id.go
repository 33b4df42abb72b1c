package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a JSON-RPC request identifier. The protocol permits both number and
// string forms, and a server echoes back whichever form the client sent, so
// the underlying type is preserved across a round trip. String returns a
// canonical text form suitable for keying a pending-call table.
type ID struct {
	value any
}

// NewID returns a numeric ID.
func NewID(n int64) ID {
	return ID{value: n}
}

// StringID returns a string-form ID.
func StringID(s string) ID {
	return ID{value: s}
}

// IsZero reports whether the ID is unset. Notifications and parse-error
// responses arrive without one.
func (id ID) IsZero() bool {
	return id.value == nil
}

// String returns the canonical text form of the ID. Numeric and string IDs
// with the same digits collapse to the same key, matching servers that echo
// a numeric ID back as a string.
func (id ID) String() string {
	switch v := id.value.(type) {
	case nil:
		return ""
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// MarshalJSON emits the ID in its original wire form.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON accepts number and string IDs. Integral floats collapse to
// int64 so 7 and 7.0 correlate to the same call.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}

	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}

	return fmt.Errorf("jsonrpc id must be a string or number, got %s", string(data))
}
