package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a CRM record identifier. The CRM returns either JSON numbers or
// strings, and the original shape is preserved on the way back out.
type ID struct {
	value   string
	numeric bool
}

func StringID(s string) ID { return ID{value: s} }

func NumberID(n int64) ID { return ID{value: strconv.FormatInt(n, 10), numeric: true} }

// IDFromValue converts a decoded JSON value into an ID. Empty strings, nil and
// non scalar values are rejected.
func IDFromValue(v any) (ID, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return ID{}, false
		}
		return StringID(t), true
	case json.Number:
		if t.String() == "" {
			return ID{}, false
		}
		return ID{value: t.String(), numeric: true}, true
	case float64:
		return ID{value: strconv.FormatFloat(t, 'f', -1, 64), numeric: true}, true
	case int:
		return NumberID(int64(t)), true
	case int64:
		return NumberID(t), true
	}
	return ID{}, false
}

func (id ID) String() string { return id.value }

func (id ID) IsNumeric() bool { return id.numeric }

func (id ID) IsZero() bool { return id.value == "" }

// Value returns the identifier in the form the CRM expects in request bodies.
func (id ID) Value() any {
	if id.numeric {
		return json.Number(id.value)
	}
	return id.value
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.numeric {
		return []byte(id.value), nil
	}
	return json.Marshal(id.value)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID{value: n.String(), numeric: true}
	return nil
}

// IDPtr is a convenience for optional identifiers.
func IDPtr(id ID) *ID {
	if id.IsZero() {
		return nil
	}
	return &id
}
