package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringSlice stores a string list as a JSON array column.
type StringSlice []string

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(value any) error {
	data, err := columnBytes(value)
	if err != nil || data == nil {
		*s = nil
		return err
	}
	if err := json.Unmarshal(data, s); err != nil {
		return err
	}
	if len(*s) == 0 {
		*s = nil
	}
	return nil
}

// StringMap stores string attributes as a JSON object column.
type StringMap map[string]string

// Value implements driver.Valuer.
func (m StringMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *StringMap) Scan(value any) error {
	data, err := columnBytes(value)
	if err != nil || data == nil {
		*m = nil
		return err
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	if len(out) == 0 {
		out = nil
	}
	*m = out
	return nil
}

func columnBytes(value any) ([]byte, error) {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return nil, fmt.Errorf("unsupported column type %T", value)
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	return data, nil
}
