package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions. These ensure JSONB types implement both
// sql.Scanner and driver.Valuer, catching signature drift at compile time.
// Scan is on pointer receivers; Value is on value receivers.
var (
	_ sql.Scanner   = (*Tags)(nil)
	_ driver.Valuer = Tags(nil)
)

// scanJSONB scans a JSONB database value into a Go pointer. It handles nil
// values, []byte, and string representations from different drivers.
func scanJSONB(dest interface{}, value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (t *Tags) Scan(value interface{}) error {
	if value == nil {
		*t = nil
		return nil
	}
	return scanJSONB(t, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}
