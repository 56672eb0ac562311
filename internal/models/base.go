package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BaseModel carries the identity shared by stored packets and event logs.
type BaseModel struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Variables is free-form detail stored as a JSON column.
type Variables map[string]interface{}

// Value encodes v as JSON; a nil map is stored as NULL.
func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]interface{}(v))
	if err != nil {
		return nil, fmt.Errorf("encode variables: %w", err)
	}
	return string(b), nil
}

// Scan decodes a JSON column. NULL and empty columns yield an empty map.
func (v *Variables) Scan(value interface{}) error {
	var raw []byte
	switch data := value.(type) {
	case nil:
	case []byte:
		raw = data
	case string:
		raw = []byte(data)
	default:
		return fmt.Errorf("cannot scan %T into Variables", value)
	}
	*v = make(Variables)
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
