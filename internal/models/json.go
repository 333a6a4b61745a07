package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// JSON holds an opaque structured payload. It is stored in JSONB columns and is serialized as-is
// in API responses. A nil JSON is written as SQL NULL and rendered as JSON null.
type JSON []byte

// MustJSON marshals v, panicking on failure. Only meant for values known to be serializable.
func MustJSON(v any) JSON {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("could not marshal value to JSON: %v", err))
	}
	return b
}

func (j JSON) IsNull() bool {
	return len(j) == 0 || bytes.Equal(j, []byte("null"))
}

// Equal compares the two payloads semantically, ignoring formatting differences
func (j JSON) Equal(other JSON) bool {
	if j.IsNull() || other.IsNull() {
		return j.IsNull() == other.IsNull()
	}
	var a, b any
	if json.Unmarshal(j, &a) != nil || json.Unmarshal(other, &b) != nil {
		return bytes.Equal(j, other)
	}
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return bytes.Equal(ab, bb)
}

// Clone returns a copy that does not share the underlying array
func (j JSON) Clone() JSON {
	if j == nil {
		return nil
	}
	out := make(JSON, len(j))
	copy(out, j)
	return out
}

func (j JSON) MarshalJSON() ([]byte, error) {
	if j.IsNull() {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return errors.New("models.JSON: UnmarshalJSON on nil pointer")
	}
	if bytes.Equal(data, []byte("null")) {
		*j = nil
		return nil
	}
	*j = append((*j)[0:0], data...)
	return nil
}

func (j JSON) Value() (driver.Value, error) {
	if j.IsNull() {
		return nil, nil
	}
	return []byte(j), nil
}

func (j *JSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSON(nil), v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("cannot scan %T into models.JSON", src)
	}
	return nil
}

// RunError is the structured error recorded against a failed or timed out run
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e RunError) Value() (driver.Value, error) {
	return json.Marshal(e)
}

func (e *RunError) Scan(src any) error {
	return scanJSONColumn(src, e)
}

// RunMetrics holds measurements recorded once a run becomes terminal
type RunMetrics struct {
	DurationMS int64 `json:"duration_ms"`
}

func (m RunMetrics) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *RunMetrics) Scan(src any) error {
	return scanJSONColumn(src, m)
}

func scanJSONColumn(src any, dest any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dest)
	}
}
