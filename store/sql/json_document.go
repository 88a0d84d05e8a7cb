package sqlstore

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// jsonDocument is a JSON object column that keeps integers exact. The
// default map decoding turns every number into float64, which rounds
// integers above 2^53.
type jsonDocument map[string]any

func (d jsonDocument) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(map[string]any(d))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: encode json document: %w", err)
	}
	return string(encoded), nil
}

func (d *jsonDocument) Scan(src any) error {
	var raw []byte
	switch typed := src.(type) {
	case nil:
		*d = jsonDocument{}
		return nil
	case []byte:
		raw = typed
	case string:
		raw = []byte(typed)
	default:
		return fmt.Errorf("sqlstore: cannot scan %T into json document", src)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		*d = jsonDocument{}
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	decoded := map[string]any{}
	if err := decoder.Decode(&decoded); err != nil {
		return fmt.Errorf("sqlstore: decode json document: %w", err)
	}
	*d = jsonDocument(exactNumbers(decoded).(map[string]any))
	return nil
}

// exactNumbers turns json.Number into int64 when the literal is an integer
// that fits, and into float64 otherwise.
func exactNumbers(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		for key, item := range typed {
			typed[key] = exactNumbers(item)
		}
		return typed
	case []any:
		for i, item := range typed {
			typed[i] = exactNumbers(item)
		}
		return typed
	case json.Number:
		if n, err := typed.Int64(); err == nil {
			return n
		}
		if f, err := typed.Float64(); err == nil {
			return f
		}
		return typed.String()
	default:
		return value
	}
}
