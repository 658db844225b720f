package ao

import (
	"bytes"
	"encoding/json"
	"reflect"
)

// Table is a Lua table keyed by string. Lua serialises an empty table as
// a JSON array, so `[]` decodes as an empty map.
type Table[V any] map[string]V

func (t *Table[V]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*t = Table[V]{}
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			*t = Table[V]{}
			return nil
		}
		return &json.UnmarshalTypeError{Value: "non-empty array", Type: reflect.TypeOf(*t)}
	}

	m := map[string]V{}
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return err
	}
	*t = m
	return nil
}
