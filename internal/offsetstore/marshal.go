package offsetstore

import "encoding/json"

// marshalStringMap/marshalAnyMap implement the "connector serializer"
// referenced in spec.md §6: any encoding is acceptable as long as it
// round-trips. JSON is sufficient here and keeps the file human
// readable for operators, unlike a binary connector-specific format.
func marshalStringMap(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func unmarshalStringMap(b []byte) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalAnyMap(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func unmarshalAnyMap(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
