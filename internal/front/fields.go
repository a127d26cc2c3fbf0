package front

import "strconv"

// fieldString and fieldInt64 normalize go-redis's map[string]interface{}
// stream-record values (always strings on the wire per SPEC_FULL.md §6)
// into Go types, tolerating a missing field as a zero value.
func fieldString(values map[string]interface{}, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func fieldInt64(values map[string]interface{}, key string) int64 {
	v, ok := values[key]
	if !ok {
		return 0
	}
	return fieldInt64FromAny(v)
}

func fieldInt(values map[string]interface{}, key string) int {
	return int(fieldInt64(values, key))
}

func fieldInt64FromAny(v interface{}) int64 {
	switch t := v.(type) {
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}
