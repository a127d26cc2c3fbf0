package worker

import "strconv"

// fieldString and fieldInt normalize go-redis's map[string]interface{}
// stream-record values (stringly-typed on the wire per SPEC_FULL.md §6)
// into Go types, tolerating a missing field as a zero value.
func fieldString(values map[string]interface{}, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func fieldInt(values map[string]interface{}, key string) int {
	v, ok := values[key]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case string:
		n, _ := strconv.Atoi(t)
		return n
	case int64:
		return int(t)
	case int:
		return t
	default:
		return 0
	}
}
