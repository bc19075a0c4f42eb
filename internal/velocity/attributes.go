package velocity

import (
	"math"
	"strconv"
	"strings"
)

// TypeAttributes converts auxiliary string attributes into CEL-friendly values:
// numbers become float64, "true"/"false" become bool, anything else stays a string.
// Empty values and non-finite numbers ("NaN", "Inf") are dropped so that
// rules requiring them are not applicable.
func TypeAttributes(attrs map[string]string) map[string]any {
	if len(attrs) == 0 {
		return map[string]any{}
	}

	out := make(map[string]any, len(attrs))
	for k, raw := range attrs {
		v := strings.TrimSpace(raw)
		if v == "" || nonFinite(v) {
			continue
		}
		out[k] = typeValue(v)
	}
	return out
}

func typeValue(v string) any {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	}
	return v
}

func nonFinite(v string) bool {
	f, err := strconv.ParseFloat(v, 64)
	return err == nil && (math.IsNaN(f) || math.IsInf(f, 0))
}
