package live

import (
	"encoding/json"
	"log/slog"
	"strings"
)

var (
	trueFlags  = map[string]bool{"true": true, "1": true, "yes": true, "live": true, "online": true}
	falseFlags = map[string]bool{"false": true, "0": true, "no": true, "offline": true, "": true, "null": true, "undefined": true, "none": true}
)

// NormalizeLive maps the bool, number and string encodings upstream sources use for
// "is live" onto a strict bool. Anything unrecognized is false and logged.
func NormalizeLive(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case *bool:
		return x != nil && *x
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		if trueFlags[s] {
			return true
		}
		if !falseFlags[s] {
			slog.Warn("unrecognized liveness flag, treating as offline", slog.String("component", "live"), slog.String("value", x))
		}
		return false
	case float64:
		return x != 0
	case float32:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case int32:
		return x != 0
	case uint:
		return x != 0
	case uint64:
		return x != 0
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			slog.Warn("unrecognized liveness flag, treating as offline", slog.String("component", "live"), slog.String("value", x.String()))
			return false
		}
		return f != 0
	default:
		slog.Warn("unrecognized liveness flag type, treating as offline", slog.String("component", "live"), slog.Any("value", v))
		return false
	}
}
