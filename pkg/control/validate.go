package control

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/denizumutdereli/vertexrelay/pkg/core"
	"github.com/denizumutdereli/vertexrelay/pkg/settings"
)

// Bound restricts numeric values.
type Bound int

const (
	Unbounded Bound = iota
	Positive
	NonNegative
)

func (b Bound) check(f float64) error {
	switch b {
	case Positive:
		if f <= 0 {
			return fmt.Errorf("must be greater than 0")
		}
	case NonNegative:
		if f < 0 {
			return fmt.Errorf("must not be negative")
		}
	}
	return nil
}

// coerce converts a decoded request value into the canonical Go type for
// d.Kind. Errors wrap core.ErrInvalidType.
func coerce(d Descriptor, raw any) (any, error) {
	var (
		v   any
		err error
	)
	switch d.Kind {
	case settings.KindInt:
		var n int
		if n, err = toInt(raw); err == nil {
			if err = d.Bound.check(float64(n)); err == nil {
				v = n
			}
		}
	case settings.KindFloat:
		var f float64
		if f, err = toFloat(raw); err == nil {
			if err = d.Bound.check(f); err == nil {
				v = f
			}
		}
	case settings.KindBool:
		b, ok := raw.(bool)
		if !ok {
			err = fmt.Errorf("expected a boolean, got %s", describe(raw))
		}
		v = b
	case settings.KindString:
		s, ok := raw.(string)
		if !ok {
			err = fmt.Errorf("expected a string, got %s", describe(raw))
		}
		v = s
	default:
		err = fmt.Errorf("unknown kind %s", d.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s %v", core.ErrInvalidType, d.Key, err)
	}
	return v, nil
}

func toInt(raw any) (int, error) {
	switch n := raw.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case int32:
		return int(n), nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n.String())
		}
		return integral(f)
	case float64:
		return integral(n)
	case float32:
		return integral(float64(n))
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("expected an integer, got %s", describe(raw))
}

func integral(f float64) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("%v is out of range", f)
	}
	return int(f), nil
}

func toFloat(raw any) (float64, error) {
	var (
		f   float64
		err error
	)
	switch n := raw.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		f, err = n.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("expected a number, got %s", describe(raw))
	}
	if err != nil {
		return 0, fmt.Errorf("%v is not a number", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not a finite number", raw)
	}
	return f, nil
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case json.Number, float64, float32, int, int64, int32:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

// isSentinel reports the "leave unchanged" values of secret string keys.
func isSentinel(s string) bool {
	return s == "" || strings.EqualFold(s, "true")
}
