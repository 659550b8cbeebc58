package converter

import (
	"fmt"
	"math"
	"strconv"
)

// Params reads typed values out of a task's parameter bag. Values arrive
// from JSON, so numbers are float64 and may also be sent as strings.
type Params map[string]any

func (p Params) Float(key string, def float64) (float64, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidParameter, key, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrInvalidParameter, key, raw)
	}
}

func (p Params) PositiveFloat(key string, def float64) (float64, error) {
	f, err := p.Float(key, def)
	if err != nil {
		return 0, err
	}
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidParameter, key, f)
	}
	return f, nil
}

func (p Params) Int(key string, def int) (int, error) {
	f, err := p.Float(key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %s must be a whole number, got %v", ErrInvalidParameter, key, f)
	}
	return int(f), nil
}

// Dimension reads a pixel size in [0, maxDimension].
func (p Params) Dimension(key string, def int) (int, error) {
	n, err := p.Int(key, def)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > maxDimension {
		return 0, fmt.Errorf("%w: %s must be between 0 and %d, got %d", ErrInvalidParameter, key, maxDimension, n)
	}
	return n, nil
}

func (p Params) Bool(key string, def bool) (bool, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidParameter, key, v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%w: %s has type %T", ErrInvalidParameter, key, raw)
	}
}

func (p Params) String(key, def string) (string, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s has type %T", ErrInvalidParameter, key, raw)
	}
	return s, nil
}
