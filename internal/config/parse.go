package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sctnightcore/netredirect/internal/ptr"
)

type cloner[T any] interface {
	Clone() T
}

type merger[T any] interface {
	cloner[T]
	Merge(overrides T) T
	toml.Unmarshaler
}

func isOk[T any](p *T, err error) bool {
	return err == nil && p != nil
}

// findFrom looks up key in a decoded TOML table and runs the parser on it.
// A missing key yields nil without touching err; the first parse failure
// records into err and short-circuits every later findFrom call.
func findFrom[T any](
	data map[string]any,
	key string,
	parser func(any) (T, error),
	err *error,
) *T {
	if err != nil && *err != nil {
		return nil
	}

	anyVal, ok := data[key]
	if !ok {
		return nil
	}

	val, parseErr := parser(anyVal)
	if parseErr != nil {
		*err = fmt.Errorf("field %q: %w", key, parseErr)
		return nil
	}

	return ptr.FromValue(val)
}

func findStructFrom[T any, PT interface {
	*T
	toml.Unmarshaler
}](m map[string]any, key string, errPtr *error) *T {
	if errPtr != nil && *errPtr != nil {
		return nil
	}

	val, ok := m[key]
	if !ok {
		return nil
	}

	var item T
	if err := PT(&item).UnmarshalTOML(val); err != nil {
		*errPtr = fmt.Errorf("failed to decode '%s': %w", key, err)
		return nil
	}

	return &item
}

func findStructSliceFrom[T any, PT interface {
	*T
	toml.Unmarshaler
}](m map[string]any, key string, errPtr *error) []T {
	if errPtr != nil && *errPtr != nil {
		return nil
	}

	val, ok := m[key]
	if !ok {
		return nil
	}

	rawList, ok := val.([]any)
	if !ok {
		if mapList, ok := val.([]map[string]any); ok {
			rawList = make([]any, len(mapList))
			for i, v := range mapList {
				rawList[i] = v
			}
		} else {
			*errPtr = fmt.Errorf("field '%s' is not a list", key)
			return nil
		}
	}

	res := make([]T, 0, len(rawList))
	for i, raw := range rawList {
		var item T
		if err := PT(&item).UnmarshalTOML(raw); err != nil {
			*errPtr = fmt.Errorf("failed to decode '%s' item [%d]: %w", key, i, err)
			return nil
		}
		res = append(res, item)
	}

	return res
}

func parseBoolFn() func(any) (bool, error) {
	return func(v any) (bool, error) {
		b, ok := v.(bool)
		if !ok {
			return false, fmt.Errorf("expected boolean, got %T", v)
		}

		return b, nil
	}
}

func parseStringFn(check func(string) error) func(any) (string, error) {
	return func(v any) (string, error) {
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("expected string, got %T", v)
		}

		if check != nil {
			if err := check(s); err != nil {
				return "", err
			}
		}

		return s, nil
	}
}

type integer interface {
	~uint8 | ~uint16 | ~uint32 | ~int | ~int64
}

// parseIntFn converts the int64 the TOML decoder produces into the target
// integer type. The check runs before narrowing and owns the range rules.
func parseIntFn[T integer](check func(int64) error) func(any) (T, error) {
	return func(v any) (T, error) {
		n, ok := v.(int64)
		if !ok {
			return 0, fmt.Errorf("expected integer, got %T", v)
		}

		if check != nil {
			if err := check(n); err != nil {
				return 0, err
			}
		}

		return T(n), nil
	}
}

// parseMillisFn reads a duration given as a millisecond count.
func parseMillisFn(check func(int64) error) func(any) (time.Duration, error) {
	inner := parseIntFn[int64](check)

	return func(v any) (time.Duration, error) {
		n, err := inner(v)
		if err != nil {
			return 0, err
		}

		return time.Duration(n) * time.Millisecond, nil
	}
}
