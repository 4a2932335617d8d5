package config

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/shlex"

	"github.com/loykin/appvisor/internal/env"
)

var (
	durationType  = reflect.TypeOf(time.Duration(0))
	stringsType   = reflect.TypeOf([]string(nil))
	jsonNumberTyp = reflect.TypeOf(json.Number(""))
)

func decode(input map[string]any, out *appConfig) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			durationHook,
			argsHook,
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// durationHook accepts Go duration strings ("1.5s") or integer milliseconds.
func durationHook(_ reflect.Type, t reflect.Type, data any) (any, error) {
	if t != durationType {
		return data, nil
	}
	return parseDuration(data)
}

func parseDuration(data any) (time.Duration, error) {
	switch v := data.(type) {
	case time.Duration:
		return v, nil
	case json.Number:
		return parseDuration(string(v))
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, nil
		}
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
		ms, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		return msDuration(ms), nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case uint64:
		if v > math.MaxInt64/uint64(time.Millisecond) {
			return 0, fmt.Errorf("duration %d out of range", v)
		}
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return msDuration(v), nil
	default:
		return 0, fmt.Errorf("invalid duration type %T", data)
	}
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// argsHook splits a raw argument string with POSIX shell word rules.
// Quotes are honoured; nothing is expanded.
func argsHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	if t != stringsType || f.Kind() != reflect.String || f == jsonNumberTyp {
		return data, nil
	}
	words, err := shlex.Split(reflect.ValueOf(data).String())
	if err != nil {
		return nil, fmt.Errorf("split %q: %w", data, err)
	}
	return words, nil
}

// toEnv accepts either a mapping or a list of "KEY=VALUE" strings.
// Repeated keys in the list form are rejected.
func toEnv(raw any) (env.Var, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		out := make(env.Var, len(v))
		for k, val := range v {
			s, err := scalarString(val)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = s
		}
		return out, nil
	case []any:
		out := make(env.Var, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("[%d]: expected \"KEY=VALUE\" string, got %T", i, item)
			}
			k, val, ok := env.Split(s)
			if !ok {
				return nil, fmt.Errorf("[%d]: expected \"KEY=VALUE\", got %q", i, s)
			}
			if _, dup := out[k]; dup {
				return nil, fmt.Errorf("duplicate key %q", k)
			}
			out[k] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a mapping or a list, got %T", raw)
	}
}

func scalarString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("value must be a scalar, got %T", v)
	}
}
