package config

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

var (
	trueWords  = map[string]bool{"true": true, "1": true, "t": true, "yes": true, "y": true}
	falseWords = map[string]bool{"false": true, "0": true, "f": true, "no": true, "n": true}
)

// ParseBool accepts true/1/t/yes/y and false/0/f/no/n case-insensitively.
// An empty string is false.
func ParseBool(raw string) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case v == "":
		return false, nil
	case trueWords[v]:
		return true, nil
	case falseWords[v]:
		return false, nil
	}
	return false, fmt.Errorf("not a boolean")
}

// ParseList splits a comma separated list, trimming items and dropping empty
// ones. A value starting with '[' is decoded as a JSON array of strings.
func ParseList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}, nil
	}
	if strings.HasPrefix(raw, "[") {
		var items []string
		if err := ParseJSON(raw, &items); err != nil {
			return nil, err
		}
		return cleanList(items), nil
	}
	return cleanList(strings.Split(raw, ",")), nil
}

// ParseMap parses "key:value,key2:value2". Pairs without ':' or with an empty
// key are ignored.
func ParseMap(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// ParseJSON decodes raw into out.
func ParseJSON(raw string, out any) error {
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// coerceString converts an environment (or default) value.
func coerceString(kind Kind, raw string) (any, error) {
	trimmed := strings.TrimSpace(raw)
	switch kind {
	case KindString:
		return trimmed, nil
	case KindBool:
		return ParseBool(trimmed)
	case KindList:
		return ParseList(trimmed)
	case KindMap:
		return ParseMap(trimmed), nil
	case KindSpelling:
		out := map[string][]string{}
		if trimmed == "" {
			return out, nil
		}
		if err := ParseJSON(trimmed, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	if trimmed == "" {
		return nil, fmt.Errorf("empty value")
	}
	switch kind {
	case KindInt:
		v, err := cast.ToIntE(trimmed)
		if err != nil {
			return nil, fmt.Errorf("not an integer")
		}
		return v, nil
	case KindFloat:
		v, err := cast.ToFloat64E(trimmed)
		if err != nil {
			return nil, fmt.Errorf("not a number")
		}
		return finite(v)
	case KindDuration:
		return parseDuration(trimmed)
	}
	return nil, fmt.Errorf("unsupported option type %s", kind)
}

// coerceValue converts an override value, which may already be typed.
func coerceValue(kind Kind, v any) (any, error) {
	if s, ok := v.(string); ok {
		return coerceString(kind, s)
	}
	switch kind {
	case KindString:
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("not a string")
		}
		return strings.TrimSpace(s), nil
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return nil, fmt.Errorf("not a boolean")
		}
		return f != 0, nil
	case KindInt:
		n, err := cast.ToIntE(v)
		if err != nil {
			return nil, fmt.Errorf("not an integer")
		}
		return n, nil
	case KindFloat:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return nil, fmt.Errorf("not a number")
		}
		return finite(f)
	case KindDuration:
		if d, ok := v.(time.Duration); ok {
			return d, nil
		}
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return nil, fmt.Errorf("not a duration")
		}
		if _, err := finite(f); err != nil {
			return nil, err
		}
		return time.Duration(f * float64(time.Second)), nil
	case KindList:
		items, err := cast.ToStringSliceE(v)
		if err != nil {
			return nil, fmt.Errorf("not a list")
		}
		return cleanList(items), nil
	case KindMap:
		m, err := cast.ToStringMapStringE(v)
		if err != nil {
			return nil, fmt.Errorf("not a map")
		}
		out := make(map[string]string, len(m))
		for k, val := range m {
			out[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
		return out, nil
	case KindSpelling:
		m, err := cast.ToStringMapStringSliceE(v)
		if err != nil {
			return nil, fmt.Errorf("not a map of string lists")
		}
		return m, nil
	}
	return nil, fmt.Errorf("unsupported option type %s", kind)
}

// parseDuration accepts Go duration strings ("500ms") and bare numbers,
// which are read as seconds.
func parseDuration(raw string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		if _, err := finite(f); err != nil {
			return 0, err
		}
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := cast.ToDurationE(raw)
	if err != nil {
		return 0, fmt.Errorf("not a duration")
	}
	return d, nil
}

func finite(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number")
	}
	return v, nil
}

// display renders a coerced or override value for error messages.
func display(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
