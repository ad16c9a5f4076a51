package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/harunnryd/ranya-gladia/pkg/configutil"
	"github.com/harunnryd/ranya-gladia/pkg/errorsx"
)

// Environment looks up environment variables. Resolve never mutates it.
type Environment interface {
	Lookup(key string) (string, bool)
}

// EnvFunc adapts a lookup function to Environment.
type EnvFunc func(key string) (string, bool)

func (f EnvFunc) Lookup(key string) (string, bool) { return f(key) }

// OSEnvironment reads the process environment.
var OSEnvironment Environment = EnvFunc(os.LookupEnv)

// MapEnvironment is a fixed environment, mostly for tests and embedding.
type MapEnvironment map[string]string

func (m MapEnvironment) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

type layer int

const (
	layerDefault layer = iota
	layerEnv
	layerOverride
)

// origin records where a resolved value came from, for error messages.
type origin struct {
	name  string
	raw   string
	layer layer
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func sessionValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
			return name
		})
	})
	return validate
}

// ResolveOS resolves against the process environment.
func ResolveOS(overrides map[string]any) (SessionConfig, error) {
	return Resolve(OSEnvironment, overrides)
}

// Resolve builds a SessionConfig from the option defaults, env and
// overrides, in increasing precedence. Any value that cannot be coerced or
// is out of range fails with *errorsx.ConfigError.
func Resolve(env Environment, overrides map[string]any) (SessionConfig, error) {
	if env == nil {
		env = MapEnvironment(nil)
	}
	ov, err := canonicalOverrides(overrides)
	if err != nil {
		return SessionConfig{}, err
	}

	values := make(map[string]any, len(Options))
	origins := make(map[string]origin, len(Options))
	// Inheriting options read their base, so bases resolve first.
	for _, pass := range []bool{false, true} {
		for _, opt := range Options {
			if (opt.Inherit != "") != pass {
				continue
			}
			v, src, err := resolveOption(opt, env, ov, values, origins)
			if err != nil {
				return SessionConfig{}, err
			}
			values[opt.Key] = v
			origins[opt.Key] = src
		}
	}

	if langs, ok := values["languages"].([]string); ok {
		values["languages"] = sanitizeAll(langs)
	}

	var cfg SessionConfig
	if err := configutil.DecodeSettings(values, &cfg); err != nil {
		return SessionConfig{}, errorsx.Wrap(&errorsx.ConfigError{Reason: err.Error()}, errorsx.ReasonConfigInvalid)
	}
	if err := sessionValidator().Struct(cfg); err != nil {
		return SessionConfig{}, validationError(err, origins)
	}
	return cfg, nil
}

type overrideValue struct {
	name  string
	value any
}

// canonicalOverrides maps override keys onto option keys. Aliases are applied
// first so an explicit option key wins over its alias.
func canonicalOverrides(overrides map[string]any) (map[string]overrideValue, error) {
	out := make(map[string]overrideValue, len(overrides))
	if len(overrides) == 0 {
		return out, nil
	}
	byNorm := make(map[string]string, len(Options))
	for _, opt := range Options {
		byNorm[configutil.NormalizeKey(opt.Key)] = opt.Key
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var canonical []string
	for _, k := range keys {
		norm := configutil.NormalizeKey(k)
		if target, ok := overrideAliases[norm]; ok {
			if skipOverride(overrides[k]) {
				continue
			}
			out[target] = overrideValue{name: k, value: overrides[k]}
			continue
		}
		if _, ok := byNorm[norm]; !ok {
			return nil, errorsx.Wrap(&errorsx.ConfigError{Key: k, Reason: "unknown option"}, errorsx.ReasonConfigInvalid)
		}
		canonical = append(canonical, k)
	}
	for _, k := range canonical {
		if skipOverride(overrides[k]) {
			continue
		}
		out[byNorm[configutil.NormalizeKey(k)]] = overrideValue{name: k, value: overrides[k]}
	}
	return out, nil
}

// skipOverride treats nil and blank strings as "not provided", matching how
// speech option messages leave fields empty.
func skipOverride(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func resolveOption(opt Option, env Environment, ov map[string]overrideValue, values map[string]any, origins map[string]origin) (any, origin, error) {
	if o, ok := ov[opt.Key]; ok {
		v, err := coerceValue(opt.Kind, o.value)
		src := origin{name: o.name, raw: display(o.value), layer: layerOverride}
		if err != nil {
			return nil, src, configError(src, err.Error())
		}
		return v, src, nil
	}
	if opt.Inherit != "" {
		base := origins[opt.Inherit]
		if base.layer < layerOverride {
			if raw, ok := env.Lookup(opt.Env); ok {
				return fromEnv(opt, raw)
			}
		}
		return values[opt.Inherit], base, nil
	}
	if raw, ok := env.Lookup(opt.Env); ok {
		return fromEnv(opt, raw)
	}
	v, err := coerceString(opt.Kind, opt.Default)
	src := origin{name: opt.Key, raw: opt.Default, layer: layerDefault}
	if err != nil {
		return nil, src, configError(src, "invalid default: "+err.Error())
	}
	return v, src, nil
}

func fromEnv(opt Option, raw string) (any, origin, error) {
	src := origin{name: opt.Env, raw: raw, layer: layerEnv}
	v, err := coerceString(opt.Kind, raw)
	if err != nil {
		return nil, src, configError(src, err.Error())
	}
	return v, src, nil
}

func configError(src origin, reason string) error {
	return errorsx.Wrap(&errorsx.ConfigError{Key: src.name, Value: src.raw, Reason: reason}, errorsx.ReasonConfigInvalid)
}

func validationError(err error, origins map[string]origin) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return errorsx.Wrap(&errorsx.ConfigError{Reason: err.Error()}, errorsx.ReasonConfigInvalid)
	}
	fe := verrs[0]
	src, ok := origins[fe.Field()]
	if !ok {
		src = origin{name: fe.Field()}
	}
	return configError(src, validationReason(fe))
}

func validationReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "http_url":
		return "must be an http(s) URL"
	case "gte", "min":
		return "must be >= " + fe.Param()
	case "lte", "max":
		return "must be <= " + fe.Param()
	case "gt":
		return "must be > " + fe.Param()
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

func sanitizeAll(langs []string) []string {
	out := make([]string, 0, len(langs))
	seen := make(map[string]bool, len(langs))
	for _, l := range langs {
		s := SanitizeLocale(l)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
