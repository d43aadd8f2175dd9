package agentconfig

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/kandev/agentd/internal/common/errors"
)

// Record is an agent config as parsed from a file, before typing.
type Record map[string]interface{}

// ValidateRecord checks required fields, numeric ranges and container shapes
// of a raw record. Absent optional fields are fine; they receive defaults.
func ValidateRecord(rec Record) []string {
	var errs []string

	for _, key := range []string{"agent_id", "agent_name", "agent_type"} {
		v, ok := rec[key]
		if !ok || v == nil {
			errs = append(errs, fmt.Sprintf("%s is required", key))
			continue
		}
		s, ok := v.(string)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s must be a string", key))
			continue
		}
		if strings.TrimSpace(s) == "" {
			errs = append(errs, fmt.Sprintf("%s must not be empty", key))
		}
	}

	if v, ok := rec["priority"]; ok {
		n, isInt := asInt(v)
		switch {
		case !isInt:
			errs = append(errs, "priority must be an integer")
		case n < MinPriority || n > MaxPriority:
			errs = append(errs, fmt.Sprintf("priority must be between %d and %d", MinPriority, MaxPriority))
		}
	}

	if v, ok := rec["auto_start"]; ok {
		if _, isBool := v.(bool); !isBool {
			errs = append(errs, "auto_start must be a boolean")
		}
	}

	if v, ok := rec["max_retries"]; ok {
		n, isInt := asInt(v)
		switch {
		case !isInt:
			errs = append(errs, "max_retries must be an integer")
		case n < 0:
			errs = append(errs, "max_retries must be non-negative")
		}
	}

	errs = append(errs, checkDuration(rec, "retry_delay", false)...)
	errs = append(errs, checkDuration(rec, "heartbeat_interval", false)...)
	errs = append(errs, checkDuration(rec, "timeout", true)...)

	for _, key := range []string{"capabilities", "dependencies"} {
		v, ok := rec[key]
		if !ok || v == nil {
			continue
		}
		if !isStringList(v) {
			errs = append(errs, fmt.Sprintf("%s must be a list of strings", key))
		}
	}

	if v, ok := rec["log_level"]; ok {
		s, isString := v.(string)
		if !isString || !validLogLevel(s) {
			errs = append(errs, "log_level must be one of: "+strings.Join(LogLevels, ", "))
		}
	}

	if v, ok := rec["metadata"]; ok && v != nil {
		if !isStringKeyedMap(v) {
			errs = append(errs, "metadata must be a mapping")
		}
	}

	return errs
}

// Decode validates rec and converts it into an AgentConfig with defaults
// applied. Validation problems are returned as a CONFIGURATION_ERROR.
func Decode(rec Record) (*AgentConfig, error) {
	if problems := ValidateRecord(rec); len(problems) > 0 {
		return nil, errors.ConfigurationError(
			fmt.Sprintf("invalid agent config: %s", strings.Join(problems, "; ")), nil)
	}

	cfg := New("", "", "")
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: secondsToDurationHook,
		Result:     cfg,
		TagName:    "mapstructure",
	})
	if err != nil {
		return nil, errors.ConfigurationError("failed to build config decoder", err)
	}
	if err := decoder.Decode(normalizeMaps(map[string]interface{}(rec))); err != nil {
		return nil, errors.ConfigurationError("failed to decode agent config", err)
	}

	cfg.normalize()
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, errors.ConfigurationError(
			fmt.Sprintf("invalid agent config: %s", strings.Join(problems, "; ")), nil)
	}
	return cfg, nil
}

// secondsToDurationHook lets files express durations as plain seconds
// (30, 0.5) or as Go duration strings ("30s").
func secondsToDurationHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	if s, ok := data.(string); ok {
		return time.ParseDuration(s)
	}
	if f, ok := asFloat(data); ok {
		return time.Duration(f * float64(time.Second)), nil
	}
	return data, nil
}

func checkDuration(rec Record, key string, strictlyPositive bool) []string {
	v, ok := rec[key]
	if !ok {
		return nil
	}
	var seconds float64
	if s, isString := v.(string); isString {
		d, err := time.ParseDuration(s)
		if err != nil {
			return []string{fmt.Sprintf("%s must be a number of seconds or a duration string", key)}
		}
		seconds = d.Seconds()
	} else {
		f, isNum := asFloat(v)
		if !isNum {
			return []string{fmt.Sprintf("%s must be a number of seconds", key)}
		}
		seconds = f
	}
	if strictlyPositive && seconds <= 0 {
		return []string{fmt.Sprintf("%s must be positive", key)}
	}
	if seconds < 0 {
		return []string{fmt.Sprintf("%s must be non-negative", key)}
	}
	return nil
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asInt(v interface{}) (int, bool) {
	f, ok := asFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func isStringList(v interface{}) bool {
	switch list := v.(type) {
	case []string:
		return true
	case []interface{}:
		for _, item := range list {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	}
	return false
}

func isStringKeyedMap(v interface{}) bool {
	switch v.(type) {
	case map[string]interface{}, map[interface{}]interface{}, Record:
		return true
	}
	return false
}

// normalizeMaps converts map[interface{}]interface{} values (older YAML
// decoders) into string-keyed maps so they survive JSON encoding later.
func normalizeMaps(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return normalizeMaps(t)
	case Record:
		return normalizeMaps(t)
	case map[interface{}]interface{}:
		conv := make(map[string]interface{}, len(t))
		for k, val := range t {
			conv[fmt.Sprint(k)] = normalizeValue(val)
		}
		return conv
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	}
	return v
}
