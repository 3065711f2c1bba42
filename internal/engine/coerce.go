package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidesync/tidesync/internal/model"
)

// Datetime spellings accepted by the datetime coercion. Driver-normalized
// reads already carry time.Time; these cover defaults and CUE literals.
var coerceTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// coerce converts v according to a declared coercion rule. The rule set is
// closed: mappings carry data conversions, never executable logic. NULL
// passes through every rule (a null stays a null in any type).
//
// A nil error means the returned value is safe to emit; a non-nil error is
// reported as a per-record warning by the caller, never as a failure.
func coerce(v model.Value, rule string, enumValues []string) (model.Value, error) {
	if v == nil {
		return model.Null{}, nil
	}
	if _, isNull := v.(model.Null); isNull {
		return v, nil
	}

	switch rule {
	case model.CoerceNone:
		return v, nil

	case model.CoerceInteger:
		switch t := v.(type) {
		case model.Int:
			return t, nil
		case model.Float:
			i := int64(t)
			if model.Float(i) != t {
				return nil, fmt.Errorf("coerce %v to integer: fractional part", float64(t))
			}
			return model.Int(i), nil
		case model.String:
			i, err := strconv.ParseInt(strings.TrimSpace(string(t)), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("coerce %q to integer: %w", string(t), err)
			}
			return model.Int(i), nil
		case model.Bool:
			if t {
				return model.Int(1), nil
			}
			return model.Int(0), nil
		}

	case model.CoerceFloat:
		switch t := v.(type) {
		case model.Float:
			return t, nil
		case model.Int:
			return model.Float(float64(t)), nil
		case model.String:
			f, err := strconv.ParseFloat(strings.TrimSpace(string(t)), 64)
			if err != nil {
				return nil, fmt.Errorf("coerce %q to float: %w", string(t), err)
			}
			return model.Float(f), nil
		}

	case model.CoerceString:
		if s, err := stringify(v); err == nil {
			return s, nil
		}

	case model.CoerceBoolean:
		switch t := v.(type) {
		case model.Bool:
			return t, nil
		case model.Int:
			switch t {
			case 0:
				return model.Bool(false), nil
			case 1:
				return model.Bool(true), nil
			}
			return nil, fmt.Errorf("coerce %d to boolean: not 0 or 1", int64(t))
		case model.String:
			switch strings.ToLower(strings.TrimSpace(string(t))) {
			case "1", "true", "t":
				return model.Bool(true), nil
			case "0", "false", "f":
				return model.Bool(false), nil
			}
			return nil, fmt.Errorf("coerce %q to boolean", string(t))
		}

	case model.CoerceDatetime:
		if t, err := asTime(v); err == nil {
			return t, nil
		}
		return nil, fmt.Errorf("coerce %s to datetime", describeValue(v))

	case model.CoerceEnum:
		s, err := stringify(v)
		if err != nil {
			return nil, fmt.Errorf("coerce %s to enum: %w", describeValue(v), err)
		}
		for _, allowed := range enumValues {
			if string(s) == allowed {
				return s, nil
			}
		}
		return nil, fmt.Errorf("value %q not in enum %v", string(s), enumValues)

	default:
		return nil, fmt.Errorf("unknown coercion %q", rule)
	}

	return nil, fmt.Errorf("cannot coerce %s to %s", describeValue(v), rule)
}

// coerceToKind converts v to the target column's declared kind when the
// conversion is lossless; anything else passes through untouched. Used when
// a mapping declares no explicit coercion.
func coerceToKind(v model.Value, kind string) model.Value {
	if v == nil {
		return model.Null{}
	}
	if _, isNull := v.(model.Null); isNull {
		return v
	}

	var rule string
	switch kind {
	case model.KindInteger:
		rule = model.CoerceInteger
	case model.KindFloat:
		rule = model.CoerceFloat
	case model.KindText:
		rule = model.CoerceString
	case model.KindBoolean:
		rule = model.CoerceBoolean
	case model.KindDatetime:
		rule = model.CoerceDatetime
	default:
		return v
	}
	out, err := coerce(v, rule, nil)
	if err != nil {
		return v
	}
	return out
}

// stringify renders a scalar as its canonical text. Bytes are refused:
// binary data has no single textual reading.
func stringify(v model.Value) (model.String, error) {
	switch t := v.(type) {
	case model.String:
		return t, nil
	case model.Int:
		return model.String(strconv.FormatInt(int64(t), 10)), nil
	case model.Float:
		return model.String(strconv.FormatFloat(float64(t), 'g', -1, 64)), nil
	case model.Bool:
		return model.String(strconv.FormatBool(bool(t))), nil
	case model.Time:
		return model.String(time.Time(t).UTC().Format(time.RFC3339Nano)), nil
	}
	return "", fmt.Errorf("no text form for %s", describeValue(v))
}

// asTime interprets a value as a timestamp: native Time, text in a known
// layout, or integer unix seconds.
func asTime(v model.Value) (model.Time, error) {
	switch t := v.(type) {
	case model.Time:
		return t, nil
	case model.String:
		s := strings.TrimSpace(string(t))
		for _, layout := range coerceTimeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return model.Time(ts.UTC()), nil
			}
		}
		return model.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	case model.Int:
		return model.Time(time.Unix(int64(t), 0).UTC()), nil
	}
	return model.Time{}, fmt.Errorf("no timestamp form for %s", describeValue(v))
}

func describeValue(v model.Value) string {
	switch v.(type) {
	case model.Null:
		return "null"
	case model.Bool:
		return "boolean"
	case model.Int:
		return "integer"
	case model.Float:
		return "float"
	case model.String:
		return "string"
	case model.Time:
		return "datetime"
	case model.Bytes:
		return "bytes"
	}
	return "unknown value"
}
