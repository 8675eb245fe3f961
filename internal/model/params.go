package model

import (
	"fmt"
	"strconv"
)

// ParamKind names the scalar types a simulation parameter override may take.
type ParamKind string

const (
	KindInt    ParamKind = "int"
	KindFloat  ParamKind = "float"
	KindBool   ParamKind = "bool"
	KindString ParamKind = "string"
)

// ParamValue is a typed scalar override. Only IntParam, FloatParam,
// BoolParam and StringParam implement it.
type ParamValue interface {
	Kind() ParamKind
	// String renders the value the way the simulation's command line expects.
	String() string
	isParamValue()
}

type (
	IntParam    int64
	FloatParam  float64
	BoolParam   bool
	StringParam string
)

func (IntParam) Kind() ParamKind    { return KindInt }
func (FloatParam) Kind() ParamKind  { return KindFloat }
func (BoolParam) Kind() ParamKind   { return KindBool }
func (StringParam) Kind() ParamKind { return KindString }

func (v IntParam) String() string { return strconv.FormatInt(int64(v), 10) }

func (v FloatParam) String() string  { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v BoolParam) String() string   { return strconv.FormatBool(bool(v)) }
func (v StringParam) String() string { return string(v) }

func (IntParam) isParamValue()    {}
func (FloatParam) isParamValue()  {}
func (BoolParam) isParamValue()   {}
func (StringParam) isParamValue() {}

// ParseParam rebuilds a ParamValue from its kind and textual form.
func ParseParam(kind ParamKind, text string) (ParamValue, error) {
	switch kind {
	case KindInt:
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing int param %q: %w", text, err)
		}
		return IntParam(v), nil
	case KindFloat:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing float param %q: %w", text, err)
		}
		return FloatParam(v), nil
	case KindBool:
		v, err := strconv.ParseBool(text)
		if err != nil {
			return nil, fmt.Errorf("parsing bool param %q: %w", text, err)
		}
		return BoolParam(v), nil
	case KindString:
		return StringParam(text), nil
	default:
		return nil, fmt.Errorf("unsupported param kind %q (allowed: int, float, bool, string)", kind)
	}
}

// ParamFromAny converts a decoded config value into a ParamValue.
func ParamFromAny(v interface{}) (ParamValue, error) {
	switch x := v.(type) {
	case int:
		return IntParam(x), nil
	case int64:
		return IntParam(x), nil
	case float64:
		return FloatParam(x), nil
	case bool:
		return BoolParam(x), nil
	case string:
		return StringParam(x), nil
	case ParamValue:
		return x, nil
	default:
		return nil, fmt.Errorf("unsupported param value %v of type %T (allowed: int, float, bool, string)", v, v)
	}
}
