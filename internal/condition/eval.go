package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Truth is the result of three-valued evaluation.
type Truth int8

const (
	False Truth = iota
	True
	Unknown
)

func (t Truth) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

type unknownValue struct{}

// UnknownValue marks an attribute whose value could not be determined, for
// example because the service providing it timed out. Any comparison that
// reads it evaluates to Unknown.
var UnknownValue any = unknownValue{}

// Attributes is the bag an expression is evaluated against.
type Attributes map[string]any

// ErrEval reports a malformed tree or an attribute of the wrong shape for
// time_within. Checked expressions only produce it for bad attribute data.
var ErrEval = errors.New("condition: evaluation failed")

// Eval interprets e against attrs. It never reads the wall clock: time
// conditions use the time value carried in attrs.
func Eval(e *Expr, attrs Attributes) (Truth, error) {
	if e == nil {
		return Unknown, fmt.Errorf("%w: nil expression", ErrEval)
	}
	switch e.Kind {
	case KindLiteral:
		return truth(e.Value.Bool), nil
	case KindEquals, KindNotEquals:
		raw, ok := attrs[e.Attr]
		if !ok {
			return False, nil
		}
		if raw == UnknownValue {
			return Unknown, nil
		}
		eq := equalValue(raw, e.Value)
		if e.Kind == KindNotEquals {
			eq = !eq
		}
		return truth(eq), nil
	case KindInSet:
		raw, ok := attrs[e.Attr]
		if !ok {
			return False, nil
		}
		if raw == UnknownValue {
			return Unknown, nil
		}
		for _, v := range e.Set {
			if equalValue(raw, v) {
				return True, nil
			}
		}
		return False, nil
	case KindBranchMatches:
		l, lok := attrs[BranchAttr(e.Left)]
		r, rok := attrs[BranchAttr(e.Right)]
		if (lok && l == UnknownValue) || (rok && r == UnknownValue) {
			return Unknown, nil
		}
		if !lok || !rok {
			return False, nil
		}
		ls, lstr := l.(string)
		rs, rstr := r.(string)
		return truth(lstr && rstr && ls != "" && ls == rs), nil
	case KindTimeWithin:
		raw, ok := attrs[e.Attr]
		if !ok {
			return False, nil
		}
		if raw == UnknownValue {
			return Unknown, nil
		}
		ts, err := asTime(raw)
		if err != nil {
			return Unknown, fmt.Errorf("%w: %s: %v", ErrEval, e.Attr, err)
		}
		return truth(within(ClockTime(ts.Hour()*60+ts.Minute()), e.From, e.To)), nil
	case KindAnd:
		result := True
		for _, a := range e.Args {
			t, err := Eval(a, attrs)
			if err != nil {
				return Unknown, err
			}
			if t == False {
				return False, nil
			}
			if t == Unknown {
				result = Unknown
			}
		}
		return result, nil
	case KindOr:
		result := False
		for _, a := range e.Args {
			t, err := Eval(a, attrs)
			if err != nil {
				return Unknown, err
			}
			if t == True {
				return True, nil
			}
			if t == Unknown {
				result = Unknown
			}
		}
		return result, nil
	case KindNot:
		if len(e.Args) != 1 {
			return Unknown, fmt.Errorf("%w: not arity %d", ErrEval, len(e.Args))
		}
		t, err := Eval(e.Args[0], attrs)
		if err != nil {
			return Unknown, err
		}
		switch t {
		case True:
			return False, nil
		case False:
			return True, nil
		}
		return Unknown, nil
	default:
		return Unknown, fmt.Errorf("%w: unknown kind %d", ErrEval, e.Kind)
	}
}

func truth(b bool) Truth {
	if b {
		return True
	}
	return False
}

// within reports whether c falls in [from, to); windows that wrap past
// midnight (22:00 to 06:00) are supported.
func within(c, from, to ClockTime) bool {
	if from < to {
		return c >= from && c < to
	}
	return c >= from || c < to
}

func equalValue(raw any, v Value) bool {
	switch v.Kind {
	case ValueString:
		s, ok := raw.(string)
		return ok && s == v.Str
	case ValueBool:
		b, ok := raw.(bool)
		return ok && b == v.Bool
	case ValueNumber:
		n, ok := asNumber(raw)
		return ok && n == v.Num
	}
	return false
}

func asNumber(raw any) (float64, bool) {
	switch n := raw.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		return time.Parse(time.RFC3339, v)
	}
	return time.Time{}, fmt.Errorf("expected a time, got %T", raw)
}
