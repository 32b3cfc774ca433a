package condition

import (
	"strings"

	"medguard.org/internal/errs"
)

// Check validates the structure of an expression: arities, literal types,
// attribute names and time bounds. Parse calls it; callers that build trees
// by hand should call it before storing them.
func Check(e *Expr) error {
	return check(e, 0)
}

const maxDepth = 32

func check(e *Expr, depth int) error {
	if e == nil {
		return errs.Validation("nil expression")
	}
	if depth > maxDepth {
		return errs.Validation("expression nested deeper than %d", maxDepth)
	}
	switch e.Kind {
	case KindLiteral:
		if e.Value.Kind != ValueBool {
			return errs.Validation("literal condition must be boolean")
		}
	case KindEquals, KindNotEquals:
		if err := checkAttr(e.Attr); err != nil {
			return err
		}
		if err := checkValue(e.Value); err != nil {
			return err
		}
	case KindInSet:
		if err := checkAttr(e.Attr); err != nil {
			return err
		}
		if len(e.Set) == 0 {
			return errs.Validation("%s in []: set is empty", e.Attr)
		}
		for _, v := range e.Set {
			if err := checkValue(v); err != nil {
				return err
			}
			if v.Kind != e.Set[0].Kind {
				return errs.Validation("%s in [...]: mixed literal types", e.Attr)
			}
		}
	case KindBranchMatches:
		if err := checkAttr(e.Left); err != nil {
			return err
		}
		if err := checkAttr(e.Right); err != nil {
			return err
		}
		if e.Left == e.Right {
			return errs.Validation("branch(%s) compared with itself", e.Left)
		}
	case KindTimeWithin:
		if err := checkAttr(e.Attr); err != nil {
			return err
		}
		if e.From < 0 || e.From >= 24*60 || e.To < 0 || e.To >= 24*60 {
			return errs.Validation("time_within(%s): bounds out of range", e.Attr)
		}
		if e.From == e.To {
			return errs.Validation("time_within(%s): empty window", e.Attr)
		}
	case KindAnd, KindOr:
		if len(e.Args) < 2 {
			return errs.Validation("%s needs at least two operands", e.Kind)
		}
		for _, a := range e.Args {
			if err := check(a, depth+1); err != nil {
				return err
			}
		}
	case KindNot:
		if len(e.Args) != 1 {
			return errs.Validation("not takes exactly one operand")
		}
		return check(e.Args[0], depth+1)
	default:
		return errs.Validation("unknown expression kind %d", e.Kind)
	}
	return nil
}

func checkAttr(name string) error {
	if strings.TrimSpace(name) == "" {
		return errs.Validation("attribute name is required")
	}
	if name != strings.TrimSpace(name) || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return errs.Validation("invalid attribute name %q", name)
	}
	return nil
}

func checkValue(v Value) error {
	switch v.Kind {
	case ValueString, ValueNumber, ValueBool:
		return nil
	default:
		return errs.Validation("invalid literal")
	}
}
