// Package condition implements the typed expression language used by
// data-access rules. Expressions are parsed and checked when a rule is
// written; evaluation interprets the tree directly against an attribute bag
// using three-valued logic.
package condition

import (
	"strconv"
	"strings"
)

// Kind tags the variant held by an Expr.
type Kind uint8

const (
	KindLiteral Kind = iota + 1
	KindEquals
	KindNotEquals
	KindInSet
	KindBranchMatches
	KindTimeWithin
	KindAnd
	KindOr
	KindNot
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindEquals:
		return "equals"
	case KindNotEquals:
		return "not_equals"
	case KindInSet:
		return "in_set"
	case KindBranchMatches:
		return "branch_matches"
	case KindTimeWithin:
		return "time_within"
	case KindAnd:
		return "and"
	case KindOr:
		return "or"
	case KindNot:
		return "not"
	default:
		return "invalid"
	}
}

// ValueKind is the type of a literal.
type ValueKind uint8

const (
	ValueString ValueKind = iota + 1
	ValueNumber
	ValueBool
)

// Value is a literal appearing in an expression.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
}

func String(s string) Value  { return Value{Kind: ValueString, Str: s} }
func Number(n float64) Value { return Value{Kind: ValueNumber, Num: n} }
func Bool(b bool) Value      { return Value{Kind: ValueBool, Bool: b} }

func (v Value) String() string {
	switch v.Kind {
	case ValueString:
		return strconv.Quote(v.Str)
	case ValueNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	default:
		return "<invalid>"
	}
}

// ClockTime is a time of day in minutes after midnight.
type ClockTime int

func (c ClockTime) String() string {
	return strconv.Quote(formatClock(c))
}

func formatClock(c ClockTime) string {
	h, m := int(c)/60, int(c)%60
	return pad2(h) + ":" + pad2(m)
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

// Expr is one node of a condition tree. Which fields are meaningful depends
// on Kind:
//
//	Literal        Value (bool)
//	Equals         Attr, Value
//	NotEquals      Attr, Value
//	InSet          Attr, Set
//	BranchMatches  Left, Right (subjects; reads "<subject>.branch")
//	TimeWithin     Attr, From, To
//	And, Or        Args (two or more)
//	Not            Args (exactly one)
type Expr struct {
	Kind  Kind
	Attr  string
	Value Value
	Set   []Value
	Left  string
	Right string
	From  ClockTime
	To    ClockTime
	Args  []*Expr
}

func Literal(b bool) *Expr { return &Expr{Kind: KindLiteral, Value: Bool(b)} }

func Equals(attr string, v Value) *Expr { return &Expr{Kind: KindEquals, Attr: attr, Value: v} }

func NotEquals(attr string, v Value) *Expr { return &Expr{Kind: KindNotEquals, Attr: attr, Value: v} }

func InSet(attr string, set ...Value) *Expr { return &Expr{Kind: KindInSet, Attr: attr, Set: set} }

func BranchMatches(left, right string) *Expr {
	return &Expr{Kind: KindBranchMatches, Left: left, Right: right}
}

func TimeWithin(attr string, from, to ClockTime) *Expr {
	return &Expr{Kind: KindTimeWithin, Attr: attr, From: from, To: to}
}

func And(args ...*Expr) *Expr { return &Expr{Kind: KindAnd, Args: args} }

func Or(args ...*Expr) *Expr { return &Expr{Kind: KindOr, Args: args} }

func Not(arg *Expr) *Expr { return &Expr{Kind: KindNot, Args: []*Expr{arg}} }

// BranchAttr is the attribute read by branch(subject).
func BranchAttr(subject string) string { return subject + ".branch" }

// String renders the expression in the text grammar accepted by Parse.
func (e *Expr) String() string {
	var b strings.Builder
	e.write(&b, false)
	return b.String()
}

func (e *Expr) write(b *strings.Builder, nested bool) {
	if e == nil {
		b.WriteString("<nil>")
		return
	}
	switch e.Kind {
	case KindLiteral:
		b.WriteString(strconv.FormatBool(e.Value.Bool))
	case KindEquals:
		b.WriteString(e.Attr + " == " + e.Value.String())
	case KindNotEquals:
		b.WriteString(e.Attr + " != " + e.Value.String())
	case KindInSet:
		b.WriteString(e.Attr + " in [")
		for i, v := range e.Set {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(v.String())
		}
		b.WriteString("]")
	case KindBranchMatches:
		b.WriteString("branch(" + e.Left + ") == branch(" + e.Right + ")")
	case KindTimeWithin:
		b.WriteString("time_within(" + e.Attr + ", " + e.From.String() + ", " + e.To.String() + ")")
	case KindNot:
		b.WriteString("not ")
		if len(e.Args) == 1 {
			e.Args[0].write(b, true)
		}
	case KindAnd, KindOr:
		op := " and "
		if e.Kind == KindOr {
			op = " or "
		}
		if nested {
			b.WriteString("(")
		}
		for i, a := range e.Args {
			if i > 0 {
				b.WriteString(op)
			}
			a.write(b, true)
		}
		if nested {
			b.WriteString(")")
		}
	default:
		b.WriteString("<invalid>")
	}
}
