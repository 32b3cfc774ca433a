package condition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"medguard.org/internal/errs"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokLBrack
	tokRBrack
	tokComma
	tokEq
	tokNeq
	tokAnd
	tokOr
	tokNot
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '[':
			toks = append(toks, token{tokLBrack, "[", i})
			i++
		case c == ']':
			toks = append(toks, token{tokRBrack, "]", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case strings.HasPrefix(src[i:], "=="):
			toks = append(toks, token{tokEq, "==", i})
			i += 2
		case strings.HasPrefix(src[i:], "!="):
			toks = append(toks, token{tokNeq, "!=", i})
			i += 2
		case strings.HasPrefix(src[i:], "&&"):
			toks = append(toks, token{tokAnd, "&&", i})
			i += 2
		case strings.HasPrefix(src[i:], "||"):
			toks = append(toks, token{tokOr, "||", i})
			i += 2
		case c == '!':
			toks = append(toks, token{tokNot, "!", i})
			i++
		case c == '"':
			j := i + 1
			for j < len(src) && src[j] != '"' {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(src) {
				return nil, errs.Validation("unterminated string at %d", i)
			}
			s, err := strconv.Unquote(src[i : j+1])
			if err != nil {
				return nil, errs.Validation("bad string literal at %d", i)
			}
			toks = append(toks, token{tokString, s, i})
			i = j + 1
		case c == '-' || (c >= '0' && c <= '9'):
			j := i + 1
			for j < len(src) && (src[j] == '.' || (src[j] >= '0' && src[j] <= '9')) {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j
		case isIdentStart(rune(c)):
			j := i + 1
			for j < len(src) && isIdentPart(rune(src[j])) {
				j++
			}
			word := src[i:j]
			switch word {
			case "and":
				toks = append(toks, token{tokAnd, word, i})
			case "or":
				toks = append(toks, token{tokOr, word, i})
			case "not":
				toks = append(toks, token{tokNot, word, i})
			default:
				toks = append(toks, token{tokIdent, word, i})
			}
			i = j
		default:
			return nil, errs.Validation("unexpected character %q at %d", c, i)
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool {
	return r == '_' || r == '.' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

type parser struct {
	toks []token
	pos  int
}

// Parse turns src into a checked expression tree. Errors wrap
// errs.ErrValidation.
func Parse(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, errs.Validation("condition is empty")
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, errs.Validation("unexpected %q at %d", t.text, t.pos)
	}
	if err := Check(e); err != nil {
		return nil, err
	}
	return e, nil
}

// MustParse is Parse for expressions known to be valid; it panics otherwise.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, errs.Validation("expected %s at %d, got %q", what, t.pos, t.text)
	}
	return t, nil
}

func (p *parser) parseOr() (*Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	args := []*Expr{left}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		args = append(args, right)
	}
	if len(args) == 1 {
		return left, nil
	}
	return Or(args...), nil
}

func (p *parser) parseAnd() (*Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	args := []*Expr{left}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		args = append(args, right)
	}
	if len(args) == 1 {
		return left, nil
	}
	return And(args...), nil
}

func (p *parser) parseUnary() (*Expr, error) {
	if p.peek().kind == tokNot {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not(inner), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*Expr, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return e, nil
	case tokIdent:
		switch {
		case t.text == "true" || t.text == "false":
			return Literal(t.text == "true"), nil
		case t.text == "branch" && p.peek().kind == tokLParen:
			return p.parseBranch()
		case t.text == "time_within" && p.peek().kind == tokLParen:
			return p.parseTimeWithin()
		}
		return p.parseComparison(t.text)
	default:
		return nil, errs.Validation("unexpected %q at %d", t.text, t.pos)
	}
}

func (p *parser) parseSubject() (string, error) {
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return "", err
	}
	id, err := p.expect(tokIdent, "subject")
	if err != nil {
		return "", err
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return "", err
	}
	return id.text, nil
}

func (p *parser) parseBranch() (*Expr, error) {
	left, err := p.parseSubject()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokEq, "'=='"); err != nil {
		return nil, err
	}
	kw, err := p.expect(tokIdent, "branch(...)")
	if err != nil {
		return nil, err
	}
	if kw.text != "branch" {
		return nil, errs.Validation("branch() can only be compared with branch() at %d", kw.pos)
	}
	right, err := p.parseSubject()
	if err != nil {
		return nil, err
	}
	return BranchMatches(left, right), nil
}

func (p *parser) parseTimeWithin() (*Expr, error) {
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	attr, err := p.expect(tokIdent, "attribute")
	if err != nil {
		return nil, err
	}
	var bounds [2]ClockTime
	for i := range bounds {
		if _, err := p.expect(tokComma, "','"); err != nil {
			return nil, err
		}
		s, err := p.expect(tokString, "\"HH:MM\"")
		if err != nil {
			return nil, err
		}
		c, err := ParseClock(s.text)
		if err != nil {
			return nil, err
		}
		bounds[i] = c
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return TimeWithin(attr.text, bounds[0], bounds[1]), nil
}

func (p *parser) parseComparison(attr string) (*Expr, error) {
	op := p.next()
	switch op.kind {
	case tokEq, tokNeq:
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		if op.kind == tokEq {
			return Equals(attr, v), nil
		}
		return NotEquals(attr, v), nil
	case tokIdent:
		if op.text != "in" {
			break
		}
		if _, err := p.expect(tokLBrack, "'['"); err != nil {
			return nil, err
		}
		var set []Value
		for {
			v, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			set = append(set, v)
			t := p.next()
			if t.kind == tokRBrack {
				break
			}
			if t.kind != tokComma {
				return nil, errs.Validation("expected ',' or ']' at %d", t.pos)
			}
		}
		return InSet(attr, set...), nil
	}
	return nil, errs.Validation("expected comparison after %q at %d", attr, op.pos)
}

func (p *parser) parseLiteral() (Value, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return String(t.text), nil
	case tokNumber:
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return Value{}, errs.Validation("bad number %q at %d", t.text, t.pos)
		}
		return Number(n), nil
	case tokIdent:
		if t.text == "true" || t.text == "false" {
			return Bool(t.text == "true"), nil
		}
	}
	return Value{}, errs.Validation("expected literal at %d, got %q", t.pos, t.text)
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (ClockTime, error) {
	var h, m int
	if len(s) != 5 || s[2] != ':' {
		return 0, errs.Validation("time %q must be HH:MM", s)
	}
	if _, err := fmt.Sscanf(s, "%02d:%02d", &h, &m); err != nil {
		return 0, errs.Validation("time %q must be HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, errs.Validation("time %q out of range", s)
	}
	return ClockTime(h*60 + m), nil
}
