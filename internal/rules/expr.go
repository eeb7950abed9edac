// Package rules implements the versioned risk-rule catalog: YAML catalog
// text, a typed expression language compiled at parse time, the evaluation
// engine, and structural catalog diffing.
package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueKind tags the three value types the expression language knows.
type ValueKind int

const (
	KindNumber ValueKind = iota
	KindString
	KindBool
)

// Value is a tagged expression result.
type Value struct {
	Kind ValueKind
	Num  float64
	Str  string
	Bool bool
}

func number(n float64) Value { return Value{Kind: KindNumber, Num: n} }
func str(s string) Value     { return Value{Kind: KindString, Str: s} }
func boolean(b bool) Value   { return Value{Kind: KindBool, Bool: b} }

func (v Value) kindName() string {
	switch v.Kind {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	default:
		return "bool"
	}
}

// Scope resolves field references for one evaluation subject. A field that
// exists but has no value this tick (e.g. P&L with no mark) returns ok=false
// so the engine can skip the subject instead of inventing a zero.
type Scope interface {
	Field(name string) (Value, bool)
}

// MapScope is a plain map-backed scope, used by the engine and by tests.
type MapScope map[string]Value

// Field implements Scope.
func (m MapScope) Field(name string) (Value, bool) {
	v, ok := m[name]
	return v, ok
}

// Expr is a compiled predicate or sub-expression.
type Expr interface {
	eval(s Scope) (Value, error)
}

// EvalBool evaluates a compiled expression expecting a boolean result.
func EvalBool(e Expr, s Scope) (bool, error) {
	v, err := e.eval(s)
	if err != nil {
		return false, err
	}
	if v.Kind != KindBool {
		return false, fmt.Errorf("expression yields %s, want bool", v.kindName())
	}
	return v.Bool, nil
}

type literalNode struct{ v Value }

func (n literalNode) eval(Scope) (Value, error) { return n.v, nil }

type fieldNode struct{ name string }

func (n fieldNode) eval(s Scope) (Value, error) {
	v, ok := s.Field(n.name)
	if !ok {
		return Value{}, fmt.Errorf("field %q unavailable", n.name)
	}
	return v, nil
}

type unaryNode struct {
	op    string
	child Expr
}

func (n unaryNode) eval(s Scope) (Value, error) {
	v, err := n.child.eval(s)
	if err != nil {
		return Value{}, err
	}
	switch n.op {
	case "!":
		if v.Kind != KindBool {
			return Value{}, fmt.Errorf("cannot negate %s", v.kindName())
		}
		return boolean(!v.Bool), nil
	case "-":
		if v.Kind != KindNumber {
			return Value{}, fmt.Errorf("cannot negate %s", v.kindName())
		}
		return number(-v.Num), nil
	}
	return Value{}, fmt.Errorf("unknown unary operator %q", n.op)
}

type binaryNode struct {
	op          string
	left, right Expr
}

func (n binaryNode) eval(s Scope) (Value, error) {
	// Short-circuit boolean combinators.
	switch n.op {
	case "&&", "||":
		l, err := n.left.eval(s)
		if err != nil {
			return Value{}, err
		}
		if l.Kind != KindBool {
			return Value{}, fmt.Errorf("left of %q is %s, want bool", n.op, l.kindName())
		}
		if n.op == "&&" && !l.Bool {
			return boolean(false), nil
		}
		if n.op == "||" && l.Bool {
			return boolean(true), nil
		}
		r, err := n.right.eval(s)
		if err != nil {
			return Value{}, err
		}
		if r.Kind != KindBool {
			return Value{}, fmt.Errorf("right of %q is %s, want bool", n.op, r.kindName())
		}
		return boolean(r.Bool), nil
	}

	l, err := n.left.eval(s)
	if err != nil {
		return Value{}, err
	}
	r, err := n.right.eval(s)
	if err != nil {
		return Value{}, err
	}

	switch n.op {
	case "+", "-", "*", "/":
		if l.Kind != KindNumber || r.Kind != KindNumber {
			return Value{}, fmt.Errorf("arithmetic %q needs numbers, got %s and %s", n.op, l.kindName(), r.kindName())
		}
		switch n.op {
		case "+":
			return number(l.Num + r.Num), nil
		case "-":
			return number(l.Num - r.Num), nil
		case "*":
			return number(l.Num * r.Num), nil
		default:
			if r.Num == 0 {
				return Value{}, fmt.Errorf("division by zero")
			}
			return number(l.Num / r.Num), nil
		}
	case "==", "!=":
		if l.Kind != r.Kind {
			return Value{}, fmt.Errorf("cannot compare %s with %s", l.kindName(), r.kindName())
		}
		eq := false
		switch l.Kind {
		case KindNumber:
			eq = l.Num == r.Num
		case KindString:
			eq = l.Str == r.Str
		case KindBool:
			eq = l.Bool == r.Bool
		}
		if n.op == "!=" {
			eq = !eq
		}
		return boolean(eq), nil
	case "<", "<=", ">", ">=":
		if l.Kind == KindNumber && r.Kind == KindNumber {
			return boolean(compareFloats(n.op, l.Num, r.Num)), nil
		}
		if l.Kind == KindString && r.Kind == KindString {
			return boolean(compareStrings(n.op, l.Str, r.Str)), nil
		}
		return Value{}, fmt.Errorf("cannot order %s against %s", l.kindName(), r.kindName())
	}
	return Value{}, fmt.Errorf("unknown operator %q", n.op)
}

func compareFloats(op string, a, b float64) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	default:
		return a >= b
	}
}

func compareStrings(op string, a, b string) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	default:
		return a >= b
	}
}

type callNode struct {
	fn   string
	args []Expr
}

func (n callNode) eval(s Scope) (Value, error) {
	vals := make([]Value, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(s)
		if err != nil {
			return Value{}, err
		}
		vals[i] = v
	}
	switch n.fn {
	case "abs":
		if len(vals) != 1 || vals[0].Kind != KindNumber {
			return Value{}, fmt.Errorf("abs() takes one number")
		}
		a := vals[0].Num
		if a < 0 {
			a = -a
		}
		return number(a), nil
	case "min", "max":
		if len(vals) != 2 || vals[0].Kind != KindNumber || vals[1].Kind != KindNumber {
			return Value{}, fmt.Errorf("%s() takes two numbers", n.fn)
		}
		a, b := vals[0].Num, vals[1].Num
		if (n.fn == "min") == (a < b) {
			return number(a), nil
		}
		return number(b), nil
	}
	return Value{}, fmt.Errorf("unknown function %q", n.fn)
}

// --- lexer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c >= '0' && c <= '9' || c == '.':
			if err := l.lexNumber(); err != nil {
				return nil, err
			}
		case isIdentStart(c):
			l.lexIdent()
		case c == '\'' || c == '"':
			if err := l.lexString(c); err != nil {
				return nil, err
			}
		case c == '(':
			l.emit(tokLParen, "(")
		case c == ')':
			l.emit(tokRParen, ")")
		case c == ',':
			l.emit(tokComma, ",")
		default:
			if err := l.lexOp(); err != nil {
				return nil, err
			}
		}
	}
	l.toks = append(l.toks, token{kind: tokEOF, pos: l.pos})
	return l.toks, nil
}

func (l *lexer) emit(kind tokenKind, text string) {
	l.toks = append(l.toks, token{kind: kind, text: text, pos: l.pos})
	l.pos += len(text)
}

func (l *lexer) lexNumber() error {
	start := l.pos
	for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9' || l.src[l.pos] == '.') {
		l.pos++
	}
	text := l.src[start:l.pos]
	if _, err := strconv.ParseFloat(text, 64); err != nil {
		return fmt.Errorf("bad number %q at %d", text, start)
	}
	l.toks = append(l.toks, token{kind: tokNumber, text: text, pos: start})
	return nil
}

func (l *lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
		l.pos++
	}
	l.toks = append(l.toks, token{kind: tokIdent, text: l.src[start:l.pos], pos: start})
}

func (l *lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++
	for l.pos < len(l.src) && l.src[l.pos] != quote {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return fmt.Errorf("unterminated string at %d", start)
	}
	text := l.src[start+1 : l.pos]
	l.pos++
	l.toks = append(l.toks, token{kind: tokString, text: text, pos: start})
	return nil
}

var operators = []string{"==", "!=", "<=", ">=", "&&", "||", "<", ">", "!", "+", "-", "*", "/"}

func (l *lexer) lexOp() error {
	rest := l.src[l.pos:]
	for _, op := range operators {
		if strings.HasPrefix(rest, op) {
			l.emit(tokOp, op)
			return nil
		}
	}
	return fmt.Errorf("unexpected character %q at %d", l.src[l.pos], l.pos)
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '.'
}

// --- parser ---

// CompileExpr parses source into an evaluable expression. All structural
// errors surface here, at catalog validation time; evaluation can only fail
// on unavailable fields or type mismatches against a live view.
func CompileExpr(src string) (Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", p.peek().text, p.peek().pos)
	}
	return e, nil
}

type parser struct {
	toks []token
	idx  int
}

func (p *parser) peek() token { return p.toks[p.idx] }

func (p *parser) next() token {
	t := p.toks[p.idx]
	if t.kind != tokEOF {
		p.idx++
	}
	return t
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.next()
			return op, true
		}
	}
	return "", false
}

func (p *parser) acceptKeyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && t.text == kw {
		p.next()
		return true
	}
	return false
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok && !p.acceptKeyword("or") {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "||", left: left, right: right}
	}
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok && !p.acceptKeyword("and") {
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "&&", left: left, right: right}
	}
}

func (p *parser) parseNot() (Expr, error) {
	if _, ok := p.acceptOp("!"); ok || p.acceptKeyword("not") {
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "!", child: child}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if op, ok := p.acceptOp("==", "!=", "<=", ">=", "<", ">"); ok {
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return binaryNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	if _, ok := p.acceptOp("-"); ok {
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "-", child: child}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		n, _ := strconv.ParseFloat(t.text, 64)
		return literalNode{v: number(n)}, nil
	case tokString:
		return literalNode{v: str(t.text)}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return literalNode{v: boolean(true)}, nil
		case "false":
			return literalNode{v: boolean(false)}, nil
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(t.text)
		}
		return fieldNode{name: t.text}, nil
	case tokLParen:
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing closing paren")
		}
		return e, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
}

func (p *parser) parseCall(fn string) (Expr, error) {
	p.next() // consume "("
	var args []Expr
	if p.peek().kind != tokRParen {
		for {
			a, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			if p.peek().kind == tokComma {
				p.next()
				continue
			}
			break
		}
	}
	if p.next().kind != tokRParen {
		return nil, fmt.Errorf("missing closing paren in %s()", fn)
	}
	switch fn {
	case "abs", "min", "max":
	default:
		return nil, fmt.Errorf("unknown function %q", fn)
	}
	return callNode{fn: fn, args: args}, nil
}
