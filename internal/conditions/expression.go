package conditions

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/agentspilot/orchestrator/internal/execution"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// undefined marks a path that could not be resolved. It never equals anything
// and every comparison involving it is false.
type undefinedValue struct{}

var undefined = undefinedValue{}

// node is an AST node of a compiled expression.
type node interface {
	eval(s execution.Resolver) (any, error)
}

type literalNode struct{ value any }

type pathNode struct{ ref string }

type unaryNode struct {
	op      string
	operand node
}

type binaryNode struct {
	op          string
	left, right node
}

// Expression is a compiled restricted comparison expression.
type Expression struct {
	source string
	root   node
}

// Source returns the original expression text.
func (e *Expression) Source() string { return e.source }

// Compile parses expr. Function calls, assignment and statement keywords are
// rejected.
func Compile(expr string) (*Expression, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expression")
	}
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{src: expr, toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, syntaxError(expr, t.pos, "unexpected %q", t.text)
	}
	return &Expression{source: expr, root: root}, nil
}

// Eval evaluates the expression and reports its truthiness. Missing paths
// evaluate conservatively; only unrecoverable resolution errors are returned.
func (e *Expression) Eval(s execution.Resolver) (bool, error) {
	v, err := e.root.eval(s)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Value evaluates the expression and returns the raw result, or nil when it is
// undefined.
func (e *Expression) Value(s execution.Resolver) (any, error) {
	v, err := e.root.eval(s)
	if err != nil || v == undefined {
		return nil, err
	}
	return v, nil
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind == tokOp {
		for _, op := range ops {
			if t.text == op {
				return op, true
			}
		}
	}
	if t.kind == tokIdent {
		for _, op := range ops {
			if t.text == op {
				return op, true
			}
		}
	}
	return "", false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.isOp("||", "or"); !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "||", left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.isOp("&&", "and"); !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "&&", left: left, right: right}
	}
}

func (p *parser) parseNot() (node, error) {
	if _, ok := p.isOp("!", "not"); ok {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "!", operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if op, ok := p.isOp("==", "!=", ">=", "<=", ">", "<"); ok {
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		if _, chained := p.isOp("==", "!=", ">=", "<=", ">", "<"); chained {
			return nil, syntaxError(p.src, p.peek().pos, "chained comparisons are not allowed")
		}
		return &binaryNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp("+", "-")
		if !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if _, ok := p.isOp("-"); ok {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "-", operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, syntaxError(p.src, t.pos, "invalid number %q", t.text)
		}
		return &literalNode{value: f}, nil
	case tokString:
		return &literalNode{value: t.text}, nil
	case tokRef:
		if err := execution.ValidateReference(t.text); err != nil {
			return nil, err
		}
		if p.peek().kind == tokLParen {
			return nil, syntaxError(p.src, p.peek().pos, "function calls are not allowed")
		}
		return &pathNode{ref: t.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, syntaxError(p.src, closing.pos, "expected ')'")
		}
		return inner, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "nil":
			return &literalNode{value: nil}, nil
		case "and", "or", "not":
			return nil, syntaxError(p.src, t.pos, "unexpected %q", t.text)
		}
		return p.parsePath(t)
	case tokEOF:
		return nil, syntaxError(p.src, t.pos, "unexpected end of expression")
	default:
		return nil, syntaxError(p.src, t.pos, "unexpected %q", t.text)
	}
}

func (p *parser) parsePath(first token) (node, error) {
	var b strings.Builder
	b.WriteString(first.text)
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			seg := p.next()
			if seg.kind != tokIdent && seg.kind != tokNumber {
				return nil, syntaxError(p.src, seg.pos, "expected field name after '.'")
			}
			b.WriteByte('.')
			b.WriteString(seg.text)
		case tokLBracket:
			p.next()
			idx := p.next()
			switch idx.kind {
			case tokNumber:
				b.WriteString("[" + idx.text + "]")
			case tokString:
				b.WriteString("[" + strconv.Quote(idx.text) + "]")
			default:
				return nil, syntaxError(p.src, idx.pos, "expected index or quoted key")
			}
			if closing := p.next(); closing.kind != tokRBracket {
				return nil, syntaxError(p.src, closing.pos, "expected ']'")
			}
		case tokLParen:
			return nil, syntaxError(p.src, p.peek().pos, "function calls are not allowed")
		default:
			ref := b.String()
			if err := execution.ValidateReference(ref); err != nil {
				return nil, err
			}
			return &pathNode{ref: ref}, nil
		}
	}
}

func (n *literalNode) eval(execution.Resolver) (any, error) { return n.value, nil }

func (n *pathNode) eval(s execution.Resolver) (any, error) {
	v, err := s.Resolve(n.ref)
	if err != nil {
		if isFatal(err) {
			return nil, err
		}
		return undefined, nil
	}
	return v, nil
}

func (n *unaryNode) eval(s execution.Resolver) (any, error) {
	v, err := n.operand.eval(s)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !truthy(v), nil
	case "-":
		f, ok := number(v)
		if !ok {
			return undefined, nil
		}
		return -f, nil
	}
	return undefined, nil
}

func (n *binaryNode) eval(s execution.Resolver) (any, error) {
	left, err := n.left.eval(s)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "&&":
		if !truthy(left) {
			return false, nil
		}
		right, err := n.right.eval(s)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case "||":
		if truthy(left) {
			return true, nil
		}
		right, err := n.right.eval(s)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	right, err := n.right.eval(s)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==", "!=", ">", ">=", "<", "<=":
		return compare(schema.Operator(n.op), left, right), nil
	}
	return arithmetic(n.op, left, right), nil
}

func arithmetic(op string, left, right any) any {
	if op == "+" {
		ls, lok := left.(string)
		rs, rok := right.(string)
		if lok && rok {
			return ls + rs
		}
	}
	a, ok1 := number(left)
	b, ok2 := number(right)
	if !ok1 || !ok2 {
		return undefined
	}
	switch op {
	case "+":
		return a + b
	case "-":
		return a - b
	case "*":
		return a * b
	case "/":
		if b == 0 {
			return undefined
		}
		return a / b
	case "%":
		if b == 0 {
			return undefined
		}
		return math.Mod(a, b)
	}
	return undefined
}

// number converts only real numeric values; numeric strings stay strings in
// arithmetic.
func number(v any) (float64, bool) {
	if _, isString := v.(string); isString {
		return 0, false
	}
	return execution.ToFloat(v)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil, undefinedValue:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if f, ok := number(v); ok {
		return f != 0
	}
	return true
}

// isFatal reports resolution errors that must not degrade to "undefined".
func isFatal(err error) bool {
	return errors.Is(err, schema.ErrDataUnavailable)
}
