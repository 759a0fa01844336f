package conditions

import (
	"fmt"
	"strings"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokRef
	tokDot
	tokLBracket
	tokRBracket
	tokLParen
	tokRParen
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// forbiddenWords are statement keywords from general-purpose languages. "var"
// is absent because it names the variables namespace.
var forbiddenWords = map[string]bool{
	"if": true, "else": true, "for": true, "while": true, "do": true,
	"return": true, "function": true, "func": true, "let": true, "const": true,
	"switch": true, "case": true, "break": true, "continue": true, "goto": true,
	"new": true, "delete": true, "import": true, "lambda": true, "def": true,
	"yield": true, "await": true, "async": true, "throw": true, "try": true,
	"catch": true, "eval": true,
}

func syntaxError(expr string, pos int, format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "expression %q at %d: %s", expr, pos, fmt.Sprintf(format, args...))
}

// lex tokenizes a restricted comparison expression. It fails on any token that
// could introduce assignment, blocks or statements.
func lex(expr string) ([]token, error) {
	var toks []token
	i := 0
	n := len(expr)
	for i < n {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9':
			start := i
			seenDot := false
			for i < n && (isDigit(expr[i]) || (expr[i] == '.' && !seenDot && i+1 < n && isDigit(expr[i+1]))) {
				if expr[i] == '.' {
					seenDot = true
				}
				i++
			}
			toks = append(toks, token{tokNumber, expr[start:i], start})
		case c == '"' || c == '\'':
			start := i
			quote := c
			i++
			var b strings.Builder
			for i < n && expr[i] != quote {
				if expr[i] == '\\' && i+1 < n {
					i++
				}
				b.WriteByte(expr[i])
				i++
			}
			if i >= n {
				return nil, syntaxError(expr, start, "unterminated string")
			}
			i++
			toks = append(toks, token{tokString, b.String(), start})
		case c == '{':
			if i+1 < n && expr[i+1] == '{' {
				end := strings.Index(expr[i:], "}}")
				if end < 0 {
					return nil, syntaxError(expr, i, "unterminated reference")
				}
				toks = append(toks, token{tokRef, strings.TrimSpace(expr[i+2 : i+end]), i})
				i += end + 2
				continue
			}
			return nil, syntaxError(expr, i, "blocks are not allowed")
		case c == '}' || c == ';':
			return nil, syntaxError(expr, i, "statements are not allowed")
		case isIdentStart(c):
			start := i
			for i < n && isIdentPart(expr[i]) {
				i++
			}
			word := expr[start:i]
			if forbiddenWords[word] {
				return nil, syntaxError(expr, start, "control-flow keyword %q is not allowed", word)
			}
			toks = append(toks, token{tokIdent, word, start})
		case c == '.':
			toks = append(toks, token{tokDot, ".", i})
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "[", i})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]", i})
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		default:
			op, err := lexOperator(expr, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokOp, op, i})
			i += len(op)
		}
	}
	toks = append(toks, token{tokEOF, "", n})
	return toks, nil
}

func lexOperator(expr string, i int) (string, error) {
	two := ""
	if i+1 < len(expr) {
		two = expr[i : i+2]
	}
	switch two {
	case "==", "!=", ">=", "<=", "&&", "||":
		return two, nil
	case "=>", "+=", "-=", "*=", "/=", "%=", "++", "--", ":=":
		return "", syntaxError(expr, i, "assignment or mutation %q is not allowed", two)
	}
	switch c := expr[i]; c {
	case '>', '<', '!', '+', '-', '*', '/', '%':
		return string(c), nil
	case '=':
		return "", syntaxError(expr, i, "assignment is not allowed; use ==")
	default:
		return "", syntaxError(expr, i, "unexpected character %q", string(c))
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }
