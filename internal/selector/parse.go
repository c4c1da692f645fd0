package selector

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lex 按 UTF-8 码点切分表达式，pos 为字节偏移。
func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c, width := utf8.DecodeRuneInString(src[i:])
		if c == utf8.RuneError && width == 1 {
			return nil, fmt.Errorf("invalid utf-8 at %d", i)
		}
		switch {
		case unicode.IsSpace(c):
			i += width
		case c == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case c == '"' || c == '\'':
			start := i
			i++
			var b strings.Builder
			closed := false
			for i < len(src) {
				r, w := utf8.DecodeRuneInString(src[i:])
				if r == '\\' && i+w < len(src) {
					escaped, ew := utf8.DecodeRuneInString(src[i+w:])
					b.WriteRune(escaped)
					i += w + ew
					continue
				}
				i += w
				if r == c {
					closed = true
					break
				}
				b.WriteRune(r)
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at %d", start)
			}
			tokens = append(tokens, token{tokString, b.String(), start})
		case c == '=' || c == '!' || c == '&' || c == '|':
			two := ""
			if i+1 < len(src) {
				two = src[i : i+2]
			}
			switch two {
			case "==", "!=", "=^", "=~", "&&", "||":
				tokens = append(tokens, token{tokOp, two, i})
				i += 2
			default:
				if c != '!' {
					return nil, fmt.Errorf("unexpected %q at %d", c, i)
				}
				tokens = append(tokens, token{tokOp, "!", i})
				i++
			}
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(src) {
				r, w := utf8.DecodeRuneInString(src[i:])
				if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' {
					break
				}
				i += w
			}
			tokens = append(tokens, token{tokIdent, src[start:i], start})
		default:
			return nil, fmt.Errorf("unexpected %q at %d", c, i)
		}
	}
	return append(tokens, token{kind: tokEOF, pos: len(src)}), nil
}

// node 是表达式语法树的节点。
type node interface {
	eval(path, format string) bool
	sql(b *sqlBuilder) string
}

type logical struct {
	and         bool
	left, right node
}

func (n logical) eval(path, format string) bool {
	if n.and {
		return n.left.eval(path, format) && n.right.eval(path, format)
	}
	return n.left.eval(path, format) || n.right.eval(path, format)
}

func (n logical) sql(b *sqlBuilder) string {
	op := " OR "
	if n.and {
		op = " AND "
	}
	return "(" + n.left.sql(b) + op + n.right.sql(b) + ")"
}

type negation struct{ inner node }

func (n negation) eval(path, format string) bool { return !n.inner.eval(path, format) }
func (n negation) sql(b *sqlBuilder) string     { return "NOT (" + n.inner.sql(b) + ")" }

type comparison struct {
	field string
	op    string
	value string
	re    *regexp.Regexp
}

func (n comparison) eval(path, format string) bool {
	subject := path
	if n.field == "format" {
		subject = format
	}
	switch n.op {
	case "==":
		return subject == n.value
	case "!=":
		return subject != n.value
	case "=^":
		return strings.HasPrefix(subject, n.value)
	case "=~":
		return n.re.MatchString(subject)
	}
	return false
}

func (n comparison) sql(b *sqlBuilder) string {
	column := b.column(n.field)
	switch n.op {
	case "==":
		return column + " = " + b.param(n.value)
	case "!=":
		return column + " <> " + b.param(n.value)
	case "=^":
		return "starts_with(" + column + ", " + b.param(n.value) + ")"
	default:
		return column + " ~ " + b.param(anchored(n.value))
	}
}

// anchored 将正则包装为整串匹配，内存求值与 SQL 下推保持一致。
func anchored(re string) string {
	return "^(?:" + re + ")$"
}

type parser struct {
	tokens []token
	pos    int
}

// Expression 是解析后的选择器表达式。
type Expression struct {
	source string
	root   node
}

// Parse 解析选择器表达式。支持 path/format 字段、==、!=、=^（前缀）、=~（整串正则），
// and/&&、or/||、!/not 以及括号。
func Parse(src string) (*Expression, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", tok.text, tok.pos)
	}
	return &Expression{source: src, root: root}, nil
}

// Eval 对给定路径与格式求值。
func (e *Expression) Eval(path, format string) bool {
	return e.root.eval(path, format)
}

// String 返回原始表达式。
func (e *Expression) String() string {
	return e.source
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) accept(words ...string) bool {
	tok := p.peek()
	if tok.kind != tokOp && tok.kind != tokIdent {
		return false
	}
	for _, w := range words {
		if strings.EqualFold(tok.text, w) {
			p.pos++
			return true
		}
	}
	return false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept("or", "||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logical{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.accept("and", "&&") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = logical{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.accept("!", "not") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return negation{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at %d", closing.pos)
		}
		return inner, nil
	case tokIdent:
		field := strings.ToLower(tok.text)
		if field != "path" && field != "format" {
			return nil, fmt.Errorf("unknown identifier %q at %d", tok.text, tok.pos)
		}
		op := p.next()
		if op.kind != tokOp || op.text == "!" || op.text == "&&" || op.text == "||" {
			return nil, fmt.Errorf("expected comparison operator at %d", op.pos)
		}
		value := p.next()
		if value.kind != tokString {
			return nil, fmt.Errorf("expected string literal at %d", value.pos)
		}
		cmp := comparison{field: field, op: op.text, value: value.text}
		if op.text == "=~" {
			re, err := regexp.Compile(anchored(value.text))
			if err != nil {
				return nil, fmt.Errorf("invalid regex %q: %w", value.text, err)
			}
			cmp.re = re
		}
		return cmp, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q at %d", tok.text, tok.pos)
	}
}
