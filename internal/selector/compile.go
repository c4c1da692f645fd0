// Package selector 将访问选择器编译为可下推的 SQL 谓词，并提供等价的内存求值。
package selector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/metrics"
)

// Type 区分可下推的表达式选择器与只能在内存中求值的脚本选择器。
type Type string

const (
	TypeExpression Type = "csel"
	TypeScript     Type = "jexl"
)

// ErrCompile 表示选择器表达式无法编译。
var ErrCompile = errors.New("selector compile error")

// Config 描述一个命名选择器，单次请求内不可变。
type Config struct {
	Name       string `yaml:"name"`
	Type       Type   `yaml:"type"`
	Expression string `yaml:"expression"`
}

// DefaultFieldMap 将表达式字段映射到浏览树内容节点的列。
var DefaultFieldMap = map[string]string{
	"path":   "leaf.request_path",
	"format": "leaf.format",
}

// Compiler 编译选择器集合。
type Compiler struct {
	logger *logrus.Logger
	fields map[string]string
}

// NewCompiler 创建编译器；fields 为空时使用 DefaultFieldMap。
func NewCompiler(logger *logrus.Logger, fields map[string]string) *Compiler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if len(fields) == 0 {
		fields = DefaultFieldMap
	}
	return &Compiler{logger: logger, fields: fields}
}

// Compiled 是一次编译的结果，实现 browse.Filter。
type Compiled struct {
	predicate   string
	params      map[string]any
	expressions []*Expression
	scripts     []*Expression
}

// Compile 为每个表达式选择器分配参数前缀 s0p、s1p…，各自加括号后以 OR 连接。
// 编译失败的选择器记录日志后跳过；脚本选择器保留用于内存过滤。
func (c *Compiler) Compile(selectors []Config) *Compiled {
	out := &Compiled{params: make(map[string]any)}
	var clauses []string
	for _, sel := range selectors {
		expr, err := Parse(sel.Expression)
		if err != nil {
			c.fail(sel, err)
			continue
		}
		if sel.Type == TypeScript {
			out.scripts = append(out.scripts, expr)
			continue
		}

		b := &sqlBuilder{prefix: fmt.Sprintf("s%dp", len(clauses)), fields: c.fields, params: make(map[string]any)}
		clause := b.build(expr.root)
		if b.err != nil {
			c.fail(sel, b.err)
			continue
		}
		for k, v := range b.params {
			out.params[k] = v
		}
		clauses = append(clauses, "("+clause+")")
		out.expressions = append(out.expressions, expr)
	}
	out.predicate = strings.Join(clauses, " OR ")
	return out
}

func (c *Compiler) fail(sel Config, err error) {
	metrics.RecordSelectorCompileFailure()
	c.logger.WithFields(logrus.Fields{
		"action":   "selector_compile_failed",
		"selector": sel.Name,
		"type":     string(sel.Type),
	}).WithError(fmt.Errorf("%w: %v", ErrCompile, err)).Warn("selector_compile_failed")
}

// Predicate 返回 SQL 谓词与命名参数；无可下推的选择器时谓词为空。
func (c *Compiled) Predicate() (string, map[string]any) {
	if c == nil {
		return "", nil
	}
	return c.predicate, c.params
}

// Match 在内存中对表达式选择器求值（任一匹配即通过），与 Predicate 语义一致。
func (c *Compiled) Match(path, format string) bool {
	if c == nil || len(c.expressions) == 0 {
		return true
	}
	for _, expr := range c.expressions {
		if expr.Eval(path, format) {
			return true
		}
	}
	return false
}

// HasScripts 表示是否存在需要内存复核的脚本选择器。
func (c *Compiled) HasScripts() bool {
	return c != nil && len(c.scripts) > 0
}

// MatchScripts 对脚本选择器求值；无脚本选择器时总是通过。
func (c *Compiled) MatchScripts(path, format string) bool {
	if !c.HasScripts() {
		return true
	}
	for _, expr := range c.scripts {
		if expr.Eval(path, format) {
			return true
		}
	}
	return false
}

// Usable 表示是否至少有一个选择器编译成功。全部失败时调用方应按无权限处理。
func (c *Compiled) Usable() bool {
	return c != nil && (len(c.expressions) > 0 || len(c.scripts) > 0)
}

type sqlBuilder struct {
	prefix string
	fields map[string]string
	params map[string]any
	count  int
	err    error
}

func (b *sqlBuilder) build(root node) string {
	return root.sql(b)
}

func (b *sqlBuilder) column(field string) string {
	column, ok := b.fields[field]
	if !ok {
		b.err = fmt.Errorf("no column mapped for %q", field)
		return field
	}
	return column
}

func (b *sqlBuilder) param(value string) string {
	name := fmt.Sprintf("%s%d", b.prefix, b.count)
	b.count++
	b.params[name] = value
	return ":" + name
}
