// Package access 实现浏览权限判定：从 YAML 策略文件加载选择器与授权，
// 并从请求中解析出调用方身份。
package access

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/any-hub/any-repo/internal/selector"
)

// Wildcard 匹配任意主体、仓库或格式。
const Wildcard = "*"

// Grant 把一组选择器授予某个主体在若干仓库上使用。
// Full 为 true 时表示完整浏览权限，跳过选择器过滤。
type Grant struct {
	Principal    string   `yaml:"principal"`
	Repositories []string `yaml:"repositories"`
	Formats      []string `yaml:"formats"`
	Selectors    []string `yaml:"selectors"`
	Full         bool     `yaml:"full"`
}

// Policy 是策略文件的整体结构。
type Policy struct {
	Selectors []selector.Config `yaml:"selectors"`
	Grants    []Grant           `yaml:"grants"`

	byName map[string]selector.Config
}

// Load 读取并校验策略文件。
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 策略文本。
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.index(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Empty 返回没有任何授权的策略；所有非 full 请求都会得到空结果。
func Empty() *Policy {
	p := &Policy{}
	_ = p.index()
	return p
}

func (p *Policy) index() error {
	p.byName = make(map[string]selector.Config, len(p.Selectors))
	for i, sel := range p.Selectors {
		name := strings.TrimSpace(sel.Name)
		if name == "" {
			return fmt.Errorf("selectors[%d]: name is required", i)
		}
		if _, dup := p.byName[name]; dup {
			return fmt.Errorf("selectors[%d]: duplicate name %s", i, name)
		}
		switch sel.Type {
		case "":
			sel.Type = selector.TypeExpression
		case selector.TypeExpression, selector.TypeScript:
		default:
			return fmt.Errorf("selector %s: unsupported type %q", name, sel.Type)
		}
		sel.Name = name
		p.Selectors[i] = sel
		p.byName[name] = sel
	}
	for i, g := range p.Grants {
		if strings.TrimSpace(g.Principal) == "" {
			return fmt.Errorf("grants[%d]: principal is required", i)
		}
		if len(g.Repositories) == 0 {
			return fmt.Errorf("grants[%d]: repositories is required", i)
		}
		for _, name := range g.Selectors {
			if _, ok := p.byName[name]; !ok {
				return fmt.Errorf("grants[%d]: unknown selector %s", i, name)
			}
		}
	}
	return nil
}

// ApplicableSelectors 返回授予 principal、作用于 repoNames 中任一仓库且格式匹配的选择器。
// 结果按策略文件中选择器的声明顺序去重。
func (p *Policy) ApplicableSelectors(principal string, repoNames []string, format string) []selector.Config {
	if p == nil {
		return nil
	}
	wanted := make(map[string]struct{})
	for _, g := range p.Grants {
		if !g.matchesPrincipal(principal) || !matchAny(g.Formats, format, true) {
			continue
		}
		if !g.matchesAnyRepository(repoNames) {
			continue
		}
		for _, name := range g.Selectors {
			wanted[name] = struct{}{}
		}
	}
	if len(wanted) == 0 {
		return nil
	}
	out := make([]selector.Config, 0, len(wanted))
	for _, sel := range p.Selectors {
		if _, ok := wanted[sel.Name]; ok {
			out = append(out, sel)
		}
	}
	return out
}

// HasFullBrowsePermission 判断 principal 是否拥有 repo 的完整浏览权限。
func (p *Policy) HasFullBrowsePermission(principal, repo string) bool {
	if p == nil {
		return false
	}
	for _, g := range p.Grants {
		if g.Full && g.matchesPrincipal(principal) && matchAny(g.Repositories, repo, false) {
			return true
		}
	}
	return false
}

func (g Grant) matchesPrincipal(principal string) bool {
	return g.Principal == Wildcard || g.Principal == principal
}

func (g Grant) matchesAnyRepository(names []string) bool {
	for _, name := range names {
		if matchAny(g.Repositories, name, false) {
			return true
		}
	}
	return false
}

// matchAny 判断 value 是否命中列表；emptyMatches 决定空列表的含义。
func matchAny(list []string, value string, emptyMatches bool) bool {
	if len(list) == 0 {
		return emptyMatches
	}
	for _, item := range list {
		if item == Wildcard || strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}
