// Package overlay 提供带标签的树形值（标量、映射、列表）以及按优先级的递归合并，
// 用于把多个成员仓库返回的同一份元数据文档（如 npm packument）叠加成一份。
package overlay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind 标识 Value 的形态。
type Kind int

const (
	KindNull Kind = iota
	KindScalar
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return "null"
	}
}

// Value 是不可变的树形值。零值表示 null。
type Value struct {
	kind   Kind
	scalar any
	fields map[string]Value
	items  []Value
}

// Null 返回空值。
func Null() Value { return Value{} }

// Scalar 包装字符串、数字（json.Number）或布尔值。
func Scalar(v any) Value {
	if v == nil {
		return Value{}
	}
	return Value{kind: KindScalar, scalar: v}
}

// Map 以给定字段构造映射值，传入的 map 会被复制。
func Map(fields map[string]Value) Value {
	copied := make(map[string]Value, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return Value{kind: KindMap, fields: copied}
}

// List 构造列表值。
func List(items ...Value) Value {
	return Value{kind: KindList, items: append([]Value(nil), items...)}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// Field 返回映射中的字段，非映射或缺失时 ok 为 false。
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	field, ok := v.fields[name]
	return field, ok
}

// Keys 返回排序后的字段名。
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.fields))
	for k := range v.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Items 返回列表元素的副本。
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return append([]Value(nil), v.items...)
}

// Text 返回字符串标量。
func (v Value) Text() (string, bool) {
	if v.kind != KindScalar {
		return "", false
	}
	s, ok := v.scalar.(string)
	return s, ok
}

// With 返回设置了字段 key 的新映射；非映射值会被当作空映射。
func (v Value) With(key string, field Value) Value {
	next := make(map[string]Value, len(v.fields)+1)
	if v.kind == KindMap {
		for k, f := range v.fields {
			next[k] = f
		}
	}
	next[key] = field
	return Value{kind: KindMap, fields: next}
}

// Merge 递归叠加两个值，primary 优先：
// 两侧都是映射时取字段并集，同名字段递归合并；其它情况 primary 非空即胜出。
func Merge(primary, secondary Value) Value {
	if primary.kind == KindNull {
		return secondary
	}
	if primary.kind != KindMap || secondary.kind != KindMap {
		return primary
	}
	merged := make(map[string]Value, len(primary.fields)+len(secondary.fields))
	for k, f := range secondary.fields {
		merged[k] = f
	}
	for k, f := range primary.fields {
		if other, ok := secondary.fields[k]; ok {
			merged[k] = Merge(f, other)
			continue
		}
		merged[k] = f
	}
	return Value{kind: KindMap, fields: merged}
}

// MergeAll 按优先级顺序叠加多个值。
func MergeAll(values ...Value) Value {
	var out Value
	for _, v := range values {
		out = Merge(out, v)
	}
	return out
}

// FromJSON 解析 JSON 文档，数字保留原始文本。
func FromJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, err
	}
	if dec.More() {
		return Value{}, fmt.Errorf("overlay: trailing data after json value")
	}
	return FromNative(raw)
}

// FromNative 转换 encoding/json 解码出的通用结构。
func FromNative(raw any) (Value, error) {
	switch typed := raw.(type) {
	case nil:
		return Value{}, nil
	case string, bool, json.Number, float64:
		return Scalar(typed), nil
	case map[string]any:
		fields := make(map[string]Value, len(typed))
		for k, item := range typed {
			converted, err := FromNative(item)
			if err != nil {
				return Value{}, err
			}
			fields[k] = converted
		}
		return Value{kind: KindMap, fields: fields}, nil
	case []any:
		items := make([]Value, 0, len(typed))
		for _, item := range typed {
			converted, err := FromNative(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, converted)
		}
		return Value{kind: KindList, items: items}, nil
	default:
		return Value{}, fmt.Errorf("overlay: unsupported value type %T", raw)
	}
}

// Native 转回 encoding/json 可编码的通用结构。
func (v Value) Native() any {
	switch v.kind {
	case KindScalar:
		return v.scalar
	case KindMap:
		out := make(map[string]any, len(v.fields))
		for k, f := range v.fields {
			out[k] = f.Native()
		}
		return out
	case KindList:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			out[i] = item.Native()
		}
		return out
	default:
		return nil
	}
}

// ToJSON 编码为 JSON，映射键按字典序输出，结果稳定。
func (v Value) ToJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v.Native()); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
