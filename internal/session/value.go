package session

import (
	"fmt"
	"strconv"
	"strings"
)

// Items 把列表形态的引用值统一为对象切片，兼容 JSON 反序列化后的 []any。
func Items(v any) []map[string]any {
	switch t := v.(type) {
	case []map[string]any:
		return t
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// Lookup 按点分路径读取值，支持数字下标，例如 "items.0.id"。
func Lookup(v any, path string) (any, bool) {
	if path == "" {
		return v, v != nil
	}
	cur := v
	for _, part := range strings.Split(path, ".") {
		switch t := cur.(type) {
		case map[string]any:
			next, ok := t[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []map[string]any, []any, []string:
			idx, err := strconv.Atoi(part)
			if err != nil {
				return nil, false
			}
			next, ok := index(t, idx)
			if !ok {
				return nil, false
			}
			cur = next
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

func index(list any, i int) (any, bool) {
	switch t := list.(type) {
	case []map[string]any:
		if i >= 0 && i < len(t) {
			return t[i], true
		}
	case []any:
		if i >= 0 && i < len(t) {
			return t[i], true
		}
	case []string:
		if i >= 0 && i < len(t) {
			return t[i], true
		}
	}
	return nil, false
}

// ID 取出对象的 id 字段；值本身是字符串时直接返回。
func ID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if id, ok := t["id"]; ok && id != nil {
			return fmt.Sprint(id)
		}
	}
	return ""
}
