package intent

import (
	"fmt"
	"sort"
	"strings"

	xerrors "LLM-Orchestra/internal/errors"
)

// Service 标识外部服务。
type Service string

const (
	ServiceMail     Service = "mail"
	ServiceCalendar Service = "calendar"
	ServiceStorage  Service = "storage"
)

var serviceAliases = map[string]Service{
	"mail":     ServiceMail,
	"gmail":    ServiceMail,
	"email":    ServiceMail,
	"calendar": ServiceCalendar,
	"storage":  ServiceStorage,
	"drive":    ServiceStorage,
	"files":    ServiceStorage,
}

// ParseService 将外部输入的服务名规范化，兼容常见别名。
func ParseService(raw string) (Service, error) {
	svc, ok := serviceAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown service %q", raw))
	}
	return svc, nil
}

// Services 返回所有已知服务，顺序固定。
func Services() []Service {
	return []Service{ServiceMail, ServiceCalendar, ServiceStorage}
}

// Intent 是一次解析得到的最小工作单元。创建后不应被修改，
// 需要补全参数时通过 With 生成新的副本。
type Intent struct {
	Service    Service        `json:"service"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	RawText    string         `json:"raw_text,omitempty"`
}

// New 构造 Intent，并复制参数避免与调用方共享。
func New(service Service, action string, params map[string]any, raw string) Intent {
	return Intent{Service: service, Action: action, Parameters: cloneParams(params), RawText: raw}
}

// Key 返回 "service.action" 形式的标识。
func (i Intent) Key() string {
	return string(i.Service) + "." + i.Action
}

// Spec 返回动作的静态描述。
func (i Intent) Spec() (ActionSpec, bool) {
	return Lookup(i.Service, i.Action)
}

// Param 返回参数值。
func (i Intent) Param(name string) (any, bool) {
	v, ok := i.Parameters[name]
	return v, ok
}

// HasParam 判断参数是否存在且非空。
func (i Intent) HasParam(name string) bool {
	v, ok := i.Parameters[name]
	return ok && !IsEmpty(v)
}

// StringParam 以字符串形式读取参数。
func (i Intent) StringParam(name string) string {
	v, ok := i.Parameters[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ListParam 以字符串列表形式读取参数，逗号分隔的字符串会被拆分。
func (i Intent) ListParam(name string) []string {
	return StringList(i.Parameters[name])
}

// With 返回设置了参数的新 Intent。
func (i Intent) With(name string, value any) Intent {
	out := i.Clone()
	if out.Parameters == nil {
		out.Parameters = make(map[string]any)
	}
	out.Parameters[name] = value
	return out
}

// Without 返回删除了参数的新 Intent。
func (i Intent) Without(name string) Intent {
	out := i.Clone()
	delete(out.Parameters, name)
	return out
}

// Clone 深拷贝参数表。
func (i Intent) Clone() Intent {
	i.Parameters = cloneParams(i.Parameters)
	return i
}

// Validate 校验服务与动作是否在目录中，并检查必填参数。
func (i Intent) Validate() error {
	spec, ok := i.Spec()
	if !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported action %s", i.Key()))
	}
	var missing []string
	for _, name := range spec.Required {
		if !i.HasParam(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("%s missing parameters: %s", i.Key(), strings.Join(missing, ", ")),
			xerrors.WithMetadata("missing", strings.Join(missing, ",")))
	}
	return nil
}

// String 便于日志输出。
func (i Intent) String() string {
	return fmt.Sprintf("%s%v", i.Key(), i.Parameters)
}

// IsEmpty 判断参数值是否为空。
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []string:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// StringList 把各种形态的列表参数统一为字符串切片。
func StringList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		var out []string
		for _, part := range strings.Split(t, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if item == nil {
				continue
			}
			if m, ok := item.(map[string]any); ok {
				if email, ok := m["email"].(string); ok {
					out = append(out, email)
				}
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return []string{fmt.Sprint(v)}
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneParams(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}
