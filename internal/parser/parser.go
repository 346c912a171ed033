// Package parser turns free-text commands into intents or workflow drafts by
// consulting the language-understanding delegate once and validating its
// answer against the action catalog. Every failure mode of the delegate is
// reported as an unparseable result instead of an error.
package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/inference"
	"LLM-Orchestra/internal/intent"
	"LLM-Orchestra/internal/llm"
	"LLM-Orchestra/internal/session"
	"LLM-Orchestra/internal/workflow"
	"LLM-Orchestra/pkg/logger"
)

// Kind 区分解析结果的形态。
type Kind string

const (
	KindSingle      Kind = "single"
	KindWorkflow    Kind = "workflow"
	KindUnparseable Kind = "unparseable"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultMinConfidence = 0.5
	DefaultHistoryDepth  = 5
)

// Result 是一次解析的结果。Kind 为 single 时 Intent 有效，为 workflow 时 Drafts 有效。
type Result struct {
	Kind       Kind
	Intent     intent.Intent
	Drafts     []workflow.Draft
	Reason     string
	Confidence float64
}

// Err 在无法解析时返回 UNPARSEABLE 错误。
func (r Result) Err() error {
	if r.Kind != KindUnparseable {
		return nil
	}
	return xerrors.New(xerrors.CodeUnparseable, r.Reason)
}

// Parser 调用语言理解服务并校验输出。
type Parser struct {
	client        llm.Client
	timeout       time.Duration
	minConfidence float64
	historyDepth  int
	logger        *slog.Logger
}

// Option 配置 Parser。
type Option func(*Parser)

// WithTimeout 设置单次调用的超时。
func WithTimeout(d time.Duration) Option {
	return func(p *Parser) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMinConfidence 设置最低置信度。
func WithMinConfidence(v float64) Option {
	return func(p *Parser) {
		if v >= 0 && v <= 1 {
			p.minConfidence = v
		}
	}
}

// WithHistoryDepth 设置发送给语言理解服务的历史条数。
func WithHistoryDepth(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.historyDepth = n
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) {
		if l != nil {
			p.logger = l
		}
	}
}

// New 创建解析器。
func New(client llm.Client, opts ...Option) *Parser {
	p := &Parser{
		client:        client,
		timeout:       DefaultTimeout,
		minConfidence: DefaultMinConfidence,
		historyDepth:  DefaultHistoryDepth,
		logger:        logger.Named("parser"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Parse 把命令解析为 Intent 或工作流草稿。
func (p *Parser) Parse(ctx context.Context, text string, sc *session.Context) Result {
	if strings.TrimSpace(text) == "" {
		return unparseable("empty command")
	}
	if p.client == nil {
		return unparseable("no language model configured")
	}
	req := llm.Request{Command: text}
	if sc != nil {
		summary := sc.Summarize(p.historyDepth)
		req.History = summary.History
		req.References = summary.References
	}
	req.Hints = inference.HintLines(inference.Hints(text, sc))

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := p.client.Generate(callCtx, req)
	if err != nil {
		reason := "language model call failed: " + err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			reason = "language model timed out"
		}
		p.logger.Warn("语言理解服务调用失败", "error", err, "code", xerrors.CodeOf(err))
		return unparseable(reason)
	}
	if resp == nil {
		return unparseable("empty response")
	}

	result := Decode(resp.Content, text)
	if result.Kind != KindUnparseable && result.Confidence < p.minConfidence {
		result = unparseable(fmt.Sprintf("low confidence %.2f", result.Confidence))
	}
	p.logger.Debug("命令解析完成", "kind", result.Kind, "confidence", result.Confidence, "reason", result.Reason)
	return result
}

type rawStep struct {
	Service    string            `json:"service"`
	Action     string            `json:"action"`
	IntentName string            `json:"intent"`
	Parameters map[string]any    `json:"parameters"`
	DependsOn  json.RawMessage   `json:"depends_on"`
	Output     string            `json:"output"`
	Inputs     map[string]string `json:"inputs"`
}

type rawResponse struct {
	rawStep
	Type       string    `json:"type"`
	Confidence *float64  `json:"confidence"`
	Steps      []rawStep `json:"steps"`
	Reason     string    `json:"reason"`
}

// Decode 校验语言理解服务的原始输出。不报告置信度的输出视为完全可信。
func Decode(content, text string) Result {
	body, ok := extractJSON(content)
	if !ok {
		return unparseable("response is not a JSON object")
	}
	var raw rawResponse
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return unparseable("malformed response: " + err.Error())
	}

	confidence := 1.0
	if raw.Confidence != nil {
		confidence = *raw.Confidence
	}
	kind := Kind(strings.ToLower(strings.TrimSpace(raw.Type)))
	if kind == "" {
		kind = KindSingle
		if len(raw.Steps) > 0 {
			kind = KindWorkflow
		}
	}

	switch kind {
	case KindUnparseable:
		reason := strings.TrimSpace(raw.Reason)
		if reason == "" {
			reason = "language model could not map the command"
		}
		return unparseable(reason)
	case KindSingle:
		in, err := toIntent(raw.rawStep, text)
		if err != nil {
			return unparseable(err.Error())
		}
		return Result{Kind: KindSingle, Intent: in, Confidence: confidence}
	case KindWorkflow:
		if len(raw.Steps) == 0 {
			return unparseable("workflow without steps")
		}
		drafts := make([]workflow.Draft, 0, len(raw.Steps))
		for idx, step := range raw.Steps {
			in, err := toIntent(step, text)
			if err != nil {
				return unparseable(fmt.Sprintf("step %d: %v", idx+1, err))
			}
			deps, err := dependsOn(step.DependsOn)
			if err != nil {
				return unparseable(fmt.Sprintf("step %d: %v", idx+1, err))
			}
			drafts = append(drafts, workflow.Draft{Intent: in, DependsOn: deps, Inputs: step.Inputs, Output: step.Output})
		}
		if len(drafts) == 1 && len(drafts[0].DependsOn) == 0 && len(drafts[0].Inputs) == 0 {
			return Result{Kind: KindSingle, Intent: drafts[0].Intent, Confidence: confidence}
		}
		return Result{Kind: KindWorkflow, Drafts: drafts, Confidence: confidence}
	default:
		return unparseable(fmt.Sprintf("unknown response type %q", raw.Type))
	}
}

func toIntent(step rawStep, text string) (intent.Intent, error) {
	svc, err := intent.ParseService(step.Service)
	if err != nil {
		return intent.Intent{}, err
	}
	action := strings.TrimSpace(step.Action)
	if action == "" {
		action = strings.TrimSpace(step.IntentName)
	}
	if _, ok := intent.Lookup(svc, action); !ok {
		return intent.Intent{}, fmt.Errorf("unknown action %s.%s", svc, action)
	}
	return intent.New(svc, action, step.Parameters, text), nil
}

// dependsOn 接受 null、单个数字、数字字符串或数组。
func dependsOn(raw json.RawMessage) ([]int, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var list []json.Number
	if strings.HasPrefix(trimmed, "[") {
		var items []any
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("invalid depends_on: %w", err)
		}
		for _, item := range items {
			list = append(list, json.Number(fmt.Sprint(item)))
		}
	} else {
		list = []json.Number{json.Number(strings.Trim(trimmed, `"`))}
	}
	deps := make([]int, 0, len(list))
	for _, n := range list {
		v, err := strconv.ParseFloat(string(n), 64)
		if err != nil || v != float64(int(v)) {
			return nil, fmt.Errorf("invalid depends_on value %q", n)
		}
		deps = append(deps, int(v))
	}
	return deps, nil
}

// extractJSON 去掉 Markdown 代码块并截取最外层的 JSON 对象。
func extractJSON(content string) (string, bool) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func unparseable(reason string) Result {
	return Result{Kind: KindUnparseable, Reason: reason}
}
