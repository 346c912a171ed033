// Package sandbox 提供内存中的邮件、日历与云盘服务，用于本地运行与测试。
// 每个服务都支持全部动作的预演，并可注入故障模拟外部服务的瞬时或永久失败。
package sandbox

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/intent"
	"LLM-Orchestra/internal/service"
)

// Option 配置沙箱服务。
type Option func(*base)

// WithClock 替换时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLatency 为每次真实调用增加固定延迟，延迟期间响应取消。
func WithLatency(d time.Duration) Option {
	return func(b *base) { b.latency = d }
}

type base struct {
	mu      sync.Mutex
	svc     intent.Service
	now     func() time.Time
	latency time.Duration
	seq     int
	faults  map[string][]error
	calls   map[string]int
}

func (b *base) init(svc intent.Service, opts []Option) {
	b.svc, b.now = svc, time.Now
	b.faults = make(map[string][]error)
	b.calls = make(map[string]int)
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
}

// Inject 让指定动作接下来的调用依次返回给定错误。
func (b *base) Inject(action string, errs ...error) {
	b.mu.Lock()
	b.faults[action] = append(b.faults[action], errs...)
	b.mu.Unlock()
}

// Calls 返回动作被真实执行的次数（含失败）。
func (b *base) Calls(action string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[action]
}

// Service 实现 service.Handler。
func (b *base) Service() intent.Service { return b.svc }

// enter 记录调用、模拟延迟并弹出注入的故障。
func (b *base) enter(ctx context.Context, action string) error {
	if b.latency > 0 {
		timer := time.NewTimer(b.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), string(b.svc)+" call interrupted")
		case <-timer.C:
		}
	}
	b.mu.Lock()
	b.calls[action]++
	if queue := b.faults[action]; len(queue) > 0 {
		err := queue[0]
		b.faults[action] = queue[1:]
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()
	return nil
}

func (b *base) nextID(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s%d", prefix, b.seq)
}

func unsupported(svc intent.Service, action string) error {
	return service.ErrUnsupportedAction(svc, action)
}

func notFound(kind, id string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("%s %s not found", kind, id))
}

func missing(name string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, "missing parameter "+name)
}

func str(params map[string]any, name string) string {
	v, ok := params[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(v)
}

func num(params map[string]any, name string, fallback int) int {
	switch v := params[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func orUnknown(s string) string {
	if s == "" {
		return "<unknown>"
	}
	return s
}

// Seed 是沙箱的初始数据，时间以相对当前时钟的偏移表示。
type Seed struct {
	Mail struct {
		Messages []SeedMessage `yaml:"messages"`
	} `yaml:"mail"`
	Calendar struct {
		Events []SeedEvent `yaml:"events"`
	} `yaml:"calendar"`
	Storage struct {
		Files []SeedFile `yaml:"files"`
	} `yaml:"storage"`
}

// SeedMessage 描述一封邮件。Age 如 "48h"。
type SeedMessage struct {
	ID        string   `yaml:"id"`
	From      string   `yaml:"from"`
	To        []string `yaml:"to"`
	Subject   string   `yaml:"subject"`
	Body      string   `yaml:"body"`
	Unread    bool     `yaml:"unread"`
	Important bool     `yaml:"important"`
	Age       string   `yaml:"age"`
}

// SeedEvent 描述一个日程。StartIn 如 "90m"。
type SeedEvent struct {
	ID        string   `yaml:"id"`
	Title     string   `yaml:"title"`
	StartIn   string   `yaml:"start_in"`
	Duration  string   `yaml:"duration"`
	Attendees []string `yaml:"attendees"`
	Location  string   `yaml:"location"`
}

// SeedFile 描述一个文件或文件夹。
type SeedFile struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Folder     bool     `yaml:"folder"`
	Content    string   `yaml:"content"`
	SharedWith []string `yaml:"shared_with"`
	Age        string   `yaml:"age"`
}

// LoadSeed 读取 YAML 种子文件。
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取沙箱种子失败: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("解析沙箱种子失败: %w", err)
	}
	return &seed, nil
}

func offset(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

// Services 是一组沙箱服务。
type Services struct {
	Mail     *Mail
	Calendar *Calendar
	Storage  *Storage
}

// New 创建三个沙箱服务并装载种子数据。
func New(seed *Seed, opts ...Option) *Services {
	s := &Services{
		Mail:     NewMail(opts...),
		Calendar: NewCalendar(opts...),
		Storage:  NewStorage(opts...),
	}
	if seed == nil {
		return s
	}
	for _, m := range seed.Mail.Messages {
		s.Mail.seed(m)
	}
	for _, e := range seed.Calendar.Events {
		s.Calendar.seed(e)
	}
	for _, f := range seed.Storage.Files {
		s.Storage.seed(f)
	}
	return s
}

// Handlers 返回可注册到 service.Registry 的处理器列表。
func (s *Services) Handlers() []service.Handler {
	return []service.Handler{s.Mail, s.Calendar, s.Storage}
}
