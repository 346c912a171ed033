package llm

import "context"

// Request 是发送给语言理解服务的请求：命令文本与有界的会话摘要。
type Request struct {
	Command    string
	History    []string
	References []string
	Hints      []string
}

// Response 是语言理解服务的原始输出，由解析器按固定结构校验。
type Response struct {
	Content string
}

// Client 定义了调用语言理解服务的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 适配普通函数，常用于测试桩。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Client。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }
