package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/llm"
)

// Client 通过调用外部脚本完成命令理解。脚本从 stdin 读取 JSON，
// 向 stdout 输出与 HTTP 后端相同结构的 JSON 对象。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
	now        func() time.Time
}

// NewClient 创建脚本桥客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
		now:        time.Now,
	}, nil
}

// Generate 调用外部脚本并返回其原始输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(map[string]any{
		"system":     llm.SystemPrompt(),
		"command":    req.Command,
		"history":    req.History,
		"references": req.References,
		"hints":      req.Hints,
		"timestamp":  c.now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctxErr, "Python 脚本超时")
		}
		return nil, fmt.Errorf("执行 Python 脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}
	content := strings.TrimSpace(stdout.String())
	if content == "" {
		return nil, fmt.Errorf("Python 脚本没有输出")
	}
	return &llm.Response{Content: content}, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
