package redis

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	xerrors "LLM-Orchestra/internal/errors"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// DefaultPrefix 是所有键的默认前缀。
const DefaultPrefix = "orchestra"

// Connect 创建客户端并确认连接可用。
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address required")
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("无法连接 Redis %s", cfg.Addr))
	}
	return client, nil
}

func prefixOr(prefix string) string {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}
