package migrations

import "embed"

// Files 暴露会话与命令任务表的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
