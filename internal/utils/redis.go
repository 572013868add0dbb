package utils

import (
	"context"
	"time"

	"kiln-label/internal/config"
	"kiln-label/internal/logger"

	"github.com/redis/go-redis/v9"
)

// OpenRedis：按配置打开 Redis 客户端并探活
// 背景：会话后端为 redis 时启动即校验连通性，失败由调用方决定是否回退内存存储
func OpenRedis(ctx context.Context, c *config.Config) (*redis.Client, error) {
	rc := redis.NewClient(&redis.Options{Addr: c.RedisAddr(), Password: c.RedisPass, DB: c.RedisDB})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rc.Ping(pctx).Err(); err != nil {
		_ = rc.Close()
		return nil, err
	}
	logger.L().Debug("redis_ready", "addr", c.RedisAddr(), "db", c.RedisDB)
	return rc, nil
}
