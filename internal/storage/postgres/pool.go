package postgres

import (
	"context"
	"fmt"

	"github.com/catstream/capacity-control/internal/config"
	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// NewPool 创建连接池并 ping 校验
func NewPool(ctx context.Context, cfg *config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxPool > 0 {
		poolCfg.MaxConns = int32(cfg.MaxPool)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.Info("🗄️  Postgres connected", zap.Int32("maxConns", poolCfg.MaxConns))
	return pool, nil
}
