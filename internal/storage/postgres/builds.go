package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// 构建状态
const (
	BuildStatusQueued    = "queued"
	BuildStatusRunning   = "running"
	BuildStatusSucceeded = "succeeded"
	BuildStatusFailed    = "failed"
	BuildStatusCancelled = "cancelled"
)

// BuildRecord 构建记录（只读取计算负载指标所需字段）
type BuildRecord struct {
	ID          string
	Region      string
	Status      string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// DB 构建查询所需的最小接口，*pgxpool.Pool 满足该接口
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// BuildStore 构建记录查询
type BuildStore struct {
	db DB
}

// NewBuildStore 创建构建记录查询
func NewBuildStore(db DB) *BuildStore {
	return &BuildStore{db: db}
}

const recentBuildsSQL = `
SELECT id::text, COALESCE(region, ''), status, created_at, started_at, completed_at
FROM builds
WHERE created_at >= $1 OR status IN ('queued', 'running')
ORDER BY created_at DESC
LIMIT $2`

// RecentBuildsLimit 单次最多读取的构建数
const RecentBuildsLimit = 5000

// RecentBuilds 读取 since 之后创建的构建，以及所有仍在排队/运行中的构建
func (s *BuildStore) RecentBuilds(ctx context.Context, since time.Time) ([]BuildRecord, error) {
	rows, err := s.db.Query(ctx, recentBuildsSQL, since, RecentBuildsLimit)
	if err != nil {
		return nil, fmt.Errorf("query recent builds: %w", err)
	}
	defer rows.Close()

	var builds []BuildRecord
	for rows.Next() {
		var b BuildRecord
		if err := rows.Scan(&b.ID, &b.Region, &b.Status, &b.CreatedAt, &b.StartedAt, &b.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate builds: %w", err)
	}
	return builds, nil
}
