package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

// advisoryLock 基于 postgres 会话级咨询锁的集群互斥。
// 锁绑定到专用连接上：TryLock 成功后连接被持有，Unlock 在同一连接上释放。
type advisoryLock struct {
	db *sql.DB

	mu   sync.Mutex
	conn *sql.Conn
}

// NewAdvisoryLock 创建并返回一个新的 AdvisoryLocker 实例。
func NewAdvisoryLock(db *gorm.DB) (domain.AdvisoryLocker, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql database: %w", err)
	}
	return &advisoryLock{db: sqlDB}, nil
}

// TryLock 非阻塞抢锁；已被其他会话持有时返回 false
func (l *advisoryLock) TryLock(ctx context.Context, key int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return false, fmt.Errorf("advisory lock already held by this process")
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// Unlock 在抢锁连接上释放并归还连接
func (l *advisoryLock) Unlock(ctx context.Context, key int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil

	var released bool
	err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released)
	closeErr := conn.Close()
	if err != nil {
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	if !released {
		return fmt.Errorf("advisory lock %d was not held by this session", key)
	}
	return closeErr
}
