package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition 状态迁移不合法（当前状态不在允许的来源状态中）
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store 聚合所有仓库，所有组件通过它读写数据库
type Store struct {
	db       *gorm.DB
	Requests RequestRepository
	Songs    SongRepository
	Users    UserRepository
}

// NewStore 创建 Store
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:       db,
		Requests: NewGormRequestRepository(db),
		Songs:    NewGormSongRepository(db),
		Users:    NewGormUserRepository(db),
	}
}

// DB 底层连接
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction 在同一事务中执行 fn，fn 收到绑定事务的 Store
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}
