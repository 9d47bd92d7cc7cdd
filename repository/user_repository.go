package repository

import (
	"context"
	"fmt"

	"StemFM/db"
	"StemFM/model"

	"gorm.io/gorm"
)

// UserRepository 点歌人积分/令牌数据访问接口
type UserRepository interface {
	GetOrCreate(ctx context.Context, name string) (*model.User, error)
	GetByName(ctx context.Context, name string) (*model.User, error)
	GetByNames(ctx context.Context, names []string) (map[string]*model.User, error)

	// 令牌增减；Spend* 在余额不足时返回 false
	SpendBump(ctx context.Context, name string) (bool, error)
	RefundBump(ctx context.Context, name string) error
	GrantBumps(ctx context.Context, name string, n int) error
	SpendLongSong(ctx context.Context, name string) (bool, error)
	GrantLongSongs(ctx context.Context, name string, n int) error
	AddPoints(ctx context.Context, name string, n int) error
	SetSubscriber(ctx context.Context, name string, subscribed bool) error
}

// gormUserRepository GORM 实现
type gormUserRepository struct {
	db *gorm.DB
}

// NewGormUserRepository 创建 GORM 用户仓库
func NewGormUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

// GetOrCreate 取用户，不存在则创建（并发创建时读回已存在的行）
func (r *gormUserRepository) GetOrCreate(ctx context.Context, name string) (*model.User, error) {
	user, err := r.GetByName(ctx, name)
	if err != nil || user != nil {
		return user, err
	}
	user = &model.User{Name: name}
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if !db.IsDuplicateKey(err) {
			return nil, fmt.Errorf("failed to create user %s: %w", name, err)
		}
		return r.GetByName(ctx, name)
	}
	return user, nil
}

// GetByName 根据名字获取用户，不存在返回 nil, nil
func (r *gormUserRepository) GetByName(ctx context.Context, name string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&user).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// GetByNames 批量获取用户
func (r *gormUserRepository) GetByNames(ctx context.Context, names []string) (map[string]*model.User, error) {
	users := make(map[string]*model.User, len(names))
	if len(names) == 0 {
		return users, nil
	}
	var list []*model.User
	if err := r.db.WithContext(ctx).Where("name IN ?", names).Find(&list).Error; err != nil {
		return nil, err
	}
	for _, u := range list {
		users[u.Name] = u
	}
	return users, nil
}

// SpendBump 消耗一个 bump 令牌
func (r *gormUserRepository) SpendBump(ctx context.Context, name string) (bool, error) {
	return r.spend(ctx, name, "bumps")
}

// RefundBump 退还 bump 令牌
func (r *gormUserRepository) RefundBump(ctx context.Context, name string) error {
	return r.grant(ctx, name, "bumps", 1)
}

// GrantBumps 发放 bump 令牌
func (r *gormUserRepository) GrantBumps(ctx context.Context, name string, n int) error {
	return r.grant(ctx, name, "bumps", n)
}

// SpendLongSong 消耗一个超长歌曲令牌
func (r *gormUserRepository) SpendLongSong(ctx context.Context, name string) (bool, error) {
	return r.spend(ctx, name, "long_songs")
}

// GrantLongSongs 发放超长歌曲令牌
func (r *gormUserRepository) GrantLongSongs(ctx context.Context, name string, n int) error {
	return r.grant(ctx, name, "long_songs", n)
}

// AddPoints 增加积分
func (r *gormUserRepository) AddPoints(ctx context.Context, name string, n int) error {
	return r.grant(ctx, name, "points", n)
}

// SetSubscriber 设置订阅状态
func (r *gormUserRepository) SetSubscriber(ctx context.Context, name string, subscribed bool) error {
	if _, err := r.GetOrCreate(ctx, name); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&model.User{}).
		Where("name = ?", name).
		Update("is_subscriber", subscribed).Error
}

// spend 余额大于 0 时原子减一
func (r *gormUserRepository) spend(ctx context.Context, name, column string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.User{}).
		Where("name = ? AND "+column+" > 0", name).
		Update(column, gorm.Expr(column+" - 1"))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *gormUserRepository) grant(ctx context.Context, name, column string, n int) error {
	if _, err := r.GetOrCreate(ctx, name); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&model.User{}).
		Where("name = ?", name).
		Update(column, gorm.Expr(column+" + ?", n)).Error
}
