package model

import "time"

// User 点歌人的积分与令牌记录，从不删除
type User struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Name         string    `json:"name" gorm:"size:100;not null;uniqueIndex"`
	Points       int       `json:"points" gorm:"not null;default:0"`
	Bumps        int       `json:"bumps" gorm:"not null;default:0"`     // bump 令牌
	LongSongs    int       `json:"longSongs" gorm:"not null;default:0"` // 超长歌曲令牌
	IsSubscriber bool      `json:"isSubscriber" gorm:"not null;default:false"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}

// AllModels 需要自动迁移的模型
func AllModels() []interface{} {
	return []interface{}{&User{}, &Song{}, &Download{}, &SongRequest{}}
}
