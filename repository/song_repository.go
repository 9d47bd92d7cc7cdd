package repository

import (
	"context"
	"fmt"

	"StemFM/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SongRepository 歌曲与下载记录数据访问接口
type SongRepository interface {
	// ResolveOrCreate 以 stems_path 为键取已有歌曲或插入新歌曲；created 表示本次插入成功
	ResolveOrCreate(ctx context.Context, song *model.Song) (resolved *model.Song, created bool, err error)
	GetByID(ctx context.Context, id int64) (*model.Song, error)
	GetByStemsPath(ctx context.Context, stemsPath string) (*model.Song, error)
	GetByAcoustID(ctx context.Context, recordingID string) (*model.Song, error)
	CountByStemsPath(ctx context.Context, stemsPath string) (int64, error)
	Count(ctx context.Context) (int64, error)
	StemsPaths(ctx context.Context) ([]string, error)

	// RecordDownload 按 path 幂等插入下载记录
	RecordDownload(ctx context.Context, d *model.Download) (*model.Download, error)
	DownloadByPath(ctx context.Context, path string) (*model.Download, error)
	DownloadForSong(ctx context.Context, songID int64) (*model.Download, error)
}

// gormSongRepository GORM 实现
type gormSongRepository struct {
	db *gorm.DB
}

// NewGormSongRepository 创建 GORM 歌曲仓库
func NewGormSongRepository(db *gorm.DB) SongRepository {
	return &gormSongRepository{db: db}
}

// ResolveOrCreate 依赖 stems_path 唯一索引：插入冲突时读回胜出的那一行
func (r *gormSongRepository) ResolveOrCreate(ctx context.Context, song *model.Song) (*model.Song, bool, error) {
	if song.StemsPath == "" {
		return nil, false, fmt.Errorf("song without stems path")
	}
	existing, err := r.GetByStemsPath(ctx, song.StemsPath)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(song)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to insert song: %w", result.Error)
	}
	if result.RowsAffected == 1 && song.ID != 0 {
		return song, true, nil
	}

	winner, err := r.GetByStemsPath(ctx, song.StemsPath)
	if err != nil {
		return nil, false, err
	}
	if winner == nil {
		return nil, false, fmt.Errorf("song %q vanished after insert conflict", song.StemsPath)
	}
	return winner, false, nil
}

// GetByID 根据 ID 获取歌曲
func (r *gormSongRepository) GetByID(ctx context.Context, id int64) (*model.Song, error) {
	return r.first(ctx, "id = ?", id)
}

// GetByStemsPath 根据分轨路径获取歌曲
func (r *gormSongRepository) GetByStemsPath(ctx context.Context, stemsPath string) (*model.Song, error) {
	return r.first(ctx, "stems_path = ?", stemsPath)
}

// GetByAcoustID 根据 acoustid 录音 ID 获取最早入库的歌曲
func (r *gormSongRepository) GetByAcoustID(ctx context.Context, recordingID string) (*model.Song, error) {
	if recordingID == "" {
		return nil, nil
	}
	return r.first(ctx, "acoustid_recording_id = ?", recordingID)
}

func (r *gormSongRepository) first(ctx context.Context, query string, args ...interface{}) (*model.Song, error) {
	var song model.Song
	err := r.db.WithContext(ctx).Where(query, args...).Order("id ASC").First(&song).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &song, nil
}

// CountByStemsPath 统计同一分轨路径的歌曲数（唯一索引下应为 0 或 1）
func (r *gormSongRepository) CountByStemsPath(ctx context.Context, stemsPath string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Song{}).Where("stems_path = ?", stemsPath).Count(&count).Error
	return count, err
}

// Count 歌曲总数
func (r *gormSongRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Song{}).Count(&count).Error
	return count, err
}

// StemsPaths 所有歌曲的分轨路径
func (r *gormSongRepository) StemsPaths(ctx context.Context) ([]string, error) {
	var paths []string
	err := r.db.WithContext(ctx).Model(&model.Song{}).Order("stems_path").Pluck("stems_path", &paths).Error
	return paths, err
}

// RecordDownload 同一路径只记录一次，重复投递时返回已有记录
func (r *gormSongRepository) RecordDownload(ctx context.Context, d *model.Download) (*model.Download, error) {
	if d.Path == "" {
		return nil, fmt.Errorf("download without path")
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(d)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to insert download: %w", result.Error)
	}
	if result.RowsAffected == 1 && d.ID != 0 {
		return d, nil
	}
	existing, err := r.DownloadByPath(ctx, d.Path)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("download %q vanished after insert conflict", d.Path)
	}
	return existing, nil
}

// DownloadByPath 根据文件路径获取下载记录
func (r *gormSongRepository) DownloadByPath(ctx context.Context, path string) (*model.Download, error) {
	var d model.Download
	err := r.db.WithContext(ctx).Where("path = ?", path).First(&d).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// DownloadForSong 歌曲最早的一条下载记录
func (r *gormSongRepository) DownloadForSong(ctx context.Context, songID int64) (*model.Download, error) {
	var d model.Download
	err := r.db.WithContext(ctx).Where("song_id = ?", songID).Order("id ASC").First(&d).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}
