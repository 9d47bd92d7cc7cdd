package model

import "time"

// Song 已完成分轨的歌曲，以分轨路径作为天然去重键
type Song struct {
	ID                  int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Artist              string    `json:"artist" gorm:"size:255"`
	Title               string    `json:"title" gorm:"size:255;not null"`
	Album               string    `json:"album" gorm:"size:255"`
	Track               int       `json:"track"`
	Duration            float64   `json:"duration"` // 秒
	StemsPath           string    `json:"stemsPath" gorm:"size:512;not null;uniqueIndex"`
	LyricsPath          string    `json:"lyricsPath,omitempty" gorm:"size:512"`
	IsVideo             bool      `json:"isVideo"`
	AcoustidRecordingID string    `json:"acoustidRecordingId,omitempty" gorm:"size:64;index"`
	CreatedAt           time.Time `json:"createdAt"`
}

// TableName 指定表名
func (Song) TableName() string {
	return "songs"
}

// DisplayTitle "歌手 - 标题"
func (s *Song) DisplayTitle() string {
	if s.Artist == "" {
		return s.Title
	}
	return s.Artist + " - " + s.Title
}

// Download 下载得到的媒体文件，去重后可能指向已有歌曲
type Download struct {
	ID                  int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Path                string    `json:"path" gorm:"size:512;not null;uniqueIndex"`
	IsVideo             bool      `json:"isVideo"`
	LyricsPath          string    `json:"lyricsPath,omitempty" gorm:"size:512"`
	AcoustidRecordingID string    `json:"acoustidRecordingId,omitempty" gorm:"size:64;index"`
	SongRequestID       int64     `json:"songRequestId" gorm:"index;not null"`
	SongID              *int64    `json:"songId,omitempty" gorm:"index"`
	CreatedAt           time.Time `json:"createdAt"`
}

// TableName 指定表名
func (Download) TableName() string {
	return "downloads"
}
