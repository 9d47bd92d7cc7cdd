package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// CreatedPayload request_created：交给下载 worker
type CreatedPayload struct {
	ID          int64   `json:"id" validate:"required,gt=0"`
	Query       string  `json:"query" validate:"required"`
	MaxDuration int     `json:"maxDuration,omitempty" validate:"gte=0"`
	MinViews    int     `json:"minViews,omitempty" validate:"gte=0"`
	Requester   *string `json:"requester,omitempty"`
}

// DownloadedPayload request_downloaded / request_separate：下载完成，等待指纹去重或分轨
type DownloadedPayload struct {
	ID                  int64   `json:"id" validate:"required,gt=0"`
	Path                string  `json:"path" validate:"required"`
	Artist              string  `json:"artist"`
	Title               string  `json:"title" validate:"required"`
	Album               string  `json:"album"`
	Track               int     `json:"track" validate:"gte=0"`
	Duration            float64 `json:"duration" validate:"gte=0"`
	IsVideo             bool    `json:"isVideo,omitempty"`
	LyricsPath          string  `json:"lyricsPath,omitempty"`
	AcoustidRecordingID string  `json:"acoustidRecordingId,omitempty"`
	Requester           *string `json:"requester,omitempty"`
}

// CompletePayload request_complete：分轨完成（或去重命中已有歌曲）
type CompletePayload struct {
	ID                  int64   `json:"id" validate:"required,gt=0"`
	DownloadPath        string  `json:"downloadPath" validate:"required"`
	StemsPath           string  `json:"stemsPath" validate:"required"`
	LyricsPath          string  `json:"lyricsPath,omitempty"`
	IsVideo             bool    `json:"isVideo"`
	Artist              string  `json:"artist"`
	Title               string  `json:"title" validate:"required"`
	Album               string  `json:"album"`
	Track               int     `json:"track" validate:"gte=0"`
	Duration            float64 `json:"duration" validate:"gte=0"`
	AcoustidRecordingID string  `json:"acoustidRecordingId,omitempty"`
	Requester           *string `json:"requester,omitempty"`
}

// ErrorPayload request_error
type ErrorPayload struct {
	ID           int64  `json:"id" validate:"required,gt=0"`
	ErrorMessage string `json:"errorMessage" validate:"required"`
}

var validate = validator.New()

// MalformedError payload 无法解码或校验失败
type MalformedError struct {
	Queue string
	Err   error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s payload: %v", e.Queue, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// IsMalformed 判断是否为 payload 格式错误
func IsMalformed(err error) bool {
	var m *MalformedError
	return errors.As(err, &m)
}

// Decode 按队列类型解码并校验 payload
func Decode[T any](env *Envelope) (*T, error) {
	var payload T
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, &MalformedError{Queue: env.Queue, Err: err}
	}
	if err := validate.Struct(&payload); err != nil {
		return nil, &MalformedError{Queue: env.Queue, Err: err}
	}
	return &payload, nil
}

// DecodeCreated 解码 request_created
func DecodeCreated(env *Envelope) (*CreatedPayload, error) {
	return Decode[CreatedPayload](env)
}

// DecodeDownloaded 解码 request_downloaded / request_separate
func DecodeDownloaded(env *Envelope) (*DownloadedPayload, error) {
	return Decode[DownloadedPayload](env)
}

// DecodeComplete 解码 request_complete
func DecodeComplete(env *Envelope) (*CompletePayload, error) {
	return Decode[CompletePayload](env)
}

// DecodeError 解码 request_error
func DecodeError(env *Envelope) (*ErrorPayload, error) {
	return Decode[ErrorPayload](env)
}

// PeekID 从任意 payload 中读取请求 id，读不到返回 0
func PeekID(raw json.RawMessage) int64 {
	var probe struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0
	}
	return probe.ID
}
