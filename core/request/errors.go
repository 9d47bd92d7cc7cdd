package request

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode 面向点歌人的符号化错误，集合封闭
type ErrorCode string

const (
	CodeUnsupportedDomain    ErrorCode = "UNSUPPORTED_DOMAIN"
	CodeNoPlaylists          ErrorCode = "NO_PLAYLISTS"
	CodeVideoUnavailable     ErrorCode = "VIDEO_UNAVAILABLE"
	CodeAgeRestricted        ErrorCode = "AGE_RESTRICTED"
	CodeTooLong              ErrorCode = "TOO_LONG"
	CodeMinimumViews         ErrorCode = "MINIMUM_VIEWS"
	CodeMinimumQueryLength   ErrorCode = "MINIMUM_QUERY_LENGTH"
	CodeTooManyRequests      ErrorCode = "TOO_MANY_REQUESTS"
	CodeRequestAlreadyExists ErrorCode = "REQUEST_ALREADY_EXISTS"
	CodeDownloadFailed       ErrorCode = "DOWNLOAD_FAILED"
	CodeDemucsFailure        ErrorCode = "DEMUCS_FAILURE"
	CodeGeneric              ErrorCode = "GENERIC"
)

// ErrorClass 错误分类
type ErrorClass string

const (
	ClassContent        ErrorClass = "content"
	ClassPolicy         ErrorClass = "policy"
	ClassInfrastructure ErrorClass = "infrastructure"
)

type codeInfo struct {
	class   ErrorClass
	message string
}

// 聊天消息模板
var codes = map[ErrorCode]codeInfo{
	CodeUnsupportedDomain:    {ClassContent, "Sorry, I can only take YouTube or Spotify links (or just type the song name)."},
	CodeNoPlaylists:          {ClassContent, "Sorry, playlists and albums can't be requested. Link a single song instead."},
	CodeVideoUnavailable:     {ClassContent, "Sorry, that video is unavailable."},
	CodeAgeRestricted:        {ClassContent, "Sorry, that video is age restricted."},
	CodeTooLong:              {ClassContent, "Sorry, that song is too long."},
	CodeMinimumViews:         {ClassContent, "Sorry, that video doesn't have enough views to be requested."},
	CodeMinimumQueryLength:   {ClassPolicy, "Your request is too short. Try including the artist and title."},
	CodeTooManyRequests:      {ClassPolicy, "You already have a request in the queue. Wait for it to play first."},
	CodeRequestAlreadyExists: {ClassPolicy, "That song is already in the queue."},
	CodeDownloadFailed:       {ClassInfrastructure, "Sorry, I couldn't download that song. Try a different link."},
	CodeDemucsFailure:        {ClassInfrastructure, "Sorry, something went wrong while processing that song."},
	CodeGeneric:              {ClassInfrastructure, "Sorry, something went wrong with your request."},
}

// ParseErrorCode 把 worker 上报的字符串映射到封闭集合，未知值归为 GENERIC
func ParseErrorCode(s string) ErrorCode {
	code := ErrorCode(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := codes[code]; ok {
		return code
	}
	return CodeGeneric
}

// Class 错误分类
func (c ErrorCode) Class() ErrorClass {
	if info, ok := codes[c]; ok {
		return info.class
	}
	return ClassInfrastructure
}

// Message 给点歌人看的消息
func (c ErrorCode) Message() string {
	if info, ok := codes[c]; ok {
		return info.message
	}
	return codes[CodeGeneric].message
}

// RequestError 带错误码的点歌错误；Err 只用于日志，不会展示给用户
type RequestError struct {
	Code ErrorCode
	Err  error
}

func newRequestError(code ErrorCode, err error) *RequestError {
	return &RequestError{Code: code, Err: err}
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// ErrorCode 供传输层路由到错误队列时使用
func (e *RequestError) ErrorCode() string {
	return string(e.Code)
}

// CodeOf 任意错误对应的错误码，非 RequestError 一律 GENERIC
func CodeOf(err error) ErrorCode {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Code
	}
	return CodeGeneric
}

var (
	// ErrStaleSelection 按序号操作时，序号指向的请求已不是用户看到的那一个
	ErrStaleSelection = errors.New("selection is stale, list your requests again")
	// ErrNotFound 请求不存在
	ErrNotFound = errors.New("request not found")
	// ErrAlreadyPlaying 已有请求在播放
	ErrAlreadyPlaying = errors.New("another request is already playing")
	// ErrNoBumpTokens 没有可用的 bump 令牌
	ErrNoBumpTokens = errors.New("no bump tokens left")
	// ErrAlreadyBumped 请求已经处于提权状态
	ErrAlreadyBumped = errors.New("request already bumped")
	// ErrInvalidState 请求当前状态不允许该操作
	ErrInvalidState = errors.New("request is not in a state that allows this action")
)
