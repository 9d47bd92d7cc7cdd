package request

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kkdai/youtube/v2"
)

// QueryKind 查询类型
type QueryKind string

const (
	KindText    QueryKind = "text"
	KindYouTube QueryKind = "youtube"
	KindSpotify QueryKind = "spotify"
)

// NormalizedQuery 规范化后的查询，Value 作为提交时去重的键
type NormalizedQuery struct {
	Kind  QueryKind
	Value string
}

var (
	// 没有协议头但形如 host/path 的输入也当作链接
	bareLinkPattern  = regexp.MustCompile(`^(?i)(www\.|m\.|music\.|open\.)?[a-z0-9-]+(\.[a-z0-9-]+)*\.[a-z]{2,}/\S*$`)
	spotifyIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{22}$`)
)

var youtubeHosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
	"youtu.be":          true,
	"www.youtu.be":      true,
}

// Normalize 规范化查询：去掉链接里的跟踪参数，文本统一小写并压缩空白。
// 歌单/专辑返回 NO_PLAYLISTS，其他站点链接返回 UNSUPPORTED_DOMAIN。
func Normalize(query string, minLength int) (NormalizedQuery, error) {
	q := strings.TrimSpace(query)
	lower := strings.ToLower(q)

	if strings.HasPrefix(lower, "spotify:") {
		return normalizeSpotifyURI(q)
	}
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return normalizeURL(q)
	}
	if bareLinkPattern.MatchString(q) {
		return normalizeURL("https://" + q)
	}

	text := strings.Join(strings.Fields(lower), " ")
	if utf8.RuneCountInString(text) < minLength {
		return NormalizedQuery{}, newRequestError(CodeMinimumQueryLength,
			fmt.Errorf("query %q shorter than %d", text, minLength))
	}
	return NormalizedQuery{Kind: KindText, Value: text}, nil
}

func normalizeURL(raw string) (NormalizedQuery, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return NormalizedQuery{}, newRequestError(CodeUnsupportedDomain, fmt.Errorf("unparsable link %q", raw))
	}
	host := strings.ToLower(u.Hostname())

	switch {
	case youtubeHosts[host]:
		return normalizeYouTube(u)
	case host == "open.spotify.com" || host == "play.spotify.com":
		return normalizeSpotifyPath(u.Path)
	default:
		return NormalizedQuery{}, newRequestError(CodeUnsupportedDomain, fmt.Errorf("host %s not supported", host))
	}
}

func normalizeYouTube(u *url.URL) (NormalizedQuery, error) {
	values := u.Query()
	if strings.HasPrefix(u.Path, "/playlist") || (values.Get("v") == "" && values.Get("list") != "") {
		return NormalizedQuery{}, newRequestError(CodeNoPlaylists, fmt.Errorf("youtube playlist %s", u.String()))
	}

	// ExtractVideoID 识别 watch?v=、youtu.be/、/shorts/、/embed/ 等形式；
	// 只传 v 与路径，丢弃 list/si/t 等参数
	candidate := u.Scheme + "://" + u.Host + u.Path
	if v := values.Get("v"); v != "" {
		candidate += "?v=" + v
	}
	id, err := youtube.ExtractVideoID(candidate)
	if err != nil {
		return NormalizedQuery{}, newRequestError(CodeVideoUnavailable, fmt.Errorf("no video id in %s: %w", u.String(), err))
	}
	return NormalizedQuery{Kind: KindYouTube, Value: "https://www.youtube.com/watch?v=" + id}, nil
}

func normalizeSpotifyPath(path string) (NormalizedQuery, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// 本地化链接 /intl-de/track/<id>
	if len(parts) > 0 && strings.HasPrefix(parts[0], "intl-") {
		parts = parts[1:]
	}
	if len(parts) < 2 {
		return NormalizedQuery{}, newRequestError(CodeUnsupportedDomain, fmt.Errorf("spotify link %q has no track", path))
	}
	return spotifyResource(parts[0], parts[1])
}

func normalizeSpotifyURI(uri string) (NormalizedQuery, error) {
	parts := strings.Split(uri, ":")
	if len(parts) != 3 {
		return NormalizedQuery{}, newRequestError(CodeUnsupportedDomain, fmt.Errorf("bad spotify uri %q", uri))
	}
	return spotifyResource(strings.ToLower(parts[1]), parts[2])
}

func spotifyResource(kind, id string) (NormalizedQuery, error) {
	switch kind {
	case "track":
		if !spotifyIDPattern.MatchString(id) {
			return NormalizedQuery{}, newRequestError(CodeVideoUnavailable, fmt.Errorf("bad spotify track id %q", id))
		}
		return NormalizedQuery{Kind: KindSpotify, Value: "https://open.spotify.com/track/" + id}, nil
	case "playlist", "album":
		return NormalizedQuery{}, newRequestError(CodeNoPlaylists, fmt.Errorf("spotify %s %s", kind, id))
	default:
		return NormalizedQuery{}, newRequestError(CodeUnsupportedDomain, fmt.Errorf("spotify %s links not supported", kind))
	}
}
