// Package storage 检查与管理 MinIO 中的分轨产物
package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"StemFM/config"
	"StemFM/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BucketStats 存储桶统计信息
type BucketStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
	ByExtension  map[string]int64
}

// ObjectInfo 文件信息
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ArtifactStore 分轨产物所在的存储桶
type ArtifactStore struct {
	client *minio.Client
	bucket string
}

// NewArtifactStore 根据配置创建 MinIO 客户端
func NewArtifactStore(cfg *config.Config) (*ArtifactStore, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return &ArtifactStore{client: client, bucket: cfg.MinioBucket}, nil
}

// Bucket 存储桶名
func (s *ArtifactStore) Bucket() string {
	return s.bucket
}

// Check 确认存储桶存在
func (s *ArtifactStore) Check(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

// StemsExist stemsPath 是单个对象或至少包含一个对象的目录时返回 true
func (s *ArtifactStore) StemsExist(ctx context.Context, stemsPath string) (bool, error) {
	key := objectPrefix(stemsPath)
	if key == "" {
		return false, nil
	}

	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		return true, nil
	} else if resp := minio.ToErrorResponse(err); resp.Code != "NoSuchKey" {
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    key + "/",
		Recursive: true,
		MaxKeys:   1,
	}) {
		if obj.Err != nil {
			return false, fmt.Errorf("failed to list %s: %w", key, obj.Err)
		}
		return true, nil
	}
	logger.Debug("stems not found", logger.String("bucket", s.bucket), logger.String("prefix", key))
	return false, nil
}

// List 列出前缀下的所有对象
func (s *ArtifactStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    objectPrefix(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}
	return out, nil
}

// Stats 统计前缀下的对象数量、大小与扩展名分布
func (s *ArtifactStore) Stats(ctx context.Context, prefix string) (*BucketStats, error) {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return summarize(objects), nil
}

// StemDirs 每个分轨目录（对象所在的上一级路径），排序后返回
func (s *ArtifactStore) StemDirs(ctx context.Context, prefix string) ([]string, error) {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return stemDirs(objects), nil
}

// DeleteDirectory 递归删除目录，返回删除的对象数
func (s *ArtifactStore) DeleteDirectory(ctx context.Context, prefix string) (int, error) {
	key := objectPrefix(prefix)
	if key == "" {
		return 0, fmt.Errorf("refusing to delete the whole bucket")
	}
	objects, err := s.List(ctx, key+"/")
	if err != nil {
		return 0, err
	}
	if len(objects) == 0 {
		return 0, nil
	}

	ch := make(chan minio.ObjectInfo, len(objects))
	for _, obj := range objects {
		ch <- minio.ObjectInfo{Key: obj.Key}
	}
	close(ch)

	for rerr := range s.client.RemoveObjects(ctx, s.bucket, ch, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return 0, fmt.Errorf("failed to delete %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	logger.Info("stems deleted", logger.String("prefix", key), logger.Int("objects", len(objects)))
	return len(objects), nil
}

// objectPrefix 把 stemsPath 转成桶内的 key：去掉 s3://bucket/ 与首尾的斜杠
func objectPrefix(stemsPath string) string {
	p := strings.TrimSpace(stemsPath)
	if rest, ok := strings.CutPrefix(p, "s3://"); ok {
		if i := strings.Index(rest, "/"); i >= 0 {
			p = rest[i+1:]
		} else {
			p = ""
		}
	}
	return strings.Trim(p, "/")
}

func summarize(objects []ObjectInfo) *BucketStats {
	st := &BucketStats{ByExtension: make(map[string]int64)}
	for _, obj := range objects {
		st.TotalObjects++
		st.TotalSize += obj.Size
		if obj.LastModified.After(st.LastModified) {
			st.LastModified = obj.LastModified
		}
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(obj.Key), "."))
		if ext == "" {
			ext = "none"
		}
		st.ByExtension[ext]++
	}
	return st
}

func stemDirs(objects []ObjectInfo) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, obj := range objects {
		dir := path.Dir(obj.Key)
		if dir == "." || seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// Orphans 返回没有任何歌曲引用的分轨目录。歌曲路径可以是 s3:// 形式
func Orphans(dirs []string, songStemsPaths []string) []string {
	known := make(map[string]bool, len(songStemsPaths))
	for _, p := range songStemsPaths {
		known[objectPrefix(p)] = true
	}
	var orphans []string
	for _, dir := range dirs {
		if !known[objectPrefix(dir)] {
			orphans = append(orphans, dir)
		}
	}
	return orphans
}
