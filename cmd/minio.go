package cmd

import (
	"fmt"
	"log"
	"sort"
	"strconv"

	"StemFM/config"
	"StemFM/db"
	"StemFM/repository"
	"StemFM/storage"

	"github.com/spf13/cobra"
)

var (
	minioPrefix  string
	minioStats   bool
	minioDirs    bool
	minioOrphans bool
	minioDelete  bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "分轨产物存储桶管理",
	Long:  `查看和管理MinIO存储桶中的分轨产物，支持列出文件、统计信息、列出分轨目录、查找孤立目录与删除目录。`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg := config.Load()
		if !cfg.MinioEnabled() {
			log.Fatal("未配置 MINIO_ENDPOINT")
		}
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		store, err := storage.NewArtifactStore(cfg)
		if err != nil {
			log.Fatalf("创建MinIO客户端失败: %v", err)
		}
		if err := store.Check(ctx); err != nil {
			log.Fatalf("无法连接到MinIO: %v", err)
		}

		switch {
		case minioDelete:
			if minioPrefix == "" {
				log.Fatal("删除操作需要指定目录前缀")
			}
			n, err := store.DeleteDirectory(ctx, minioPrefix)
			if err != nil {
				log.Fatalf("删除目录失败: %v", err)
			}
			fmt.Printf("已删除 %s 下的 %d 个文件\n", minioPrefix, n)

		case minioOrphans:
			dirs, err := store.StemDirs(ctx, minioPrefix)
			if err != nil {
				log.Fatalf("列出分轨目录失败: %v", err)
			}
			gdb, err := db.Open(cfg)
			if err != nil {
				log.Fatalf("无法连接数据库: %v", err)
			}
			defer db.Close(gdb)
			paths, err := repository.NewStore(gdb).Songs.StemsPaths(ctx)
			if err != nil {
				log.Fatalf("读取歌曲失败: %v", err)
			}
			orphans := storage.Orphans(dirs, paths)
			fmt.Printf("%d 个分轨目录中有 %d 个没有对应歌曲\n", len(dirs), len(orphans))
			for _, dir := range orphans {
				fmt.Println(dir)
			}

		case minioDirs:
			dirs, err := store.StemDirs(ctx, minioPrefix)
			if err != nil {
				log.Fatalf("列出分轨目录失败: %v", err)
			}
			for _, dir := range dirs {
				fmt.Println(dir)
			}

		case minioStats:
			st, err := store.Stats(ctx, minioPrefix)
			if err != nil {
				log.Fatalf("获取存储桶统计信息失败: %v", err)
			}
			fmt.Printf("文件数: %d\n总大小: %s\n最后修改: %s\n",
				st.TotalObjects, formatSize(st.TotalSize), st.LastModified.Format("2006-01-02 15:04:05"))
			exts := make([]string, 0, len(st.ByExtension))
			for ext := range st.ByExtension {
				exts = append(exts, ext)
			}
			sort.Strings(exts)
			rows := make([][]string, 0, len(exts))
			for _, ext := range exts {
				rows = append(rows, []string{ext, strconv.FormatInt(st.ByExtension[ext], 10)})
			}
			fmt.Println(renderTable([]string{"Ext", "Files"}, rows, 1))

		default:
			objects, err := store.List(ctx, minioPrefix)
			if err != nil {
				log.Fatalf("列出文件失败: %v", err)
			}
			rows := make([][]string, 0, len(objects))
			for _, obj := range objects {
				rows = append(rows, []string{obj.Key, formatSize(obj.Size), obj.LastModified.Format("2006-01-02 15:04:05")})
			}
			fmt.Println(renderTable([]string{"Key", "Size", "Modified"}, rows, 1))
		}
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤文件或指定要操作的目录")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "显示存储桶统计信息")
	minioCmd.Flags().BoolVarP(&minioDirs, "dirs", "r", false, "列出分轨目录")
	minioCmd.Flags().BoolVarP(&minioOrphans, "orphans", "o", false, "列出没有对应歌曲的分轨目录")
	minioCmd.Flags().BoolVarP(&minioDelete, "delete", "d", false, "删除指定目录及其下的所有文件")

	minioCmd.Example = `  # 列出所有文件
  stemfm minio

  # 显示统计信息
  stemfm minio -s -p "2026/"

  # 查找孤立的分轨目录
  stemfm minio -o

  # 删除目录及其下的所有文件
  stemfm minio -d -p "2026/abc"`
}

// formatSize 格式化文件大小
func formatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
