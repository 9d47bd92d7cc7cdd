package cmd

import (
	"fmt"
	"os"

	"StemFM/config"
	"StemFM/logger"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "stemfm",
	Short: "StemFM 点歌队列服务",
	Long:  `StemFM 接收观众点歌，编排下载与分轨任务，并维护播放队列。`,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogger 按配置初始化全局日志
func setupLogger(cfg *config.Config) {
	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogPath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAge,
		Compress:   true,
	})
}
