package cmd

import (
	"fmt"
	"log"
	"time"

	"StemFM/config"
	"StemFM/server"

	"github.com/spf13/cobra"
)

var (
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "签发 API token",
	Long:  `为点歌人或主持人签发 HS256 token，subject 即点歌人名称。`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		tok, err := server.IssueToken([]byte(cfg.JWTSecret), args[0], tokenRole, tokenTTL, time.Now())
		if err != nil {
			log.Fatalf("签发失败: %v", err)
		}
		fmt.Println(tok)
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "角色，mod 为主持人")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "有效期，0 表示不过期")
}
