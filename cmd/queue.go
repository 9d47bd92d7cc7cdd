package cmd

import (
	"fmt"
	"strconv"
	"time"

	"StemFM/config"
	"StemFM/db"
	"StemFM/model"
	"StemFM/repository"
	"StemFM/transport"

	"github.com/spf13/cobra"
)

var queueRecent int

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "查看播放队列与任务队列积压",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.Load()

		gdb, err := db.Open(cfg)
		if err != nil {
			return err
		}
		defer db.Close(gdb)
		store := repository.NewStore(gdb)

		playing, err := store.Requests.Playing(ctx)
		if err != nil {
			return err
		}
		if playing != nil {
			fmt.Printf("正在播放: #%d %s (%s)\n\n", playing.ID, playing.DisplayTitle(), requesterLabel(playing))
		}

		ready, err := store.Requests.ReadyQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("待播放 %d 首\n", len(ready))
		fmt.Println(renderTable([]string{"#", "ID", "Title", "Requester", "Priority", "Waiting"}, requestRows(ready, true), 0, 1, 4))

		if queueRecent > 0 {
			recent, err := store.Requests.ListRecent(ctx, queueRecent)
			if err != nil {
				return err
			}
			fmt.Printf("\n最近 %d 条请求\n", len(recent))
			fmt.Println(renderTable([]string{"#", "ID", "Title", "Requester", "Status", "Reason"}, requestRows(recent, false), 0, 1))
		}

		tr, client, err := openTransport(cfg)
		if err != nil {
			fmt.Printf("\n无法查看任务队列: %v\n", err)
			return nil
		}
		defer tr.Close()
		if client != nil {
			defer client.Close()
		}
		inspector, ok := tr.(transport.Inspector)
		if !ok {
			return nil
		}
		stats, err := inspector.Stats(ctx)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(stats))
		for _, st := range stats {
			rows = append(rows, []string{st.Queue, strconv.FormatInt(st.Length, 10), strconv.FormatInt(st.Pending, 10)})
		}
		fmt.Println("\n任务队列")
		fmt.Println(renderTable([]string{"Queue", "Length", "Pending"}, rows, 1, 2))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.Flags().IntVarP(&queueRecent, "recent", "n", 0, "同时列出最近 N 条请求（任意状态）")
}

func requesterLabel(req *model.SongRequest) string {
	if req.Requester == nil {
		return "(internal)"
	}
	return *req.Requester
}

func requestRows(reqs []*model.SongRequest, ready bool) [][]string {
	now := time.Now().UTC()
	rows := make([][]string, 0, len(reqs))
	for i, req := range reqs {
		row := []string{strconv.Itoa(i + 1), strconv.FormatInt(req.ID, 10), req.DisplayTitle(), requesterLabel(req)}
		if ready {
			wait := now.Sub(req.EffectiveCreatedAt).Truncate(time.Second)
			row = append(row, strconv.Itoa(req.Priority), wait.String())
		} else {
			row = append(row, string(req.Status), req.CancelReason)
		}
		rows = append(rows, row)
	}
	return rows
}
