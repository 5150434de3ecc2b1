package cmd

import (
	"github.com/spf13/cobra"

	"clipdeck/config"
	"clipdeck/server"
)

var serverAddr string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动素材服务",
	Long:  `启动本地素材存储服务：素材列表、MinIO 预签名播放地址、删除素材，以及编辑会话的 WebSocket 推送`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if serverAddr != "" {
			cfg.HTTPAddr = serverAddr
		}
		return server.Start(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&serverAddr, "addr", "a", "", "监听地址，覆盖 HTTP_ADDR")
}
