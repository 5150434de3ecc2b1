package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"clipdeck/config"
	"clipdeck/core/assets"
	"clipdeck/core/storeclient"
	"clipdeck/model"
)

var (
	assetsProject string
	assetsToken   string
)

var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "素材库",
	Long:  `通过素材存储服务查看、解析和删除项目素材。`,
}

var assetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出项目素材",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newStoreClient()
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		list, err := client.List(ctx, assetsProject)
		if err != nil {
			return err
		}
		fmt.Println(assetTable(list))
		return nil
	},
}

var assetsURLCmd = &cobra.Command{
	Use:   "url <asset-id>...",
	Short: "解析素材播放地址",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		var notice string
		resolver := assets.NewResolver(newStoreClient(), assets.ResolverOptions{
			TTL:          cfg.Engine.AssetURLTTL,
			ErrorBackoff: cfg.Engine.AssetErrorBackoff,
			OnDegraded:   func(e *storeclient.DegradedError) { notice = e.Message },
		})
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		urls, err := resolver.Resolve(ctx, args)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(args))
		for _, id := range assets.Normalize(args) {
			u := urls[id]
			if u == "" {
				u = "-"
			}
			rows = append(rows, []string{id, u})
		}
		fmt.Println(renderTable([]string{"素材", "地址"}, rows))
		if notice != "" {
			fmt.Println("提示:", notice)
		}
		return nil
	},
}

var assetsDeleteCmd = &cobra.Command{
	Use:   "delete <asset-id>",
	Short: "删除素材",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		lib := assets.NewLibrary(assetsProject, newStoreClient(), nil)
		if err := lib.Refresh(ctx); err != nil {
			return err
		}
		if err := lib.Delete(ctx, args[0]); err != nil {
			if errors.Is(err, storeclient.ErrNotFound) {
				return fmt.Errorf("素材 %s 不在项目 %s 中", args[0], assetsProject)
			}
			return err
		}
		fmt.Printf("已删除 %s，剩余 %d 个素材\n", args[0], len(lib.Assets()))
		return nil
	},
}

func newStoreClient() *storeclient.Client {
	cfg := config.Load()
	token := cfg.AssetStoreToken
	if assetsToken != "" {
		token = assetsToken
	}
	return storeclient.NewClient(cfg.AssetStoreURL, token)
}

func assetTable(list []model.Asset) string {
	rows := make([][]string, 0, len(list))
	for _, a := range list {
		dur := "-"
		if a.DurationMs != nil {
			dur = strconv.FormatFloat(float64(*a.DurationMs)/1000, 'f', 1, 64) + "s"
		}
		rows = append(rows, []string{a.ID, a.Name, a.MimeType, dur, a.CreatedAt.Format(time.DateTime)})
	}
	return renderTable([]string{"ID", "名称", "类型", "时长", "创建时间"}, rows, 3)
}

func init() {
	rootCmd.AddCommand(assetsCmd)
	assetsCmd.AddCommand(assetsListCmd, assetsURLCmd, assetsDeleteCmd)

	assetsCmd.PersistentFlags().StringVarP(&assetsProject, "project", "p", "", "项目 ID")
	assetsCmd.PersistentFlags().StringVarP(&assetsToken, "token", "t", "", "bearer token，覆盖 ASSET_STORE_TOKEN")
}
