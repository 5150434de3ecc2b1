package cmd

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"clipdeck/config"
	"clipdeck/storage"
)

var (
	minioPrefix string
	minioStats  bool
	minioRemove string
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO存储桶管理",
	Long:  `查看素材存储桶中的对象，按媒体类别统计占用，或删除单个对象。`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		store, err := storage.NewObjectStore(cfg)
		if err != nil {
			log.Fatalf("创建MinIO客户端失败: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if minioRemove != "" {
			if err := store.Remove(ctx, minioRemove); err != nil {
				log.Fatalf("删除对象失败: %v", err)
			}
			fmt.Printf("已删除: %s\n", minioRemove)
			return
		}

		objects, stats, err := store.List(ctx, minioPrefix)
		if err != nil {
			log.Fatalf("列出文件失败: %v", err)
		}

		if minioStats {
			usage := storage.Usage(objects)
			classes := make([]string, 0, len(usage))
			for c := range usage {
				classes = append(classes, c)
			}
			sort.Strings(classes)
			rows := make([][]string, 0, len(classes))
			for _, c := range classes {
				rows = append(rows, []string{c, storage.FormatSize(usage[c])})
			}
			fmt.Println(renderTable([]string{"类别", "大小"}, rows, 1))
			fmt.Printf("对象总数: %d, 总大小: %s", stats.TotalObjects, storage.FormatSize(stats.TotalSize))
			if !stats.LastModified.IsZero() {
				fmt.Printf(", 最后修改: %s", stats.LastModified.Format(time.DateTime))
			}
			fmt.Println()
			return
		}

		rows := make([][]string, 0, len(objects))
		for _, o := range objects {
			rows = append(rows, []string{o.Key, storage.FormatSize(o.Size), o.LastModified.Format(time.DateTime)})
		}
		fmt.Println(renderTable([]string{"对象", "大小", "修改时间"}, rows, 1))
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤对象")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "按媒体类别显示占用统计")
	minioCmd.Flags().StringVarP(&minioRemove, "remove", "d", "", "删除指定对象")

	minioCmd.Example = `  # 列出所有对象
  clipdeck minio

  # 只看某个项目
  clipdeck minio -p "assets/p1/"

  # 占用统计
  clipdeck minio -s`
}
