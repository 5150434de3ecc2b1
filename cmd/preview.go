package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"clipdeck/config"
	"clipdeck/core/assets"
	"clipdeck/core/session"
	"clipdeck/core/storeclient"
	"clipdeck/core/timeline"
	"clipdeck/db"
	"clipdeck/model"
	"clipdeck/repository"
)

var (
	previewProject  string
	previewSeek     float64
	previewFor      time.Duration
	previewInterval time.Duration
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "无界面播放预览",
	Long: `用虚拟输出句柄播放一个项目的时间线，定时打印时钟和句柄占用。
不指定 --project 时播放内置的演示时间线，不需要数据库和素材服务。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		tl, fetcher, err := previewTimeline(ctx, cfg)
		if err != nil {
			return err
		}
		fmt.Println(clipTable(tl))

		s := session.New(tl.ProjectID, session.Options{
			Engine: cfg.Engine,
			Resolver: assets.NewResolver(fetcher, assets.ResolverOptions{
				TTL:          cfg.Engine.AssetURLTTL,
				ErrorBackoff: cfg.Engine.AssetErrorBackoff,
				OnDegraded: func(e *storeclient.DegradedError) {
					fmt.Println("提示:", e.Message)
				},
			}),
		})
		s.Start(ctx)
		defer s.Close()

		if err := s.LoadTimeline(tl); err != nil {
			return err
		}
		if err := s.Seek(previewSeek); err != nil {
			return err
		}
		if err := s.Play(); err != nil {
			return err
		}

		var rows [][]string
		ticker := time.NewTicker(previewInterval)
		defer ticker.Stop()
		deadline := time.After(previewFor)
	loop:
		for {
			select {
			case <-ticker.C:
				st, err := s.State()
				if err != nil {
					return err
				}
				stats, _ := s.Stats()
				rows = append(rows, []string{
					strconv.FormatFloat(st.Time, 'f', 2, 64),
					strconv.FormatBool(st.Playing),
					fmt.Sprintf("%d/%d", stats.Bound, stats.Capacity),
					strconv.Itoa(stats.Registered),
					strconv.Itoa(stats.SyncPasses),
				})
			case <-deadline:
				break loop
			case <-ctx.Done():
				break loop
			}
		}
		fmt.Println(renderTable([]string{"时间(s)", "播放", "句柄", "音轨", "同步次数"}, rows, 0, 2, 3, 4))
		return nil
	},
}

// virtualFetcher 演示模式下的地址解析，不访问网络
type virtualFetcher struct{}

func (virtualFetcher) ResolveURL(_ context.Context, id string) (string, error) {
	return "virtual://" + id, nil
}

func previewTimeline(ctx context.Context, cfg *config.Config) (*timeline.Timeline, assets.Fetcher, error) {
	if previewProject == "" {
		tl, err := demoTimeline()
		return tl, virtualFetcher{}, err
	}

	if err := db.ConnectGormDB(cfg); err != nil {
		return nil, nil, err
	}
	defer db.CloseGormDB()
	tracks, clips, err := repository.NewProjectStore(db.GormDB).LoadProject(ctx, previewProject)
	if err != nil {
		return nil, nil, err
	}
	tl, err := timeline.New(previewProject, tracks, clips)
	if err != nil {
		return nil, nil, err
	}
	return tl, storeclient.NewClient(cfg.AssetStoreURL, cfg.AssetStoreToken), nil
}

func demoTimeline() (*timeline.Timeline, error) {
	asset := func(s string) *string { return &s }
	tracks := []model.Track{
		{ID: "video", ProjectID: "demo", Index: 0, Kind: model.TrackKindVideo},
		{ID: "voice", ProjectID: "demo", Index: 1, Kind: model.TrackKindAudio},
		{ID: "music", ProjectID: "demo", Index: 2, Kind: model.TrackKindAudio},
	}
	clips := []model.Clip{
		{ID: "intro", TrackID: "video", AssetID: asset("intro-video"), Kind: model.TrackKindVideo,
			SourceEndMs: 4000, TimelineEndMs: 4000, AssetDurationMs: 4000, Volume: 1, Speed: 1},
		{ID: "narration", TrackID: "voice", AssetID: asset("narration"), Kind: model.TrackKindAudio,
			SourceStartMs: 500, SourceEndMs: 2500, TimelineStartMs: 1000, TimelineEndMs: 3000, AssetDurationMs: 9000, Volume: 1, Speed: 1},
		{ID: "bed", TrackID: "music", AssetID: asset("music-bed"), Kind: model.TrackKindAudio,
			SourceEndMs: 6000, TimelineEndMs: 3000, AssetDurationMs: 120000, Volume: 0.4, Speed: 2},
	}
	return timeline.New("demo", tracks, clips)
}

func clipTable(tl *timeline.Timeline) string {
	rows := make([][]string, 0)
	for _, c := range tl.Clips() {
		key := timeline.ResolveKey(&c)
		if key == "" {
			key = "-"
		}
		rows = append(rows, []string{
			c.TrackID,
			c.ID,
			string(c.Kind),
			fmt.Sprintf("%d-%d", c.TimelineStartMs, c.TimelineEndMs),
			fmt.Sprintf("%d-%d", c.SourceStartMs, c.SourceEndMs),
			strconv.FormatFloat(c.Speed, 'f', 2, 64),
			key,
		})
	}
	return renderTable([]string{"轨道", "片段", "类型", "时间线(ms)", "源(ms)", "速度", "素材"}, rows, 5)
}

func init() {
	rootCmd.AddCommand(previewCmd)
	previewCmd.Flags().StringVarP(&previewProject, "project", "p", "", "从数据库加载项目")
	previewCmd.Flags().Float64Var(&previewSeek, "seek", 0, "起始时间（秒）")
	previewCmd.Flags().DurationVarP(&previewFor, "for", "d", 3*time.Second, "播放时长")
	previewCmd.Flags().DurationVar(&previewInterval, "interval", 250*time.Millisecond, "采样间隔")
}
