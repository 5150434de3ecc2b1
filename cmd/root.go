package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"clipdeck/config"
	"clipdeck/logger"
)

var rootCmd = &cobra.Command{
	Use:   "clipdeck",
	Short: "clipdeck 多轨时间线编辑器的播放引擎和素材服务",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogger(config.Load())
	},
}

func initLogger(cfg *config.Config) {
	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogPath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})
}

// Execute executes the root command.
func Execute() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
