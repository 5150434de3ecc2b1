package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"clipdeck/config"
	"clipdeck/core/auth"
)

var (
	tokenSubject string
	tokenProject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "签发素材服务的 bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		tok, err := auth.NewIssuer(cfg.JWTSecret, tokenTTL).GenerateToken(tokenSubject, tokenProject)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVarP(&tokenSubject, "subject", "s", "editor", "token 主体")
	tokenCmd.Flags().StringVarP(&tokenProject, "project", "p", "", "限定项目，为空时可以访问所有项目")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", auth.DefaultTokenTTL, "有效期")
}
