package main

import (
	"github.com/spf13/cobra"
)

// newRootCommand はCLIのルートコマンドを生成する。
func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "klage-notifications",
		Short:         "通知配信サービス",
		Long:          "上流ドメインの通知イベントを取り込み、受信者ごとのプッシュストリームで配信するサービス。",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "設定ファイル（YAML）のパス。省略時はデフォルト値と環境変数のみ")

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newDeadLetterCommand(&configPath))
	return rootCmd
}
