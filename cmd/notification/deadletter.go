package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/navikt/klage-notifications-api-sub000/internal/deadletter"
)

// newDeadLetterCommand はデッドレターを操作するサブコマンド群を生成する。
// 結果はJSONで標準出力に書く。
func newDeadLetterCommand(configPath *string) *cobra.Command {
	dlCmd := &cobra.Command{
		Use:     "dead-letter",
		Aliases: []string{"dlq"},
		Short:   "取り込みに失敗したメッセージを参照・再処理する",
	}

	var (
		processed string
		reprocess string
		limit     int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "デッドレターを新しい順に表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := deadletter.Filter{Limit: limit}
			var err error
			if f.Processed, err = parseOptionalBool("processed", processed); err != nil {
				return err
			}
			if f.Reprocess, err = parseOptionalBool("reprocess", reprocess); err != nil {
				return err
			}
			return withApp(cmd, *configPath, func(a *app) error {
				records, err := a.deadLetters.List(cmd.Context(), f)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), records)
			})
		},
	}
	listCmd.Flags().StringVar(&processed, "processed", "", "処理済みかどうかで絞り込む（true/false）")
	listCmd.Flags().StringVar(&reprocess, "reprocess", "", "再処理フラグで絞り込む（true/false）")
	listCmd.Flags().IntVar(&limit, "limit", 100, "最大件数")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "1件のデッドレターを表示する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(a *app) error {
				r, err := a.deadLetters.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), r)
			})
		},
	}

	reprocessCmd := &cobra.Command{
		Use:   "reprocess <id>",
		Short: "デッドレターに再処理フラグを立てる",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(a *app) error {
				if err := a.deadLetters.SetReprocess(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "デッドレター %s に再処理フラグを立てました\n", args[0])
				return nil
			})
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "再処理フラグの立ったデッドレターを今すぐ処理し直す",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *configPath, func(a *app) error {
				s, err := a.newScheduler()
				if err != nil {
					return err
				}
				res, err := s.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	dlCmd.AddCommand(listCmd, showCmd, reprocessCmd, runCmd)
	return dlCmd
}

// withApp はコンポーネントを組み立ててfnを実行し、終了後に解放する。
func withApp(cmd *cobra.Command, configPath string, fn func(a *app) error) error {
	a, err := newApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())
	return fn(a)
}

// parseOptionalBool は空文字ならnil、それ以外は真偽値として解釈する。
func parseOptionalBool(name, v string) (*bool, error) {
	switch v {
	case "":
		return nil, nil
	case "true":
		b := true
		return &b, nil
	case "false":
		b := false
		return &b, nil
	default:
		return nil, fmt.Errorf("--%s はtrueまたはfalseで指定してください: %q", name, v)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
