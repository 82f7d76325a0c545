// 通知配信サービスのエントリポイント。
// 上流ドメインの通知イベントを取り込み、受信者ごとのプッシュストリームで配信する。
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
