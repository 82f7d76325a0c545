// Package ingest は通知トピックからイベントを取り込み、通知として保存する。
//
// パーティションの順序を保つため、コンシューマーグループごとに1つのループで
// 1件ずつ処理する。書き込みに失敗したメッセージは決められた回数まで再試行し、
// それでも失敗したものはデッドレターに記録してからオフセットを進める。
package ingest
