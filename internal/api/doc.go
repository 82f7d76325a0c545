// Package api は通知配信サービスのHTTP APIを提供する。
//
// 受信者ごとのプッシュストリーム（text/event-stream）、通知の既読・未読・削除の操作、
// デッドレターの管理、ヘルスチェックとメトリクスのエンドポイントを含む。
package api
