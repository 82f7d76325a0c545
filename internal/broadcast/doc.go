// Package broadcast はレプリカ間で通知の作成と変更を配信する内部ブロードキャストを提供する。
//
// 各チャネルはレプリカごとに1本の上流購読を持ち、最初のローカル購読者が現れたときに開始し、
// 最後の購読者が去ったときに解放する。上流から届いたイベントは購読者ごとのバッファに
// ノンブロッキングで渡され、バッファが満杯の購読者の分は破棄される。
//
// 上流はKafka（レプリカごとに一意なクライアントIDでグループなし購読）か、
// 単一プロセス構成とテスト用のLoopbackのどちらか。
package broadcast
