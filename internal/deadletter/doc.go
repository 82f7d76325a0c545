// Package deadletter は取り込みに失敗したメッセージの記録と、その再処理ジョブを提供する。
//
// デッドレターは失敗した試行ごとに1件作られ、自動では削除されない。
// オペレーターが再処理フラグを立てると、リーダーのレプリカで定期実行される
// Schedulerが取り込みと同じ書き込み経路でメッセージを再生する。
//
// 状態遷移: 作成 → 再処理待ち（reprocess=1） → 成功（processed=1）| 失敗（reprocess=0, error_message更新）
package deadletter
