package notification

import "errors"

var (
	// ErrNotFound は通知が存在しない（または論理削除済みである）ことを表す。
	ErrNotFound = errors.New("通知が見つかりません")
	// ErrForbidden は他の受信者の通知を操作しようとしたことを表す。
	ErrForbidden = errors.New("この通知を操作する権限がありません")
)
