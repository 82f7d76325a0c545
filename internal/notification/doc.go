// Package notification は通知の永続化と参照を提供する。
//
// 通知はMESSAGEとLOST_ACCESSの2種類に閉じた直和型で表す。
// 既読・未読・論理削除の操作は、永続化の後にChangeEventを発行する。
// 通知を物理削除する操作は持たない。
package notification
