// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// NAVidentクレームを持つJWTの検証、problem+json形式のエラーレスポンス、
// パニックリカバリ、リクエストログ、CORS設定を含む。
package middleware
