// Package httpclient は周辺サービスのJSON APIを呼び出すHTTPクライアントを提供する。
//
// 通知サービスではリーダー選出サイドカーへの問い合わせに使う。
package httpclient
