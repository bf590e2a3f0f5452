// Package recipient は通知リクエストの宛先指定を具体的なユーザーID集合へ
// 展開する。
//
// 明示的なユーザーIDリストとセレクタ（全アクティブユーザー、ロール指定等）の
// 和集合を重複排除して返す。結果には解決時点でユーザーディレクトリが
// アクティブとみなすユーザーのみが含まれる。
package recipient
