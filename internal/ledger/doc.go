// Package ledger は通知イベントと配信レコードの台帳を提供する。
//
// 受理された通知リクエストごとに1件のイベントを追記し、
// 宛先ユーザーとチャネルの組み合わせごとに配信レコードを作成して
// 状態遷移（PENDING → SENT / FAILED）を記録する。
// イベントは作成後不変であり、配信レコードは削除されない。
package ledger
