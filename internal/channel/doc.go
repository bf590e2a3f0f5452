// Package channel は配信チャネルのレジストリと各チャネルの配信能力を提供する。
//
// チャネルは閉じた列挙であり、レジストリが識別子と実装の対応を管理する。
// IN_APPチャネルはアプリ内受信箱への書き込みとして本パッケージ内で完結する。
// EMAIL / SMS / WEBHOOK は外部トランスポートワーカーへのハンドオフであり、
// 配信ペイロードをチャネル別のRabbitMQキューへ発行する。
// レジストリはリトライを行わない。リトライ方針は呼び出し側の責務。
package channel
