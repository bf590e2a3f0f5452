// Package notify は通知ディスパッチエンジンの共有ドメイン型を提供する。
//
// 通知イベント・配信レコード・ユーザー設定・チャネル・優先度など、
// エンジン内の各コンポーネント（宛先解決、設定解決、チャネルレジストリ、
// イベント台帳、ディスパッチオーケストレータ）が共通で扱う型と
// エラー種別をここに集約する。
package notify
