package notify

import "errors"

// エンジンのエラー分類。呼び出し側は errors.Is で判別する。
var (
	// ErrInvalidPayload は必須フィールド欠落等の不正なリクエストを表す。
	// このエラーの場合、何も永続化されない。
	ErrInvalidPayload = errors.New("notify: 通知ペイロードが不正です")

	// ErrInvalidSelector は未知の宛先セレクタを表す。
	ErrInvalidSelector = errors.New("notify: 宛先セレクタが不正です")

	// ErrRecipientResolutionFailed はユーザーディレクトリに到達できず
	// 宛先解決に失敗したことを表す。エンジン内でリトライはしない。
	ErrRecipientResolutionFailed = errors.New("notify: 宛先解決に失敗しました")

	// ErrStorageUnavailable は台帳への書き込みが不可能であることを表す。
	// 該当ペイロードに対して致命的なエラー。
	ErrStorageUnavailable = errors.New("notify: ストレージが利用できません")

	// ErrChannelSendFailed はチャネル送信の失敗を表す。配信レコードの
	// FAILED状態として記録され、他の配信やバッチを中断させない。
	ErrChannelSendFailed = errors.New("notify: チャネル送信に失敗しました")

	// ErrUnknownChannel はレジストリに登録されていないチャネルを表す。
	// 主にユーザー設定の更新時の検証で返される。
	ErrUnknownChannel = errors.New("notify: 未知のチャネルです")
)
