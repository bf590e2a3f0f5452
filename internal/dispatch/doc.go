// Package dispatch は通知ディスパッチのオーケストレーションとHTTP APIを提供する。
//
// オーケストレータはリクエストの検証、イベントの台帳追記、宛先と実効チャネルの
// 解決、配信レコードの一括作成、チャネル送信のファンアウト、配信状態の更新を
// 一連のパイプラインとして実行する。同一イベント内の配信は共有状態を持たず、
// 上限付きワーカープールで並行送信される。
package dispatch
