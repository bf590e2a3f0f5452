// Package preference はユーザー通知設定の保存と実効チャネルの解決を提供する。
//
// 設定は (ユーザー, モジュール, イベント種別) ごとに1行で保存され、
// モジュール・イベント種別にはワイルドカード "*" を指定できる。
// 解決時は 完全一致 > (モジュール, *) > (*, *) > 組み込みデフォルト の
// 具体度順で最初に見つかった行を適用する。
// CRITICAL優先度のイベントは設定に関わらず必ずIN_APPチャネルを含む。
package preference
