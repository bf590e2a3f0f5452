package ledger

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。
const schema = `
CREATE TABLE IF NOT EXISTS notification_events (
    -- イベントの一意識別子（UUID）
    id TEXT PRIMARY KEY,
    -- 通知元サブシステムの名前空間（例: "pulse.tickets"）
    module TEXT NOT NULL,
    -- モジュール内のイベント種別（例: "sla_breach"）
    event_type TEXT NOT NULL,
    -- 通知のタイトル
    title TEXT NOT NULL,
    -- 通知メッセージ本文
    message TEXT NOT NULL,
    -- 優先度（LOW / NORMAL / HIGH / CRITICAL）
    priority TEXT NOT NULL,
    -- 通知を発行したアクターの識別子
    created_by TEXT NOT NULL DEFAULT '',
    -- イベントの作成日時
    created_at DATETIME NOT NULL
);

-- モジュール別の監査照会を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_notification_events_module
    ON notification_events(module, event_type);

CREATE TABLE IF NOT EXISTS notification_deliveries (
    -- 配信レコードの一意識別子（UUID）
    id TEXT PRIMARY KEY,
    -- 所属するイベントのID
    event_id TEXT NOT NULL,
    -- 配信先のユーザーID
    user_id TEXT NOT NULL,
    -- 配信チャネル（IN_APP / EMAIL / SMS / WEBHOOK）
    channel TEXT NOT NULL,
    -- 配信状態（PENDING / SENT / FAILED）
    status TEXT NOT NULL DEFAULT 'PENDING',
    -- 配信レコードの作成日時
    attempted_at DATETIME NOT NULL,
    -- 終端状態に遷移した日時
    completed_at DATETIME,
    -- 失敗時の診断メッセージ
    error TEXT NOT NULL DEFAULT ''
);

-- (イベント, ユーザー, チャネル) ごとに1行のみ許す一意インデックス。
-- 重複挿入の冪等性はこの制約に依存する。
CREATE UNIQUE INDEX IF NOT EXISTS idx_notification_deliveries_unique
    ON notification_deliveries(event_id, user_id, channel);

-- イベント単位の配信一覧取得を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_notification_deliveries_event_id
    ON notification_deliveries(event_id);

-- 滞留PENDING検出（運用ヘルスチェック）用のインデックス。
CREATE INDEX IF NOT EXISTS idx_notification_deliveries_pending
    ON notification_deliveries(status, attempted_at) WHERE status = 'PENDING';
`

// initSchema はSQLiteデータベースに台帳スキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("台帳スキーマの適用に失敗: %w", err)
	}
	return nil
}
