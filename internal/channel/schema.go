package channel

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。
const schema = `
CREATE TABLE IF NOT EXISTS user_notifications (
    -- 受信箱エントリの一意識別子。配信レコードのIDと同一
    id TEXT PRIMARY KEY,
    -- 通知先のユーザーID
    user_id TEXT NOT NULL,
    -- 通知のタイトル
    title TEXT NOT NULL,
    -- 通知メッセージ
    message TEXT NOT NULL,
    -- 優先度（LOW / NORMAL / HIGH / CRITICAL）
    priority TEXT NOT NULL,
    -- 通知の既読状態
    is_read INTEGER NOT NULL DEFAULT 0,
    -- 通知の作成日時
    created_at DATETIME NOT NULL
);

-- ユーザーIDでの検索を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_user_notifications_user_id
    ON user_notifications(user_id);

-- 未読通知の検索を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_user_notifications_unread
    ON user_notifications(user_id, is_read) WHERE is_read = 0;
`

// initSchema はSQLiteデータベースに受信箱スキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("受信箱スキーマの適用に失敗: %w", err)
	}
	return nil
}
