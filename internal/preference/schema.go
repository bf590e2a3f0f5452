package preference

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。
const schema = `
CREATE TABLE IF NOT EXISTS notification_preferences (
    -- 設定レコードの一意識別子（UUID）
    id TEXT PRIMARY KEY,
    -- 設定の所有ユーザーID
    user_id TEXT NOT NULL,
    -- 対象モジュール。ワイルドカード "*" を許容する
    module TEXT NOT NULL,
    -- 対象イベント種別。ワイルドカード "*" を許容する
    event_type TEXT NOT NULL,
    -- 配信チャネルの集合（JSON配列）
    channels TEXT NOT NULL,
    -- このスコープの通知を受け取るかどうか
    enabled INTEGER NOT NULL DEFAULT 1,
    -- この設定が適用される最低優先度。NULLはすべての優先度
    priority_threshold TEXT,
    -- 設定の最終更新日時
    updated_at DATETIME NOT NULL
);

-- (ユーザー, モジュール, イベント種別) ごとに1行のみ許す一意インデックス。
-- 冪等なupsertはこの制約に依存する。
CREATE UNIQUE INDEX IF NOT EXISTS idx_notification_preferences_unique
    ON notification_preferences(user_id, module, event_type);
`

// initSchema はSQLiteデータベースに設定スキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("設定スキーマの適用に失敗: %w", err)
	}
	return nil
}
