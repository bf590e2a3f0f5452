package preference

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pulseitsm/notify/pkg/notify"
)

// Accessor はユーザー設定の保存域へのアクセスを抽象化する。
// 本番実装はSQLiteの *Store。テストではインメモリ実装を差し替えられる。
type Accessor interface {
	// Get は (ユーザー, モジュール, イベント種別) に完全一致する設定行を返す。
	// 行が存在しない場合は found=false を返す。
	Get(ctx context.Context, userID, module, eventType string) (pref notify.Preference, found bool, err error)
	// Upsert は設定行を単一のアトミックな文で挿入または更新する。
	Upsert(ctx context.Context, pref notify.Preference) error
	// ListByUser は指定ユーザーの全設定行を返す。
	ListByUser(ctx context.Context, userID string) ([]notify.Preference, error)
}

// Store はユーザー通知設定のSQLite保存域。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// 静的検査: StoreはAccessorを実装する。
var _ Accessor = (*Store)(nil)

// NewStore は設定保存域を生成し、スキーマを適用する。
func NewStore(db *sql.DB) (*Store, error) {
	if err := initSchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Get は (ユーザー, モジュール, イベント種別) に完全一致する設定行を返す。
func (s *Store) Get(ctx context.Context, userID, module, eventType string) (notify.Preference, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, module, event_type, channels, enabled, priority_threshold
		FROM notification_preferences
		WHERE user_id = ? AND module = ? AND event_type = ?`,
		userID, module, eventType)

	pref, err := scanPreference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Preference{}, false, nil
	}
	if err != nil {
		return notify.Preference{}, false, fmt.Errorf("設定行の取得に失敗: %w", err)
	}
	return pref, true, nil
}

// Upsert は設定行を挿入または更新する。一意制約への衝突時は既存行を
// 上書きする単一のアトミックな文であるため、並行する読み取りと
// 競合しても中途半端な状態が観測されることはない。
func (s *Store) Upsert(ctx context.Context, pref notify.Preference) error {
	channelsJSON, err := json.Marshal(pref.Channels)
	if err != nil {
		return fmt.Errorf("チャネル集合のシリアライズに失敗: %w", err)
	}

	var threshold sql.NullString
	if pref.PriorityThreshold != nil {
		threshold = sql.NullString{String: string(*pref.PriorityThreshold), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (id, user_id, module, event_type, channels, enabled, priority_threshold, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, module, event_type) DO UPDATE SET
			channels = excluded.channels,
			enabled = excluded.enabled,
			priority_threshold = excluded.priority_threshold,
			updated_at = excluded.updated_at`,
		pref.ID, pref.UserID, pref.Module, pref.EventType,
		string(channelsJSON), boolToInt(pref.Enabled), threshold, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: 設定行のupsertに失敗: %v", notify.ErrStorageUnavailable, err)
	}
	return nil
}

// ListByUser は指定ユーザーの全設定行をモジュール・イベント種別順に返す。
func (s *Store) ListByUser(ctx context.Context, userID string) ([]notify.Preference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, module, event_type, channels, enabled, priority_threshold
		FROM notification_preferences
		WHERE user_id = ?
		ORDER BY module, event_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("設定一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	prefs := make([]notify.Preference, 0)
	for rows.Next() {
		pref, err := scanPreference(rows)
		if err != nil {
			return nil, fmt.Errorf("設定行の変換に失敗: %w", err)
		}
		prefs = append(prefs, pref)
	}
	return prefs, rows.Err()
}

// rowScanner はsql.Rowとsql.Rowsの共通スキャンインターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanPreference は1行を設定レコードに変換する。
func scanPreference(row rowScanner) (notify.Preference, error) {
	var pref notify.Preference
	var channelsJSON string
	var enabled int
	var threshold sql.NullString

	if err := row.Scan(&pref.ID, &pref.UserID, &pref.Module, &pref.EventType, &channelsJSON, &enabled, &threshold); err != nil {
		return notify.Preference{}, err
	}

	if err := json.Unmarshal([]byte(channelsJSON), &pref.Channels); err != nil {
		return notify.Preference{}, fmt.Errorf("チャネル集合のデシリアライズに失敗: %w", err)
	}
	pref.Enabled = enabled != 0
	if threshold.Valid {
		p := notify.Priority(threshold.String)
		pref.PriorityThreshold = &p
	}
	return pref, nil
}

// boolToInt はSQLite格納用にboolを0/1へ変換する。
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
