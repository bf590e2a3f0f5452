package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pulseitsm/notify/pkg/notify"
)

// Ledger は通知イベントと配信レコードのSQLite台帳。
type Ledger struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// New は台帳を生成し、スキーマを適用する。
func New(db *sql.DB) (*Ledger, error) {
	if err := initSchema(db); err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// CreateEvent はイベントを台帳に追記する。イベントは追記専用であり、
// 以後更新されることはない。書き込み不能時は ErrStorageUnavailable を返す。
func (l *Ledger) CreateEvent(ctx context.Context, ev notify.Event) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO notification_events (id, module, event_type, title, message, priority, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Module, ev.EventType, ev.Title, ev.Message, string(ev.Priority), ev.CreatedBy, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: イベントの追記に失敗: %v", notify.ErrStorageUnavailable, err)
	}
	return nil
}

// GetEvent は指定IDのイベントを取得する。
// 存在しない場合は sql.ErrNoRows をラップしたエラーを返す。
func (l *Ledger) GetEvent(ctx context.Context, id string) (notify.Event, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, module, event_type, title, message, priority, created_by, created_at
		FROM notification_events WHERE id = ?`, id)

	var ev notify.Event
	var priority string
	if err := row.Scan(&ev.ID, &ev.Module, &ev.EventType, &ev.Title, &ev.Message, &priority, &ev.CreatedBy, &ev.CreatedAt); err != nil {
		return notify.Event{}, fmt.Errorf("イベントの取得に失敗: %w", err)
	}
	ev.Priority = notify.Priority(priority)
	return ev, nil
}

// DeliveryKey は配信レコード作成時の (ユーザー, チャネル) の組を表す。
type DeliveryKey struct {
	// UserID は配信先のユーザーID。
	UserID string
	// Channel は配信チャネル。
	Channel notify.Channel
}

// CreateDeliveries は1イベント分の配信レコードを一括作成する。
// すべての行は同じattempted_atを持ち、単一トランザクションで挿入される
// （部分的な挿入結果が観測されることはない）。
// 既に同じ (event_id, user_id, channel) の行が存在する場合は
// 新規挿入せず既存行を返すため、リトライしても行が重複しない。
func (l *Ledger) CreateDeliveries(ctx context.Context, eventID string, keys []DeliveryKey) ([]notify.Delivery, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: トランザクション開始に失敗: %v", notify.ErrStorageUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	attemptedAt := time.Now().UTC()
	deliveries := make([]notify.Delivery, 0, len(keys))

	for _, key := range keys {
		id := uuid.New().String()
		// 一意制約に衝突した場合は何もしない（冪等な再試行）
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notification_deliveries (id, event_id, user_id, channel, status, attempted_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id, user_id, channel) DO NOTHING`,
			id, eventID, key.UserID, string(key.Channel), string(notify.StatusPending), attemptedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: 配信レコードの作成に失敗: %v", notify.ErrStorageUnavailable, err)
		}

		d, err := scanDelivery(tx.QueryRowContext(ctx, `
			SELECT id, event_id, user_id, channel, status, attempted_at, completed_at, error
			FROM notification_deliveries
			WHERE event_id = ? AND user_id = ? AND channel = ?`,
			eventID, key.UserID, string(key.Channel),
		))
		if err != nil {
			return nil, fmt.Errorf("%w: 配信レコードの読み戻しに失敗: %v", notify.ErrStorageUnavailable, err)
		}
		deliveries = append(deliveries, d)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: トランザクションのコミットに失敗: %v", notify.ErrStorageUnavailable, err)
	}
	return deliveries, nil
}

// UpdateDeliveryStatus は配信レコードを終端状態（SENT / FAILED）に遷移させる。
// PENDING以外の行は更新しない。終端状態からの再遷移は存在しないため、
// 対象行がPENDINGでない場合はエラーを返す。
func (l *Ledger) UpdateDeliveryStatus(ctx context.Context, deliveryID string, status notify.Status, errMsg string) error {
	if status != notify.StatusSent && status != notify.StatusFailed {
		return fmt.Errorf("終端状態以外への遷移は許可されていません: %s", status)
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE notification_deliveries
		SET status = ?, completed_at = ?, error = ?
		WHERE id = ? AND status = ?`,
		string(status), time.Now().UTC(), errMsg, deliveryID, string(notify.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("%w: 配信状態の更新に失敗: %v", notify.ErrStorageUnavailable, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: 更新行数の取得に失敗: %v", notify.ErrStorageUnavailable, err)
	}
	if affected == 0 {
		return fmt.Errorf("配信レコードが存在しないか既に終端状態です: id=%s", deliveryID)
	}
	return nil
}

// ListDeliveriesByEventID は指定イベントの配信レコードを全件取得する。
func (l *Ledger) ListDeliveriesByEventID(ctx context.Context, eventID string) ([]notify.Delivery, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, event_id, user_id, channel, status, attempted_at, completed_at, error
		FROM notification_deliveries
		WHERE event_id = ?
		ORDER BY user_id, channel`, eventID)
	if err != nil {
		return nil, fmt.Errorf("配信レコードの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectDeliveries(rows)
}

// ListStalePending は指定日時より前に作成され、まだPENDINGのままの
// 配信レコードを取得する。滞留検出は運用者向けのヘルスシグナルであり、
// エンジンが自動リトライすることはない。
func (l *Ledger) ListStalePending(ctx context.Context, before time.Time) ([]notify.Delivery, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, event_id, user_id, channel, status, attempted_at, completed_at, error
		FROM notification_deliveries
		WHERE status = ? AND attempted_at < ?
		ORDER BY attempted_at`, string(notify.StatusPending), before.UTC())
	if err != nil {
		return nil, fmt.Errorf("滞留PENDINGの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectDeliveries(rows)
}

// rowScanner はsql.Rowとsql.Rowsの共通スキャンインターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDelivery は1行を配信レコードに変換する。
func scanDelivery(row rowScanner) (notify.Delivery, error) {
	var d notify.Delivery
	var channel, status string
	var completedAt sql.NullTime
	if err := row.Scan(&d.ID, &d.EventID, &d.UserID, &channel, &status, &d.AttemptedAt, &completedAt, &d.Error); err != nil {
		return notify.Delivery{}, err
	}
	d.Channel = notify.Channel(channel)
	d.Status = notify.Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return d, nil
}

// collectDeliveries は結果セット全体を配信レコードのスライスに変換する。
func collectDeliveries(rows *sql.Rows) ([]notify.Delivery, error) {
	deliveries := make([]notify.Delivery, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("配信レコードの変換に失敗: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}
