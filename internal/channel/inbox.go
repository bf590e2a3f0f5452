package channel

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pulseitsm/notify/pkg/notify"
)

// InboxNotification はアプリ内受信箱の1エントリを表す。
type InboxNotification struct {
	// ID は受信箱エントリの一意識別子。
	ID string `json:"id"`
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Priority は通知の優先度。
	Priority notify.Priority `json:"priority"`
	// IsRead は通知の既読状態。
	IsRead bool `json:"is_read"`
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time `json:"created_at"`
}

// Inbox はアプリ内通知のSQLite保存域。
// IN_APPチャネルの書き込み先であり、受信箱APIの読み取り元でもある。
type Inbox struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewInbox は受信箱を生成し、スキーマを適用する。
func NewInbox(db *sql.DB) (*Inbox, error) {
	if err := initSchema(db); err != nil {
		return nil, err
	}
	return &Inbox{db: db}, nil
}

// Insert は受信箱へ通知を追加する。idには配信レコードのIDを使うため、
// 同じ配信の再送で受信箱エントリが重複することはない。
func (i *Inbox) Insert(ctx context.Context, n InboxNotification) error {
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO user_notifications (id, user_id, title, message, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		n.ID, n.UserID, n.Title, n.Message, string(n.Priority), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("受信箱への追加に失敗: %w", err)
	}
	return nil
}

// ListByUser は指定ユーザーの通知を新しい順に返す。
func (i *Inbox) ListByUser(ctx context.Context, userID string) ([]InboxNotification, error) {
	return i.list(ctx, `
		SELECT id, user_id, title, message, priority, is_read, created_at
		FROM user_notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, id`, userID)
}

// ListUnread は指定ユーザーの未読通知を新しい順に返す。
func (i *Inbox) ListUnread(ctx context.Context, userID string) ([]InboxNotification, error) {
	return i.list(ctx, `
		SELECT id, user_id, title, message, priority, is_read, created_at
		FROM user_notifications
		WHERE user_id = ? AND is_read = 0
		ORDER BY created_at DESC, id`, userID)
}

// Get は指定IDの通知を取得する。
func (i *Inbox) Get(ctx context.Context, id string) (InboxNotification, error) {
	row := i.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, message, priority, is_read, created_at
		FROM user_notifications WHERE id = ?`, id)

	n, err := scanInboxNotification(row)
	if err != nil {
		return InboxNotification{}, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return n, nil
}

// MarkAsRead は指定された通知を既読にする。
func (i *Inbox) MarkAsRead(ctx context.Context, id string) error {
	if _, err := i.db.ExecContext(ctx, `UPDATE user_notifications SET is_read = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("既読処理に失敗: %w", err)
	}
	return nil
}

// MarkAllAsRead は指定ユーザーの全通知を既読にする。
func (i *Inbox) MarkAllAsRead(ctx context.Context, userID string) error {
	if _, err := i.db.ExecContext(ctx, `UPDATE user_notifications SET is_read = 1 WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("全既読処理に失敗: %w", err)
	}
	return nil
}

// list は共通の一覧取得処理。
func (i *Inbox) list(ctx context.Context, query string, args ...any) ([]InboxNotification, error) {
	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	notifications := make([]InboxNotification, 0)
	for rows.Next() {
		n, err := scanInboxNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("通知行の変換に失敗: %w", err)
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// rowScanner はsql.Rowとsql.Rowsの共通スキャンインターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanInboxNotification は1行を受信箱エントリに変換する。
func scanInboxNotification(row rowScanner) (InboxNotification, error) {
	var n InboxNotification
	var priority string
	var isRead int
	if err := row.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &priority, &isRead, &n.CreatedAt); err != nil {
		return InboxNotification{}, err
	}
	n.Priority = notify.Priority(priority)
	n.IsRead = isRead != 0
	return n, nil
}

// InAppSender はアプリ内受信箱へ書き込むIN_APPチャネルの配信実装。
type InAppSender struct {
	// inbox は書き込み先の受信箱。
	inbox *Inbox
}

// 静的検査: InAppSenderはSenderを実装する。
var _ Sender = (*InAppSender)(nil)

// NewInAppSender はIN_APPチャネルの配信実装を生成する。
func NewInAppSender(inbox *Inbox) *InAppSender {
	return &InAppSender{inbox: inbox}
}

// Channel は担当するチャネル識別子を返す。
func (s *InAppSender) Channel() notify.Channel {
	return notify.ChannelInApp
}

// Send は受信箱へ通知エントリを書き込む。
func (s *InAppSender) Send(ctx context.Context, ev notify.Event, d notify.Delivery) error {
	return s.inbox.Insert(ctx, InboxNotification{
		ID:       d.ID,
		UserID:   d.UserID,
		Title:    ev.Title,
		Message:  ev.Message,
		Priority: ev.Priority,
	})
}
