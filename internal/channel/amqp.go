package channel

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pulseitsm/notify/pkg/notify"
)

// Publisher はAMQPチャネルのうちキュー発行に使用する操作を抽象化する。
// 本番では *amqp.Channel が満たす。
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// QueueMessage は外部トランスポートワーカーへ渡す配信ペイロードのJSON構造。
// ワーカーは状態を持たないため、配信に必要な情報をすべて含める。
type QueueMessage struct {
	// DeliveryID は配信レコードの一意識別子。
	DeliveryID string `json:"delivery_id"`
	// EventID は所属するイベントのID。
	EventID string `json:"event_id"`
	// UserID は配信先のユーザーID。
	UserID string `json:"user_id"`
	// Channel は配信チャネル。
	Channel notify.Channel `json:"channel"`
	// Module は通知元サブシステムの名前空間。
	Module string `json:"module"`
	// EventType はモジュール内のイベント種別。
	EventType string `json:"event_type"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ本文。
	Message string `json:"message"`
	// Priority は通知の優先度。
	Priority notify.Priority `json:"priority"`
}

// QueueSender は配信ペイロードをチャネル別キューへ発行する配信実装。
// トランスポート本体（SMTP、SMSゲートウェイ等）はキューを購読する
// 外部ワーカーの責務であり、このエンジンには含まれない。
type QueueSender struct {
	// channel は担当するチャネル識別子。
	channel notify.Channel
	// pub はAMQPの発行先。
	pub Publisher
	// queue は発行先のキュー名。
	queue string
}

// 静的検査: QueueSenderはSenderを実装する。
var _ Sender = (*QueueSender)(nil)

// NewQueueSender は指定チャネル用のキュー発行配信実装を生成する。
// キュー名は "notify.email" のようにチャネルごとに分ける。
func NewQueueSender(ch notify.Channel, pub Publisher, queue string) *QueueSender {
	return &QueueSender{channel: ch, pub: pub, queue: queue}
}

// Channel は担当するチャネル識別子を返す。
func (s *QueueSender) Channel() notify.Channel {
	return s.channel
}

// Send は配信ペイロードをキューへ発行する。
// ブローカーに到達できない場合は ErrUnreachable をラップして返す。
func (s *QueueSender) Send(ctx context.Context, ev notify.Event, d notify.Delivery) error {
	body, err := json.Marshal(QueueMessage{
		DeliveryID: d.ID,
		EventID:    ev.ID,
		UserID:     d.UserID,
		Channel:    s.channel,
		Module:     ev.Module,
		EventType:  ev.EventType,
		Title:      ev.Title,
		Message:    ev.Message,
		Priority:   ev.Priority,
	})
	if err != nil {
		return fmt.Errorf("配信ペイロードのシリアライズに失敗: %w", err)
	}

	err = s.pub.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    d.ID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%w: キュー %q への発行に失敗: %v", ErrUnreachable, s.queue, err)
	}
	return nil
}

// DeclareQueue は配信キューを宣言する。起動時に各チャネル分呼び出す。
func DeclareQueue(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("キュー %q の宣言に失敗: %w", queue, err)
	}
	return nil
}
