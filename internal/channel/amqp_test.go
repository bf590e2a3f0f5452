package channel

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pulseitsm/notify/pkg/notify"
)

// fakePublisher はテスト用のAMQP発行先。発行内容を記録し、固定エラーを返せる。
type fakePublisher struct {
	err    error
	queues []string
	msgs   []amqp.Publishing
}

// PublishWithContext は発行内容を記録して固定エラーを返す。
func (f *fakePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.queues = append(f.queues, key)
	f.msgs = append(f.msgs, msg)
	return nil
}

// TestQueueSenderSend はキュー発行の内容を検証する。
func TestQueueSenderSend(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	s := NewQueueSender(notify.ChannelEmail, pub, "notify.email")

	if s.Channel() != notify.ChannelEmail {
		t.Errorf("Channel() = %q, want %q", s.Channel(), notify.ChannelEmail)
	}

	ev := notify.Event{
		ID:        "e1",
		Module:    "pulse.tickets",
		EventType: "sla_breach",
		Title:     "SLA違反",
		Message:   "チケット#42のSLA期限を超過しました",
		Priority:  notify.PriorityHigh,
	}
	d := notify.Delivery{ID: "d1", EventID: "e1", UserID: "u1", Channel: notify.ChannelEmail}

	if err := s.Send(context.Background(), ev, d); err != nil {
		t.Fatalf("Send() = %v, want nil", err)
	}

	if len(pub.msgs) != 1 {
		t.Fatalf("発行数: got %d, want 1", len(pub.msgs))
	}
	if pub.queues[0] != "notify.email" {
		t.Errorf("キュー名: got %q, want notify.email", pub.queues[0])
	}

	msg := pub.msgs[0]
	if msg.ContentType != "application/json" {
		t.Errorf("ContentType: got %q, want application/json", msg.ContentType)
	}
	if msg.DeliveryMode != amqp.Persistent {
		t.Errorf("DeliveryMode: got %d, want Persistent", msg.DeliveryMode)
	}
	if msg.MessageId != "d1" {
		t.Errorf("MessageId: got %q, want d1", msg.MessageId)
	}

	var qm QueueMessage
	if err := json.Unmarshal(msg.Body, &qm); err != nil {
		t.Fatalf("ペイロードのデコードに失敗: %v", err)
	}
	if qm.DeliveryID != "d1" {
		t.Errorf("DeliveryID: got %q, want d1", qm.DeliveryID)
	}
	if qm.EventID != "e1" {
		t.Errorf("EventID: got %q, want e1", qm.EventID)
	}
	if qm.UserID != "u1" {
		t.Errorf("UserID: got %q, want u1", qm.UserID)
	}
	if qm.Channel != notify.ChannelEmail {
		t.Errorf("Channel: got %q, want EMAIL", qm.Channel)
	}
	if qm.Priority != notify.PriorityHigh {
		t.Errorf("Priority: got %q, want HIGH", qm.Priority)
	}
}

// TestQueueSenderSendUnreachable はブローカー到達不能時のエラー分類を検証する。
func TestQueueSenderSendUnreachable(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{err: errors.New("connection refused")}
	s := NewQueueSender(notify.ChannelSMS, pub, "notify.sms")

	err := s.Send(context.Background(), notify.Event{ID: "e1"}, notify.Delivery{ID: "d1"})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("Send() = %v, want ErrUnreachable", err)
	}
}
