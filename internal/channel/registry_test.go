package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/pulseitsm/notify/pkg/notify"
)

// fakeSender はテスト用の配信実装。呼び出しを記録し、固定エラーを返せる。
type fakeSender struct {
	channel notify.Channel
	err     error
	calls   []notify.Delivery
}

// Channel は担当するチャネル識別子を返す。
func (f *fakeSender) Channel() notify.Channel {
	return f.channel
}

// Send は呼び出しを記録して固定エラーを返す。
func (f *fakeSender) Send(_ context.Context, _ notify.Event, d notify.Delivery) error {
	f.calls = append(f.calls, d)
	return f.err
}

// TestRegistryIsKnown はチャネル登録の照会を検証する。
func TestRegistryIsKnown(t *testing.T) {
	t.Parallel()

	r := NewRegistry(
		&fakeSender{channel: notify.ChannelInApp},
		&fakeSender{channel: notify.ChannelEmail},
	)

	tests := []struct {
		name string
		ch   notify.Channel
		want bool
	}{
		{
			name: "登録済みチャネルはtrueとなること",
			ch:   notify.ChannelInApp,
			want: true,
		},
		{
			name: "未登録チャネルはfalseとなること",
			ch:   notify.ChannelSMS,
			want: false,
		},
		{
			name: "空の識別子はfalseとなること",
			ch:   notify.Channel(""),
			want: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := r.IsKnown(tt.ch); got != tt.want {
				t.Errorf("IsKnown(%q) = %v, want %v", tt.ch, got, tt.want)
			}
		})
	}
}

// TestRegistryChannels は登録済みチャネル一覧の取得を検証する。
func TestRegistryChannels(t *testing.T) {
	t.Parallel()

	r := NewRegistry(
		&fakeSender{channel: notify.ChannelInApp},
		&fakeSender{channel: notify.ChannelEmail},
	)

	got := r.Channels()
	if len(got) != 2 {
		t.Errorf("チャネル数: got %d, want 2", len(got))
	}
}

// TestRegistrySend はチャネル実装への振り分けを検証する。
func TestRegistrySend(t *testing.T) {
	t.Parallel()

	t.Run("対応する実装のSendが呼ばれること", func(t *testing.T) {
		t.Parallel()
		inApp := &fakeSender{channel: notify.ChannelInApp}
		email := &fakeSender{channel: notify.ChannelEmail}
		r := NewRegistry(inApp, email)

		d := notify.Delivery{ID: "d1", UserID: "u1", Channel: notify.ChannelEmail}
		if err := r.Send(context.Background(), notify.ChannelEmail, notify.Event{ID: "e1"}, d); err != nil {
			t.Fatalf("Send() = %v, want nil", err)
		}

		if len(email.calls) != 1 {
			t.Fatalf("EMAILの呼び出し回数: got %d, want 1", len(email.calls))
		}
		if len(inApp.calls) != 0 {
			t.Errorf("IN_APPの呼び出し回数: got %d, want 0", len(inApp.calls))
		}
	})

	t.Run("実装のエラーはErrChannelSendFailedでラップされ元の分類も保持すること", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry(&fakeSender{channel: notify.ChannelEmail, err: ErrRateLimited})

		err := r.Send(context.Background(), notify.ChannelEmail, notify.Event{}, notify.Delivery{})
		if !errors.Is(err, notify.ErrChannelSendFailed) {
			t.Errorf("Send() = %v, want ErrChannelSendFailed", err)
		}
		if !errors.Is(err, ErrRateLimited) {
			t.Errorf("Send() = %v, want ErrRateLimited", err)
		}
	})

	t.Run("未登録チャネルはErrUnknownChannelとなること", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()

		err := r.Send(context.Background(), notify.ChannelSMS, notify.Event{}, notify.Delivery{})
		if !errors.Is(err, notify.ErrUnknownChannel) {
			t.Errorf("Send() = %v, want ErrUnknownChannel", err)
		}
	})
}
