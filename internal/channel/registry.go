package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/pulseitsm/notify/pkg/notify"
)

// チャネル送信の失敗分類。送信実装は errors.Is で判別可能な
// これらのエラーをラップして返す。
var (
	// ErrUnreachable はトランスポートに到達できないことを表す。
	ErrUnreachable = errors.New("channel: トランスポートに到達できません")

	// ErrInvalidRecipientAddress は宛先アドレスが不正であることを表す。
	ErrInvalidRecipientAddress = errors.New("channel: 宛先アドレスが不正です")

	// ErrRateLimited はトランスポートのレート制限に達したことを表す。
	ErrRateLimited = errors.New("channel: レート制限に達しました")
)

// Sender は1チャネル分の配信能力を表す。
// 配信レコードとイベントを受け取り、トランスポート固有の配信を試行する。
type Sender interface {
	// Channel は担当するチャネル識別子を返す。
	Channel() notify.Channel
	// Send は1件の配信を試行する。失敗時は分類済みエラーを返す。
	Send(ctx context.Context, ev notify.Event, d notify.Delivery) error
}

// Registry はチャネル識別子と配信実装の対応を管理する。
type Registry struct {
	// senders はチャネル識別子をキーとする配信実装の表。
	senders map[notify.Channel]Sender
}

// NewRegistry は指定された配信実装からレジストリを生成する。
func NewRegistry(senders ...Sender) *Registry {
	m := make(map[notify.Channel]Sender, len(senders))
	for _, s := range senders {
		m[s.Channel()] = s
	}
	return &Registry{senders: m}
}

// IsKnown は指定チャネルが登録済みであるかを返す。
// ユーザー設定の更新時の検証に使用される。
func (r *Registry) IsKnown(ch notify.Channel) bool {
	_, ok := r.senders[ch]
	return ok
}

// Channels は登録済みチャネルの一覧を返す。
func (r *Registry) Channels() []notify.Channel {
	channels := make([]notify.Channel, 0, len(r.senders))
	for ch := range r.senders {
		channels = append(channels, ch)
	}
	return channels
}

// Send は指定チャネルで1件の配信を試行する。
// 設定は保存時に検証されるため、通常ここで未知のチャネルに出会うことはない。
func (r *Registry) Send(ctx context.Context, ch notify.Channel, ev notify.Event, d notify.Delivery) error {
	s, ok := r.senders[ch]
	if !ok {
		return fmt.Errorf("%w: %q", notify.ErrUnknownChannel, ch)
	}
	if err := s.Send(ctx, ev, d); err != nil {
		return fmt.Errorf("%w: channel=%s: %w", notify.ErrChannelSendFailed, ch, err)
	}
	return nil
}
