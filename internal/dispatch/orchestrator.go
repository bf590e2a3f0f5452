package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulseitsm/notify/internal/ledger"
	"github.com/pulseitsm/notify/internal/preference"
	"github.com/pulseitsm/notify/pkg/notify"
)

// Ledger はイベントと配信レコードの台帳を抽象化する。
// 本番実装は internal/ledger の SQLite台帳。
type Ledger interface {
	// CreateEvent はイベントを追記する。
	CreateEvent(ctx context.Context, ev notify.Event) error
	// GetEvent は指定IDのイベントを取得する。
	GetEvent(ctx context.Context, id string) (notify.Event, error)
	// CreateDeliveries は1イベント分の配信レコードを冪等に一括作成する。
	CreateDeliveries(ctx context.Context, eventID string, keys []ledger.DeliveryKey) ([]notify.Delivery, error)
	// UpdateDeliveryStatus は配信レコードを終端状態へ遷移させる。
	UpdateDeliveryStatus(ctx context.Context, deliveryID string, status notify.Status, errMsg string) error
	// ListDeliveriesByEventID は指定イベントの配信レコードを返す。
	ListDeliveriesByEventID(ctx context.Context, eventID string) ([]notify.Delivery, error)
	// ListStalePending は滞留中のPENDINGレコードを返す。
	ListStalePending(ctx context.Context, before time.Time) ([]notify.Delivery, error)
}

// RecipientResolver は宛先指定のユーザーID集合への展開を抽象化する。
type RecipientResolver interface {
	// Resolve は重複排除済みのアクティブユーザーID集合を返す。
	Resolve(ctx context.Context, p notify.Payload) ([]string, error)
}

// PreferenceResolver はユーザー設定からの実効チャネル解決を抽象化する。
type PreferenceResolver interface {
	// EffectiveChannels は実効チャネル集合を返す。
	EffectiveChannels(ctx context.Context, userID, module, eventType string, priority notify.Priority) ([]notify.Channel, error)
	// UpdatePreferences は設定エントリを冪等にupsertする。
	UpdatePreferences(ctx context.Context, userID string, entries []preference.Entry) []preference.EntryResult
	// ListPreferences は保存済み設定を返す。
	ListPreferences(ctx context.Context, userID string) ([]notify.Preference, error)
}

// ChannelRegistry はチャネル実装への送信振り分けを抽象化する。
type ChannelRegistry interface {
	// Send は指定チャネルで1件の配信を試行する。
	Send(ctx context.Context, ch notify.Channel, ev notify.Event, d notify.Delivery) error
	// IsKnown は指定チャネルが登録済みであるかを返す。
	IsKnown(ch notify.Channel) bool
}

// デフォルトの並行度とタイムアウト。
const (
	// DefaultBatchConcurrency はsendBatchのペイロード並列数のデフォルト。
	DefaultBatchConcurrency = 4
	// DefaultDeliveryConcurrency は1イベント内の配信ワーカー数のデフォルト。
	DefaultDeliveryConcurrency = 8
	// DefaultSendTimeout は1配信あたりのチャネル送信タイムアウトのデフォルト。
	DefaultSendTimeout = 10 * time.Second
)

// Config はオーケストレータの動作設定。
type Config struct {
	// BatchConcurrency はsendBatchで同時処理するペイロード数の上限。
	BatchConcurrency int
	// DeliveryConcurrency は1イベント内で同時送信する配信数の上限。
	DeliveryConcurrency int
	// SendTimeout は1配信あたりのチャネル送信のタイムアウト。
	SendTimeout time.Duration
}

// withDefaults は未設定の項目にデフォルト値を適用した設定を返す。
func (c Config) withDefaults() Config {
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = DefaultBatchConcurrency
	}
	if c.DeliveryConcurrency <= 0 {
		c.DeliveryConcurrency = DefaultDeliveryConcurrency
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// Orchestrator は通知ディスパッチのパイプライン全体を実行する。
// 依存はすべて構築時に注入され、プロセス全体の可変状態を持たない。
type Orchestrator struct {
	// config は並行度とタイムアウトの設定。
	config Config
	// recipients は宛先リゾルバ。
	recipients RecipientResolver
	// preferences は設定リゾルバ。
	preferences PreferenceResolver
	// registry はチャネルレジストリ。
	registry ChannelRegistry
	// ledger はイベントと配信レコードの台帳。
	ledger Ledger
}

// NewOrchestrator はディスパッチオーケストレータを生成する。
func NewOrchestrator(config Config, recipients RecipientResolver, preferences PreferenceResolver, registry ChannelRegistry, led Ledger) *Orchestrator {
	return &Orchestrator{
		config:      config.withDefaults(),
		recipients:  recipients,
		preferences: preferences,
		registry:    registry,
		ledger:      led,
	}
}

// SendNotification は1件の通知リクエストを処理してイベントIDを返す。
//
// パイプライン: 検証 → イベント追記 → 宛先解決 → 実効チャネル解決 →
// PENDING配信レコードの一括作成 → チャネル送信ファンアウト → 状態更新。
// 検証に失敗した場合は何も永続化しない。宛先がゼロ件に解決された場合も
// イベントは監査のため作成され、配信レコードなしでIDを返す。
// 個々のチャネル送信の失敗は該当配信レコードのFAILED状態として吸収され、
// このメソッドのエラーにはならない。
func (o *Orchestrator) SendNotification(ctx context.Context, p notify.Payload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	ev := notify.Event{
		ID:        uuid.New().String(),
		Module:    p.Module,
		EventType: p.EventType,
		Title:     p.Title,
		Message:   p.Message,
		Priority:  p.EffectivePriority(),
		CreatedBy: p.CreatedBy,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.ledger.CreateEvent(ctx, ev); err != nil {
		return "", err
	}

	userIDs, err := o.recipients.Resolve(ctx, p)
	if err != nil {
		// イベントは作成済みのまま残る（配信ゼロ件の監査レコード）
		return "", err
	}
	if len(userIDs) == 0 {
		return ev.ID, nil
	}

	keys := make([]ledger.DeliveryKey, 0, len(userIDs))
	seen := make(map[ledger.DeliveryKey]bool)
	for _, userID := range userIDs {
		channels, err := o.preferences.EffectiveChannels(ctx, userID, ev.Module, ev.EventType, ev.Priority)
		if err != nil {
			return "", fmt.Errorf("実効チャネルの解決に失敗: user_id=%s: %w", userID, err)
		}
		for _, ch := range channels {
			// チャネル集合に重複があっても配信は (ユーザー, チャネル) ごとに1件
			key := ledger.DeliveryKey{UserID: userID, Channel: ch}
			if seen[key] {
				continue
			}
			seen[key] = true
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return ev.ID, nil
	}

	deliveries, err := o.ledger.CreateDeliveries(ctx, ev.ID, keys)
	if err != nil {
		return "", err
	}

	o.dispatchDeliveries(ctx, ev, deliveries)
	return ev.ID, nil
}

// dispatchDeliveries は配信レコード群をワーカープールで並行送信する。
// 配信同士は自身の台帳行以外の可変状態を共有しないため順序保証はない。
// 呼び出し側のコンテキストが途中でキャンセルされた場合、未着手の配信は
// PENDINGのまま残し、送信中の配信は完了（成功/失敗）まで実行する。
func (o *Orchestrator) dispatchDeliveries(ctx context.Context, ev notify.Event, deliveries []notify.Delivery) {
	sem := make(chan struct{}, o.config.DeliveryConcurrency)
	var wg sync.WaitGroup

	for _, d := range deliveries {
		// 冪等な再作成で返された終端済みの行は再送しない
		if d.Status != notify.StatusPending {
			continue
		}
		// 未着手の配信はキャンセル時にスキップする
		if ctx.Err() != nil {
			log.Printf("[Dispatch] キャンセルにより配信をスキップします（PENDINGのまま残ります）: delivery_id=%s", d.ID)
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(d notify.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			o.sendOne(ctx, ev, d)
		}(d)
	}

	wg.Wait()
}

// sendOne は1件の配信を試行し、結果を台帳へ記録する。
// 送信は呼び出し側のキャンセルから切り離されたコンテキストで実行されるため、
// 開始済みの送信が終端状態なしに放置されることはない。
func (o *Orchestrator) sendOne(ctx context.Context, ev notify.Event, d notify.Delivery) {
	detached := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(detached, o.config.SendTimeout)
	defer cancel()

	// 送信実装がコンテキストを無視してもブロック時間を上限で抑える
	done := make(chan error, 1)
	go func() {
		done <- o.registry.Send(sendCtx, d.Channel, ev, d)
	}()

	var err error
	select {
	case err = <-done:
	case <-sendCtx.Done():
		err = sendCtx.Err()
	}

	if err == nil {
		if uerr := o.ledger.UpdateDeliveryStatus(detached, d.ID, notify.StatusSent, ""); uerr != nil {
			log.Printf("[Dispatch] 配信状態の更新に失敗: delivery_id=%s, error=%v", d.ID, uerr)
		}
		return
	}

	errMsg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		errMsg = "timeout"
	}
	log.Printf("[Dispatch] チャネル送信に失敗: delivery_id=%s, channel=%s, error=%v", d.ID, d.Channel, err)
	if uerr := o.ledger.UpdateDeliveryStatus(detached, d.ID, notify.StatusFailed, errMsg); uerr != nil {
		log.Printf("[Dispatch] 配信状態の更新に失敗: delivery_id=%s, error=%v", d.ID, uerr)
	}
}

// BatchResult はsendBatchの1ペイロード分の結果。入力と位置が揃っている。
type BatchResult struct {
	// EventID は成功時のイベントID。
	EventID string `json:"event_id,omitempty"`
	// Err は失敗時のエラー。成功時はnil。
	Err error `json:"-"`
}

// SendBatch は複数のペイロードをそれぞれ独立に処理する。
// 結果は入力と位置が揃ったリストで返し、1件の失敗が他のペイロードを
// 中断させることはない。ペイロード間は上限付きで並行処理される。
// 呼び出し側のキャンセル時、未着手のペイロードはコンテキストエラーを
// 結果に記録してスキップされる。
func (o *Orchestrator) SendBatch(ctx context.Context, payloads []notify.Payload) []BatchResult {
	results := make([]BatchResult, len(payloads))
	sem := make(chan struct{}, o.config.BatchConcurrency)
	var wg sync.WaitGroup

	for i, p := range payloads {
		if ctx.Err() != nil {
			results[i] = BatchResult{Err: fmt.Errorf("バッチがキャンセルされました: %w", ctx.Err())}
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int, p notify.Payload) {
			defer wg.Done()
			defer func() { <-sem }()
			eventID, err := o.SendNotification(ctx, p)
			results[i] = BatchResult{EventID: eventID, Err: err}
		}(i, p)
	}

	wg.Wait()
	return results
}

// GetEvent は指定IDのイベントを返す。
func (o *Orchestrator) GetEvent(ctx context.Context, id string) (notify.Event, error) {
	return o.ledger.GetEvent(ctx, id)
}

// ListDeliveries は指定イベントの配信レコードを返す。
func (o *Orchestrator) ListDeliveries(ctx context.Context, eventID string) ([]notify.Delivery, error) {
	return o.ledger.ListDeliveriesByEventID(ctx, eventID)
}

// ListStalePending は指定の滞留時間を超えてPENDINGのままの配信レコードを返す。
// 運用者向けのヘルスシグナルであり、エンジンは自動リトライしない。
func (o *Orchestrator) ListStalePending(ctx context.Context, window time.Duration) ([]notify.Delivery, error) {
	return o.ledger.ListStalePending(ctx, time.Now().UTC().Add(-window))
}
