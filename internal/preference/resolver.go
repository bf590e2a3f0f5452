package preference

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/pulseitsm/notify/pkg/notify"
)

// ChannelChecker はチャネルがレジストリに登録済みかどうかの照会を抽象化する。
// 通常は internal/channel の Registry が実装する。
type ChannelChecker interface {
	// IsKnown は指定チャネルが登録済みであるかを返す。
	IsKnown(ch notify.Channel) bool
}

// Resolver はユーザー設定から実効チャネル集合を解決する。
// 設定保存域への変更はすべてこのResolver経由で行われる。
type Resolver struct {
	// store は設定の保存域。
	store Accessor
	// channels は登録済みチャネルの照会先。
	channels ChannelChecker
}

// NewResolver は設定リゾルバを生成する。
func NewResolver(store Accessor, channels ChannelChecker) *Resolver {
	return &Resolver{store: store, channels: channels}
}

// EffectiveChannels は (ユーザー, モジュール, イベント種別, 優先度) に対する
// 実効チャネル集合を返す。
//
// 検索は 完全一致 → (モジュール, *) → (*, *) の具体度順で行い、
// 最初に見つかった行を適用する。行のpriority_thresholdがイベントの優先度より
// 高い場合、その行は一致なしとして次の具体度へフォールスルーする。
// どの行にも一致しない場合は組み込みデフォルト（IN_APP）を適用し、
// 一致した行のenabledがfalseの場合は空集合（完全オプトアウト）となる。
// ただしCRITICAL優先度のイベントは設定に関わらず必ずIN_APPを含む。
func (r *Resolver) EffectiveChannels(ctx context.Context, userID, module, eventType string, priority notify.Priority) ([]notify.Channel, error) {
	scopes := [][2]string{
		{module, eventType},
		{module, notify.Wildcard},
		{notify.Wildcard, notify.Wildcard},
	}

	channels := notify.DefaultChannels
	for _, scope := range scopes {
		pref, found, err := r.store.Get(ctx, userID, scope[0], scope[1])
		if err != nil {
			return nil, fmt.Errorf("設定の検索に失敗: %w", err)
		}
		if !found {
			continue
		}
		// 優先度がしきい値未満の行は一致なしとして次の具体度へ
		if pref.PriorityThreshold != nil && !priority.AtLeast(*pref.PriorityThreshold) {
			continue
		}
		if !pref.Enabled {
			channels = nil
		} else {
			channels = pref.Channels
		}
		break
	}

	// 検証済みの設定しか保存されないため、通常ここで未知のチャネルに
	// 出会うことはない。旧データや破損行は配信を失敗させず読み飛ばす。
	result := make([]notify.Channel, 0, len(channels))
	for _, ch := range channels {
		if !r.channels.IsKnown(ch) {
			log.Printf("[Preference] 未知のチャネルを含む設定行を読み飛ばします: user_id=%s, channel=%s", userID, ch)
			continue
		}
		result = append(result, ch)
	}

	// CRITICALは可視性保証のため必ずIN_APPへ配信する
	if priority == notify.PriorityCritical && !containsChannel(result, notify.ChannelInApp) {
		result = append(result, notify.ChannelInApp)
	}

	return result, nil
}

// ListPreferences は指定ユーザーの保存済み設定を返す。
func (r *Resolver) ListPreferences(ctx context.Context, userID string) ([]notify.Preference, error) {
	return r.store.ListByUser(ctx, userID)
}

// Entry はupdatePreferencesの1件分の更新内容を表す。
type Entry struct {
	// Module は対象モジュール。ワイルドカード "*" を許容する。
	Module string `json:"module"`
	// EventType は対象イベント種別。ワイルドカード "*" を許容する。
	EventType string `json:"event_type"`
	// Channels は配信に使用するチャネルの集合。
	Channels []notify.Channel `json:"channels"`
	// Enabled はこのスコープの通知を受け取るかどうか。
	Enabled bool `json:"enabled"`
	// PriorityThreshold はこの設定が適用される最低優先度。省略可。
	PriorityThreshold *notify.Priority `json:"priority_threshold,omitempty"`
}

// EntryResult は1件分の更新結果を表す。入力と位置が揃っている。
type EntryResult struct {
	// Module は対象モジュール。
	Module string `json:"module"`
	// EventType は対象イベント種別。
	EventType string `json:"event_type"`
	// Err は失敗時のエラー。成功時はnil。
	Err error `json:"-"`
}

// UpdatePreferences は複数の設定エントリを冪等にupsertする。
// 各エントリは独立した作業単位であり、1件の失敗が適用済みのエントリを
// ロールバックすることはない。結果は入力と位置が揃ったリストで返す。
// チャネルはレジストリ照会で検証され、未知のチャネルを含むエントリは
// ErrUnknownChannel で拒否される。
func (r *Resolver) UpdatePreferences(ctx context.Context, userID string, entries []Entry) []EntryResult {
	results := make([]EntryResult, 0, len(entries))
	for _, e := range entries {
		results = append(results, EntryResult{
			Module:    e.Module,
			EventType: e.EventType,
			Err:       r.applyEntry(ctx, userID, e),
		})
	}
	return results
}

// applyEntry は1件の設定エントリを検証して保存する。
func (r *Resolver) applyEntry(ctx context.Context, userID string, e Entry) error {
	if e.Module == "" {
		return fmt.Errorf("%w: moduleは必須です", notify.ErrInvalidPayload)
	}
	if e.EventType == "" {
		return fmt.Errorf("%w: event_typeは必須です", notify.ErrInvalidPayload)
	}
	// チャネルは集合として保存する。重複は検証後に取り除く
	channels := make([]notify.Channel, 0, len(e.Channels))
	seen := make(map[notify.Channel]bool)
	for _, ch := range e.Channels {
		if !r.channels.IsKnown(ch) {
			return fmt.Errorf("%w: %q", notify.ErrUnknownChannel, ch)
		}
		if seen[ch] {
			continue
		}
		seen[ch] = true
		channels = append(channels, ch)
	}
	if e.PriorityThreshold != nil && !e.PriorityThreshold.Valid() {
		return fmt.Errorf("%w: 未知の優先度しきい値 %q", notify.ErrInvalidPayload, *e.PriorityThreshold)
	}

	return r.store.Upsert(ctx, notify.Preference{
		ID:                uuid.New().String(),
		UserID:            userID,
		Module:            e.Module,
		EventType:         e.EventType,
		Channels:          channels,
		Enabled:           e.Enabled,
		PriorityThreshold: e.PriorityThreshold,
	})
}

// containsChannel はチャネル集合に指定チャネルが含まれるかを返す。
func containsChannel(channels []notify.Channel, target notify.Channel) bool {
	for _, ch := range channels {
		if ch == target {
			return true
		}
	}
	return false
}
