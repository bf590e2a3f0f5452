package notify

import (
	"fmt"
	"time"
)

// Priority は通知の優先度を表す。LOW < NORMAL < HIGH < CRITICAL の順序を持つ。
type Priority string

const (
	// PriorityLow は低優先度を表す。
	PriorityLow Priority = "LOW"
	// PriorityNormal は通常優先度を表す。省略時のデフォルト値。
	PriorityNormal Priority = "NORMAL"
	// PriorityHigh は高優先度を表す。
	PriorityHigh Priority = "HIGH"
	// PriorityCritical は最高優先度を表す。この優先度のイベントは
	// ユーザー設定に関わらず必ずIN_APPチャネルへ配信される。
	PriorityCritical Priority = "CRITICAL"
)

// priorityRank は優先度の順序比較用の内部ランク。
var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Valid は既知の優先度であるかを返す。
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// AtLeast は自身がmin以上の優先度であるかを返す。
func (p Priority) AtLeast(min Priority) bool {
	return priorityRank[p] >= priorityRank[min]
}

// Channel は配信チャネル（配信媒体）を表す。
// チャネルレジストリで検証される閉じた列挙であり、
// ユーザー設定の保存時に未知のチャネル名は拒否される。
type Channel string

const (
	// ChannelInApp はアプリ内通知（受信箱）チャネルを表す。
	ChannelInApp Channel = "IN_APP"
	// ChannelEmail はメールチャネルを表す。
	ChannelEmail Channel = "EMAIL"
	// ChannelSMS はSMSチャネルを表す。
	ChannelSMS Channel = "SMS"
	// ChannelWebhook はWebhookチャネルを表す。
	ChannelWebhook Channel = "WEBHOOK"
)

// DefaultChannels はユーザー設定が存在しない場合に適用される
// 組み込みデフォルトのチャネル集合。
var DefaultChannels = []Channel{ChannelInApp}

// Status は配信レコードの状態を表す。
// PENDING（作成直後）から SENT または FAILED へ一方向に遷移し、
// SENT / FAILED からの遷移は存在しない。
type Status string

const (
	// StatusPending は配信レコード作成直後、送信試行前の状態を表す。
	StatusPending Status = "PENDING"
	// StatusSent はチャネル送信が成功した終端状態を表す。
	StatusSent Status = "SENT"
	// StatusFailed はチャネル送信が失敗した終端状態を表す。
	StatusFailed Status = "FAILED"
)

// SelectorKind は宛先セレクタの種別を表す。エンジンが理解する閉じた列挙。
type SelectorKind string

const (
	// SelectorAllActive は全アクティブユーザーを対象とするセレクタ。
	SelectorAllActive SelectorKind = "all_active"
	// SelectorRole は指定ロールを持つユーザーを対象とするセレクタ。
	SelectorRole SelectorKind = "role"
	// SelectorModuleSubscribers は指定モジュールを購読するユーザーを
	// 対象とするセレクタ。
	SelectorModuleSubscribers SelectorKind = "module_subscribers"
)

// Selector は明示的なユーザーID列挙よりも広い宛先指定を表す。
type Selector struct {
	// Kind はセレクタの種別。
	Kind SelectorKind `json:"kind"`
	// Arg は種別に応じた引数（ロール名、モジュール名等）。
	// all_active では空文字列。
	Arg string `json:"arg,omitempty"`
}

// Validate はセレクタの種別と引数の整合性を検証する。
// 未知の種別は ErrInvalidSelector を返す。
func (s Selector) Validate() error {
	switch s.Kind {
	case SelectorAllActive:
		return nil
	case SelectorRole, SelectorModuleSubscribers:
		if s.Arg == "" {
			return fmt.Errorf("%w: セレクタ %q には引数が必要です", ErrInvalidSelector, s.Kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: 未知のセレクタ種別 %q", ErrInvalidSelector, s.Kind)
	}
}

// Payload は各モジュール（チケット、監視等）からの通知リクエストを表す。
type Payload struct {
	// Module は通知元サブシステムの名前空間（例: "pulse.tickets"）。
	Module string `json:"module"`
	// EventType はモジュール内で定義されたイベント種別（例: "sla_breach"）。
	EventType string `json:"event_type"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ本文。
	Message string `json:"message"`
	// Priority は通知の優先度。省略時は NORMAL として扱う。
	Priority Priority `json:"priority,omitempty"`
	// CreatedBy は通知を発行したアクターの識別子。
	CreatedBy string `json:"created_by,omitempty"`
	// RecipientUsers は明示的な宛先ユーザーIDのリスト。
	RecipientUsers []string `json:"recipient_users,omitempty"`
	// Selectors は広い宛先指定のリスト。RecipientUsersとの和集合が宛先となる。
	Selectors []Selector `json:"selectors,omitempty"`
}

// Validate は必須フィールドと優先度・セレクタの妥当性を検証する。
// 不正な場合は ErrInvalidPayload（セレクタ不正時は ErrInvalidSelector）を返す。
func (p Payload) Validate() error {
	if p.Module == "" {
		return fmt.Errorf("%w: moduleは必須です", ErrInvalidPayload)
	}
	if p.EventType == "" {
		return fmt.Errorf("%w: event_typeは必須です", ErrInvalidPayload)
	}
	if p.Title == "" {
		return fmt.Errorf("%w: titleは必須です", ErrInvalidPayload)
	}
	if p.Message == "" {
		return fmt.Errorf("%w: messageは必須です", ErrInvalidPayload)
	}
	if p.Priority != "" && !p.Priority.Valid() {
		return fmt.Errorf("%w: 未知の優先度 %q", ErrInvalidPayload, p.Priority)
	}
	for _, sel := range p.Selectors {
		if err := sel.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// EffectivePriority は優先度を返す。未指定の場合は NORMAL を返す。
func (p Payload) EffectivePriority() Priority {
	if p.Priority == "" {
		return PriorityNormal
	}
	return p.Priority
}

// Event は受理された通知リクエストごとに1件作成される不変のレコード。
// 作成後に更新されることはなく、配信レコードから参照されるのみ。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// Module は通知元サブシステムの名前空間。
	Module string `json:"module"`
	// EventType はモジュール内のイベント種別。
	EventType string `json:"event_type"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ本文。
	Message string `json:"message"`
	// Priority は通知の優先度。
	Priority Priority `json:"priority"`
	// CreatedBy は通知を発行したアクターの識別子。
	CreatedBy string `json:"created_by"`
	// CreatedAt はイベントの作成日時。
	CreatedAt time.Time `json:"created_at"`
}

// Delivery は1ユーザー・1チャネルへの1回の配信試行を表すレコード。
// (EventID, UserID, Channel) の組み合わせごとに必ず1行のみ存在する。
type Delivery struct {
	// ID は配信レコードの一意識別子（UUID）。
	ID string `json:"id"`
	// EventID は所属するイベントのID。
	EventID string `json:"event_id"`
	// UserID は配信先のユーザーID。
	UserID string `json:"user_id"`
	// Channel は配信チャネル。
	Channel Channel `json:"channel"`
	// Status は配信の状態。
	Status Status `json:"status"`
	// AttemptedAt は配信レコードの作成日時。同一イベントの
	// 一括作成ではすべての行が同じ値を持つ。
	AttemptedAt time.Time `json:"attempted_at"`
	// CompletedAt は終端状態に遷移した日時。PENDINGの間はnil。
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Error は失敗時の診断メッセージ。成功時は空文字列。
	Error string `json:"error,omitempty"`
}

// Wildcard はユーザー設定のモジュール・イベント種別に使える
// ワイルドカード値。より具体的な行が存在しない場合にのみ適用される。
const Wildcard = "*"

// Preference は (ユーザー, モジュール, イベント種別) ごとの通知設定を表す。
type Preference struct {
	// ID は設定レコードの一意識別子（UUID）。
	ID string `json:"id"`
	// UserID は設定の所有ユーザーID。
	UserID string `json:"user_id"`
	// Module は対象モジュール。ワイルドカード "*" を許容する。
	Module string `json:"module"`
	// EventType は対象イベント種別。ワイルドカード "*" を許容する。
	EventType string `json:"event_type"`
	// Channels は配信に使用するチャネルの集合。順序に意味はない。
	Channels []Channel `json:"channels"`
	// Enabled はこのスコープの通知を受け取るかどうか。
	// falseは完全なオプトアウトを意味する（CRITICALのIN_APPフロアを除く）。
	Enabled bool `json:"enabled"`
	// PriorityThreshold はこの設定が適用される最低優先度。
	// nilの場合はすべての優先度に適用される。
	PriorityThreshold *Priority `json:"priority_threshold,omitempty"`
}
