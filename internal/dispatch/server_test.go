package dispatch

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/pulseitsm/notify/internal/channel"
	"github.com/pulseitsm/notify/internal/ledger"
	"github.com/pulseitsm/notify/internal/preference"
	"github.com/pulseitsm/notify/internal/recipient"
	"github.com/pulseitsm/notify/pkg/notify"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubDirectory はテスト用のインメモリユーザーディレクトリ。
type stubDirectory struct {
	// bySelector はセレクタ種別ごとの一致ユーザーID。
	bySelector map[notify.SelectorKind][]string
	// active はアクティブなユーザーIDの集合。
	active map[string]bool
}

func (s *stubDirectory) ListBySelector(_ context.Context, sel notify.Selector) ([]string, error) {
	return s.bySelector[sel.Kind], nil
}

func (s *stubDirectory) FilterActive(_ context.Context, userIDs []string) ([]string, error) {
	var result []string
	for _, id := range userIDs {
		if s.active[id] {
			result = append(result, id)
		}
	}
	return result, nil
}

// setupTestServer はテスト用のディスパッチサーバーをインメモリSQLiteで構築する。
// チャネルはIN_APPのみ登録し、ユーザーディレクトリはインメモリのスタブを使用する。
func setupTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	led, err := ledger.New(sqlDB)
	if err != nil {
		t.Fatalf("台帳の初期化に失敗: %v", err)
	}
	store, err := preference.NewStore(sqlDB)
	if err != nil {
		t.Fatalf("設定保存域の初期化に失敗: %v", err)
	}
	inbox, err := channel.NewInbox(sqlDB)
	if err != nil {
		t.Fatalf("受信箱の初期化に失敗: %v", err)
	}

	registry := channel.NewRegistry(channel.NewInAppSender(inbox))
	prefResolver := preference.NewResolver(store, registry)

	directory := &stubDirectory{
		bySelector: map[notify.SelectorKind][]string{
			notify.SelectorAllActive: {"user-1", "user-2"},
			notify.SelectorRole:      {"user-2"},
		},
		active: map[string]bool{"user-1": true, "user-2": true},
	}
	recResolver := recipient.NewResolver(directory)

	router := gin.New()
	s := &Server{
		router:       router,
		port:         "0",
		orchestrator: NewOrchestrator(Config{}, recResolver, prefResolver, registry, led),
		preferences:  prefResolver,
		inbox:        inbox,
		staleWindow:  10 * time.Minute,
	}

	// JWTミドルウェアの代わりにテスト用のユーザーID設定ミドルウェアを使用する
	api := router.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID != "" {
			c.Set("user_id", userID)
		}
		c.Next()
	})
	s.registerRoutes(api)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notify"})
	})

	return s, router
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(router *gin.Engine, method, path, userID string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// parseJSON はレスポンスボディをmapにデコードするヘルパー関数。
func parseJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSONのデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// parseJSONArray はレスポンスボディをスライスにデコードするヘルパー関数。
func parseJSONArray(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var result []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSON配列のデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// TestHealthCheck はヘルスチェックエンドポイントの正常動作を検証する。
func TestHealthCheck(t *testing.T) {
	t.Parallel()

	_, router := setupTestServer(t)

	w := doRequest(router, http.MethodGet, "/health", "", nil)

	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}

	result := parseJSON(t, w)
	if result["status"] != "ok" {
		t.Errorf("status: got %v, want ok", result["status"])
	}
	if result["service"] != "notify" {
		t.Errorf("service: got %v, want notify", result["service"])
	}
}

// TestHandleSendNotification は通知送信ハンドラのテスト。
func TestHandleSendNotification(t *testing.T) {
	t.Parallel()

	t.Run("明示的な宛先への通知が受信箱に届く", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/internal/notifications", "svc-tickets", notify.Payload{
			Module:         "pulse.tickets",
			EventType:      "sla_breach",
			Title:          "SLA違反",
			Message:        "チケット #4211 のSLAが超過しました",
			Priority:       notify.PriorityHigh,
			RecipientUsers: []string{"user-1"},
		})

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}
		result := parseJSON(t, w)
		eventID, ok := result["event_id"].(string)
		if !ok || eventID == "" {
			t.Fatalf("event_idが返されていません: %v", result)
		}

		// 受信箱に届いていること
		inboxResp := doRequest(router, http.MethodGet, "/api/v1/notifications", "user-1", nil)
		if inboxResp.Code != http.StatusOK {
			t.Fatalf("受信箱取得のステータスコード: got %d, want %d", inboxResp.Code, http.StatusOK)
		}
		notifications := parseJSONArray(t, inboxResp)
		if len(notifications) != 1 {
			t.Fatalf("受信箱の件数: got %d, want 1", len(notifications))
		}
		if notifications[0]["title"] != "SLA違反" {
			t.Errorf("title: got %v, want SLA違反", notifications[0]["title"])
		}

		// 配信レコードがSENTで記録されていること
		deliveriesResp := doRequest(router, http.MethodGet, "/api/v1/internal/events/"+eventID+"/deliveries", "svc-tickets", nil)
		deliveries := parseJSONArray(t, deliveriesResp)
		if len(deliveries) != 1 {
			t.Fatalf("配信レコード数: got %d, want 1", len(deliveries))
		}
		if deliveries[0]["status"] != string(notify.StatusSent) {
			t.Errorf("status: got %v, want %v", deliveries[0]["status"], notify.StatusSent)
		}
	})

	t.Run("セレクタ指定の通知が一致する全ユーザーへ届く", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/internal/notifications", "svc-monitoring", notify.Payload{
			Module:    "pulse.monitoring",
			EventType: "heartbeat_lost",
			Title:     "監視アラート",
			Message:   "対象ホストからの応答がありません",
			Selectors: []notify.Selector{{Kind: notify.SelectorAllActive}},
		})

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}

		for _, userID := range []string{"user-1", "user-2"} {
			inboxResp := doRequest(router, http.MethodGet, "/api/v1/notifications", userID, nil)
			notifications := parseJSONArray(t, inboxResp)
			if len(notifications) != 1 {
				t.Errorf("%s の受信箱の件数: got %d, want 1", userID, len(notifications))
			}
		}
	})

	t.Run("必須フィールドの欠落はBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/internal/notifications", "svc-tickets", notify.Payload{
			Module:    "pulse.tickets",
			EventType: "sla_breach",
		})

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("未知のセレクタ種別はBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/internal/notifications", "svc-tickets", notify.Payload{
			Module:    "pulse.tickets",
			EventType: "sla_breach",
			Title:     "SLA違反",
			Message:   "SLAが超過しました",
			Selectors: []notify.Selector{{Kind: "nearest_desk"}},
		})

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleSendBatch は一括送信ハンドラのテスト。
func TestHandleSendBatch(t *testing.T) {
	t.Parallel()

	t.Run("結果が入力と位置の揃ったリストで返る", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/internal/notifications/batch", "svc-tickets", []notify.Payload{
			{
				Module: "pulse.tickets", EventType: "created",
				Title: "チケット作成", Message: "新しいチケットが作成されました",
				RecipientUsers: []string{"user-1"},
			},
			{Module: "pulse.tickets"}, // 不正なペイロード
			{
				Module: "pulse.tickets", EventType: "closed",
				Title: "チケット完了", Message: "チケットがクローズされました",
				RecipientUsers: []string{"user-2"},
			},
		})

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}

		result := parseJSON(t, w)
		results, ok := result["results"].([]any)
		if !ok {
			t.Fatalf("resultsが配列ではありません: %v", result)
		}
		if len(results) != 3 {
			t.Fatalf("結果数: got %d, want 3", len(results))
		}

		first := results[0].(map[string]any)
		if first["event_id"] == nil || first["event_id"] == "" {
			t.Errorf("results[0].event_idが空です: %v", first)
		}
		second := results[1].(map[string]any)
		if second["error"] == nil || second["error"] == "" {
			t.Errorf("results[1].errorが空です: %v", second)
		}
		third := results[2].(map[string]any)
		if third["event_id"] == nil || third["event_id"] == "" {
			t.Errorf("results[2].event_idが空です: %v", third)
		}
	})
}

// TestHandlePreferences は通知設定APIのテスト。
func TestHandlePreferences(t *testing.T) {
	t.Parallel()

	t.Run("設定が存在しない場合は空の一覧を返す", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/api/v1/preferences", "user-1", nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("設定の更新が実効チャネルに反映される", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		// user-1はpulse.ticketsの通知を完全にオプトアウト
		w := doRequest(router, http.MethodPut, "/api/v1/preferences", "user-1", []preference.Entry{
			{Module: "pulse.tickets", EventType: notify.Wildcard, Enabled: false},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}

		// 通常優先度の通知は届かない
		doRequest(router, http.MethodPost, "/api/v1/internal/notifications", "svc-tickets", notify.Payload{
			Module: "pulse.tickets", EventType: "assigned",
			Title: "担当割り当て", Message: "チケットが割り当てられました",
			RecipientUsers: []string{"user-1"},
		})

		inboxResp := doRequest(router, http.MethodGet, "/api/v1/notifications", "user-1", nil)
		notifications := parseJSONArray(t, inboxResp)
		if len(notifications) != 0 {
			t.Errorf("受信箱の件数: got %d, want 0", len(notifications))
		}
	})

	t.Run("オプトアウトしていてもCRITICAL通知はアプリ内に届く", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPut, "/api/v1/preferences", "user-1", []preference.Entry{
			{Module: notify.Wildcard, EventType: notify.Wildcard, Enabled: false},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		doRequest(router, http.MethodPost, "/api/v1/internal/notifications", "svc-monitoring", notify.Payload{
			Module: "pulse.monitoring", EventType: "outage",
			Title: "全面障害", Message: "本番環境で障害が発生しています",
			Priority:       notify.PriorityCritical,
			RecipientUsers: []string{"user-1"},
		})

		inboxResp := doRequest(router, http.MethodGet, "/api/v1/notifications", "user-1", nil)
		notifications := parseJSONArray(t, inboxResp)
		if len(notifications) != 1 {
			t.Fatalf("受信箱の件数: got %d, want 1", len(notifications))
		}
		if notifications[0]["title"] != "全面障害" {
			t.Errorf("title: got %v, want 全面障害", notifications[0]["title"])
		}
	})

	t.Run("未知のチャネルを含むエントリは該当行のみ失敗する", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPut, "/api/v1/preferences", "user-1", []preference.Entry{
			{Module: "pulse.tickets", EventType: notify.Wildcard, Channels: []notify.Channel{notify.ChannelInApp}, Enabled: true},
			{Module: "pulse.tickets", EventType: "sla_breach", Channels: []notify.Channel{"CARRIER_PIGEON"}, Enabled: true},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}

		result := parseJSON(t, w)
		results := result["results"].([]any)
		if len(results) != 2 {
			t.Fatalf("結果数: got %d, want 2", len(results))
		}
		first := results[0].(map[string]any)
		if first["error"] != nil && first["error"] != "" {
			t.Errorf("results[0].error: got %v, want 空", first["error"])
		}
		second := results[1].(map[string]any)
		if second["error"] == nil || second["error"] == "" {
			t.Errorf("results[1].errorが空です: %v", second)
		}
	})

	t.Run("ユーザーIDが未設定の場合はUnauthorized", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/api/v1/preferences", "", nil)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestHandleInbox は受信箱APIのテスト。
func TestHandleInbox(t *testing.T) {
	t.Parallel()

	// sendTo は指定ユーザーへIN_APP通知を1件届けるヘルパー。
	sendTo := func(t *testing.T, router *gin.Engine, userID, title string) {
		t.Helper()
		w := doRequest(router, http.MethodPost, "/api/v1/internal/notifications", "svc-tickets", notify.Payload{
			Module: "pulse.tickets", EventType: "assigned",
			Title: title, Message: "メッセージ",
			RecipientUsers: []string{userID},
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("通知送信に失敗: status=%d, body=%s", w.Code, w.Body.String())
		}
	}

	t.Run("既読にすると未読一覧から消える", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		sendTo(t, router, "user-1", "通知1")

		unread := parseJSONArray(t, doRequest(router, http.MethodGet, "/api/v1/notifications/unread", "user-1", nil))
		if len(unread) != 1 {
			t.Fatalf("未読件数: got %d, want 1", len(unread))
		}
		id := unread[0]["id"].(string)

		w := doRequest(router, http.MethodPut, "/api/v1/notifications/"+id+"/read", "user-1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		unread = parseJSONArray(t, doRequest(router, http.MethodGet, "/api/v1/notifications/unread", "user-1", nil))
		if len(unread) != 0 {
			t.Errorf("未読件数: got %d, want 0", len(unread))
		}
	})

	t.Run("他ユーザーの通知は既読にできない", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		sendTo(t, router, "user-1", "user-1宛")

		inbox := parseJSONArray(t, doRequest(router, http.MethodGet, "/api/v1/notifications", "user-1", nil))
		id := inbox[0]["id"].(string)

		w := doRequest(router, http.MethodPut, "/api/v1/notifications/"+id+"/read", "user-2", nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("存在しない通知の既読はNotFound", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPut, "/api/v1/notifications/no-such-id/read", "user-1", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("全件既読で未読一覧が空になる", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		sendTo(t, router, "user-1", "通知1")
		sendTo(t, router, "user-1", "通知2")

		w := doRequest(router, http.MethodPut, "/api/v1/notifications/read-all", "user-1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		unread := parseJSONArray(t, doRequest(router, http.MethodGet, "/api/v1/notifications/unread", "user-1", nil))
		if len(unread) != 0 {
			t.Errorf("未読件数: got %d, want 0", len(unread))
		}
	})
}

// TestHandleStalePending は滞留PENDING照会APIのテスト。
func TestHandleStalePending(t *testing.T) {
	t.Parallel()

	t.Run("滞留がない場合は空の一覧を返す", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/api/v1/internal/deliveries/stale", "svc-ops", nil)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("window_secondsが不正な場合はBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/api/v1/internal/deliveries/stale?window_seconds=abc", "svc-ops", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}
