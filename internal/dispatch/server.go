package dispatch

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/pulseitsm/notify/internal/channel"
	"github.com/pulseitsm/notify/internal/ledger"
	"github.com/pulseitsm/notify/internal/preference"
	"github.com/pulseitsm/notify/internal/recipient"
	"github.com/pulseitsm/notify/pkg/middleware"
	"github.com/pulseitsm/notify/pkg/notify"
)

// Server は通知ディスパッチエンジンのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// orchestrator はディスパッチオーケストレータ。
	orchestrator *Orchestrator
	// preferences はユーザー設定リゾルバ。
	preferences PreferenceResolver
	// inbox はアプリ内通知の受信箱。
	inbox *channel.Inbox
	// staleWindow は滞留PENDING検出の時間窓。
	staleWindow time.Duration
}

// チャネル別の配信キュー名。外部トランスポートワーカーが購読する。
const (
	queueEmail   = "notify.email"
	queueSMS     = "notify.sms"
	queueWebhook = "notify.webhook"
)

// NewServer は新しいディスパッチサーバーを生成する。
// SQLiteデータベースの初期化とスキーマ作成を行い、環境変数から
// 依存サービス（IDサービス、RabbitMQ、Redis）への接続を構成する。
func NewServer(port string) (*Server, error) {
	dsn := os.Getenv("NOTIFY_DB")
	if dsn == "" {
		dsn = "/data/notify.db?_journal_mode=WAL&_busy_timeout=5000"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	led, err := ledger.New(sqlDB)
	if err != nil {
		return nil, fmt.Errorf("台帳の初期化に失敗: %w", err)
	}
	store, err := preference.NewStore(sqlDB)
	if err != nil {
		return nil, fmt.Errorf("設定保存域の初期化に失敗: %w", err)
	}
	inbox, err := channel.NewInbox(sqlDB)
	if err != nil {
		return nil, fmt.Errorf("受信箱の初期化に失敗: %w", err)
	}

	senders := []channel.Sender{channel.NewInAppSender(inbox)}

	// RabbitMQが構成されている場合のみハンドオフチャネルを登録する。
	// 未構成の環境（ローカル開発等）ではIN_APPのみが有効となる。
	if amqpURL := os.Getenv("AMQP_URL"); amqpURL != "" {
		queueSenders, err := buildQueueSenders(amqpURL)
		if err != nil {
			return nil, err
		}
		senders = append(senders, queueSenders...)
	} else {
		log.Println("[Dispatch] AMQP_URLが未設定のためEMAIL/SMS/WEBHOOKチャネルは無効です")
	}

	registry := channel.NewRegistry(senders...)
	prefResolver := preference.NewResolver(store, registry)

	identityURL := os.Getenv("IDENTITY_URL")
	if identityURL == "" {
		identityURL = "http://localhost:8081"
	}
	recResolver := recipient.NewResolver(recipient.NewHTTPDirectory(identityURL))

	orchestrator := NewOrchestrator(configFromEnv(), recResolver, prefResolver, registry, led)

	frontendURL := os.Getenv("FRONTEND_URL")
	if frontendURL == "" {
		frontendURL = "http://localhost:3000"
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS([]string{frontendURL}))

	s := &Server{
		router:       router,
		port:         port,
		orchestrator: orchestrator,
		preferences:  prefResolver,
		inbox:        inbox,
		staleWindow:  envDuration("NOTIFY_STALE_WINDOW_SECONDS", 600),
	}
	s.setupRoutes()

	return s, nil
}

// buildQueueSenders はRabbitMQへ接続し、チャネル別キューの宣言と
// ハンドオフ配信実装の生成を行う。
func buildQueueSenders(amqpURL string) ([]channel.Sender, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("RabbitMQ接続に失敗: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("RabbitMQチャネルのオープンに失敗: %w", err)
	}

	queues := []struct {
		ch    notify.Channel
		queue string
	}{
		{notify.ChannelEmail, queueEmail},
		{notify.ChannelSMS, queueSMS},
		{notify.ChannelWebhook, queueWebhook},
	}

	senders := make([]channel.Sender, 0, len(queues))
	for _, q := range queues {
		if err := channel.DeclareQueue(ch, q.queue); err != nil {
			return nil, err
		}
		senders = append(senders, channel.NewQueueSender(q.ch, ch, q.queue))
	}
	return senders, nil
}

// configFromEnv は環境変数からオーケストレータ設定を構成する。
// 未設定・不正な値の項目はデフォルト値となる。
func configFromEnv() Config {
	return Config{
		BatchConcurrency:    envInt("NOTIFY_BATCH_CONCURRENCY"),
		DeliveryConcurrency: envInt("NOTIFY_DELIVERY_CONCURRENCY"),
		SendTimeout:         envDuration("NOTIFY_SEND_TIMEOUT_SECONDS", 0),
	}
}

// envInt は環境変数を整数として読む。未設定・不正な場合は0を返す。
func envInt(key string) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return v
}

// envDuration は環境変数を秒数として読む。未設定・不正な場合はfallback秒を返す。
func envDuration(key string, fallback int) time.Duration {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-key"
	}

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(jwtSecret))
	s.registerRoutes(api)

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notify"})
	})
}

// registerRoutes は認証済みAPIグループへ各エンドポイントを登録する。
func (s *Server) registerRoutes(api *gin.RouterGroup) {
	// 内部API - 各モジュール（チケット、監視等）から呼び出される
	internal := api.Group("/internal")
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		// ディスパッチ呼び出しのレート制限（Redis未到達時はフェイルオープン）
		internal.Use(middleware.RateLimit(
			redis.NewClient(&redis.Options{Addr: redisURL}),
			middleware.DefaultRateLimitPerMinute,
			time.Minute,
		))
	}
	{
		notifications := internal.Group("/notifications")
		{
			// 通知送信
			notifications.POST("", s.handleSendNotification())
			// 通知の一括送信
			notifications.POST("/batch", s.handleSendBatch())
		}

		events := internal.Group("/events")
		{
			// イベントの取得（監査照会）
			events.GET("/:id", s.handleGetEvent())
			// イベントの配信レコード一覧取得
			events.GET("/:id/deliveries", s.handleListDeliveries())
		}

		// 滞留PENDING配信の一覧取得（運用ヘルスチェック）
		internal.GET("/deliveries/stale", s.handleListStalePending())
	}

	preferences := api.Group("/preferences")
	{
		// 自ユーザーの通知設定一覧取得
		preferences.GET("", s.handleGetPreferences())
		// 自ユーザーの通知設定更新
		preferences.PUT("", s.handleUpdatePreferences())
	}

	notifications := api.Group("/notifications")
	{
		// アプリ内通知一覧取得
		notifications.GET("", s.handleListInbox())
		// 未読通知一覧取得
		notifications.GET("/unread", s.handleListUnread())
		// 通知を既読にする
		notifications.PUT("/:id/read", s.handleMarkAsRead())
		// 全通知を既読にする
		notifications.PUT("/read-all", s.handleMarkAllAsRead())
	}
}

// statusForError はエンジンのエラー分類をHTTPステータスコードへ対応付ける。
func statusForError(err error) int {
	switch {
	case errors.Is(err, notify.ErrInvalidPayload), errors.Is(err, notify.ErrInvalidSelector):
		return http.StatusBadRequest
	case errors.Is(err, notify.ErrRecipientResolutionFailed):
		return http.StatusBadGateway
	case errors.Is(err, notify.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleSendNotification は通知リクエストを処理するハンドラを返す。
func (s *Server) handleSendNotification() gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload notify.Payload
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		// 発行者が未指定の場合は認証済みユーザーを記録する
		if payload.CreatedBy == "" {
			payload.CreatedBy = middleware.GetUserID(c)
		}

		eventID, err := s.orchestrator.SendNotification(c.Request.Context(), payload)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			log.Printf("[Dispatch] 通知送信エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{"event_id": eventID})
	}
}

// batchResultResponse はバッチ結果1件分のJSONレスポンス構造。
type batchResultResponse struct {
	// EventID は成功時のイベントID。
	EventID string `json:"event_id,omitempty"`
	// Error は失敗時のエラーメッセージ。
	Error string `json:"error,omitempty"`
}

// handleSendBatch は通知の一括送信を処理するハンドラを返す。
// 結果は入力と位置が揃ったリストで返し、1件の失敗が他を中断させない。
func (s *Server) handleSendBatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		var payloads []notify.Payload
		if err := c.ShouldBindJSON(&payloads); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		userID := middleware.GetUserID(c)
		for i := range payloads {
			if payloads[i].CreatedBy == "" {
				payloads[i].CreatedBy = userID
			}
		}

		results := s.orchestrator.SendBatch(c.Request.Context(), payloads)

		responses := make([]batchResultResponse, 0, len(results))
		for _, r := range results {
			resp := batchResultResponse{EventID: r.EventID}
			if r.Err != nil {
				resp.Error = r.Err.Error()
			}
			responses = append(responses, resp)
		}
		c.JSON(http.StatusOK, gin.H{"results": responses})
	}
}

// handleGetEvent はイベントの取得を処理するハンドラを返す。
func (s *Server) handleGetEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		ev, err := s.orchestrator.GetEvent(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "イベントが見つかりません"})
			return
		}
		c.JSON(http.StatusOK, ev)
	}
}

// handleListDeliveries はイベントの配信レコード一覧を返すハンドラを返す。
func (s *Server) handleListDeliveries() gin.HandlerFunc {
	return func(c *gin.Context) {
		deliveries, err := s.orchestrator.ListDeliveries(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "配信レコードの取得に失敗しました"})
			log.Printf("[Dispatch] 配信レコード取得エラー: %v", err)
			return
		}
		c.JSON(http.StatusOK, deliveries)
	}
}

// handleListStalePending は滞留PENDING配信の一覧を返すハンドラを返す。
func (s *Server) handleListStalePending() gin.HandlerFunc {
	return func(c *gin.Context) {
		window := s.staleWindow
		if raw := c.Query("window_seconds"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "window_secondsが不正です"})
				return
			}
			window = time.Duration(v) * time.Second
		}

		deliveries, err := s.orchestrator.ListStalePending(c.Request.Context(), window)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "滞留配信の取得に失敗しました"})
			log.Printf("[Dispatch] 滞留配信取得エラー: %v", err)
			return
		}
		c.JSON(http.StatusOK, deliveries)
	}
}

// handleGetPreferences は認証済みユーザーの通知設定一覧を返すハンドラを返す。
func (s *Server) handleGetPreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		prefs, err := s.preferences.ListPreferences(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "設定一覧の取得に失敗しました"})
			log.Printf("[Dispatch] 設定一覧取得エラー: %v", err)
			return
		}
		c.JSON(http.StatusOK, prefs)
	}
}

// preferenceEntryResponse は設定更新結果1件分のJSONレスポンス構造。
type preferenceEntryResponse struct {
	// Module は対象モジュール。
	Module string `json:"module"`
	// EventType は対象イベント種別。
	EventType string `json:"event_type"`
	// Error は失敗時のエラーメッセージ。
	Error string `json:"error,omitempty"`
}

// handleUpdatePreferences は認証済みユーザーの通知設定更新を処理するハンドラを返す。
// 各エントリは独立して適用され、結果は入力と位置が揃ったリストで返す。
func (s *Server) handleUpdatePreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var entries []preference.Entry
		if err := c.ShouldBindJSON(&entries); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		results := s.preferences.UpdatePreferences(c.Request.Context(), userID, entries)

		responses := make([]preferenceEntryResponse, 0, len(results))
		for _, r := range results {
			resp := preferenceEntryResponse{Module: r.Module, EventType: r.EventType}
			if r.Err != nil {
				resp.Error = r.Err.Error()
			}
			responses = append(responses, resp)
		}
		c.JSON(http.StatusOK, gin.H{"results": responses})
	}
}

// inboxResponse はアプリ内通知のJSONレスポンス構造。
type inboxResponse struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Priority は通知の優先度。
	Priority notify.Priority `json:"priority"`
	// IsRead は通知の既読状態。
	IsRead bool `json:"is_read"`
	// CreatedAt は通知の作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
}

// toInboxResponses は受信箱エントリのスライスをJSONレスポンスのスライスに変換する。
func toInboxResponses(notifications []channel.InboxNotification) []inboxResponse {
	responses := make([]inboxResponse, 0, len(notifications))
	for _, n := range notifications {
		responses = append(responses, inboxResponse{
			ID:        n.ID,
			Title:     n.Title,
			Message:   n.Message,
			Priority:  n.Priority,
			IsRead:    n.IsRead,
			CreatedAt: n.CreatedAt.Format(time.RFC3339),
		})
	}
	return responses
}

// handleListInbox は認証済みユーザーのアプリ内通知一覧を返すハンドラを返す。
func (s *Server) handleListInbox() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		notifications, err := s.inbox.ListByUser(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			log.Printf("[Dispatch] 通知一覧取得エラー: %v", err)
			return
		}
		c.JSON(http.StatusOK, toInboxResponses(notifications))
	}
}

// handleListUnread は認証済みユーザーの未読通知一覧を返すハンドラを返す。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		notifications, err := s.inbox.ListUnread(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読通知一覧の取得に失敗しました"})
			log.Printf("[Dispatch] 未読通知一覧取得エラー: %v", err)
			return
		}
		c.JSON(http.StatusOK, toInboxResponses(notifications))
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラを返す。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		notificationID := c.Param("id")

		// 通知の存在確認と所有者チェック
		n, err := s.inbox.Get(c.Request.Context(), notificationID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}
		if n.UserID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
			return
		}

		if err := s.inbox.MarkAsRead(c.Request.Context(), notificationID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			log.Printf("[Dispatch] 通知既読処理エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラを返す。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		if err := s.inbox.MarkAllAsRead(c.Request.Context(), userID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			log.Printf("[Dispatch] 全通知既読処理エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました"})
	}
}
