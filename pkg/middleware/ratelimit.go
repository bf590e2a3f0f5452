package middleware

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// DefaultRateLimitPerMinute はディスパッチAPIの1分あたりのデフォルト呼び出し上限。
const DefaultRateLimitPerMinute = 300

// RateLimit はRedisの固定ウィンドウ方式でリクエスト数を制限するGinミドルウェアを返す。
// カウントのキーは呼び出し元ユーザーID（未認証の場合はクライアントIP）。
// Redisに到達できない場合は制限せずに通過させる（フェイルオープン）。
// clientがnil、または上限・ウィンドウが正でない場合は何もしないミドルウェアを返す。
func RateLimit(client *redis.Client, limit int, window time.Duration) gin.HandlerFunc {
	if client == nil || limit <= 0 || window <= 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		caller := GetUserID(c)
		if caller == "" {
			caller = c.ClientIP()
		}
		// ナノ秒で割ることで1秒未満のウィンドウでもバケットが定まる
		key := fmt.Sprintf("ratelimit:%s:%d", caller, time.Now().UnixNano()/int64(window))

		count, err := client.Incr(c.Request.Context(), key).Result()
		if err != nil {
			// Redis障害で通知を止めない
			log.Printf("[RateLimit] Redisへの接続に失敗したため制限をスキップ: %v", err)
			c.Next()
			return
		}
		if count == 1 {
			client.Expire(c.Request.Context(), key, window)
		}

		if count > int64(limit) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "リクエスト数が上限を超えました。しばらく待ってから再試行してください",
			})
			return
		}

		c.Next()
	}
}
