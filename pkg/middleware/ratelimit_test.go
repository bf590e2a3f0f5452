package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// TestRateLimit はレート制限ミドルウェアを検証する。
func TestRateLimit(t *testing.T) {
	t.Parallel()

	t.Run("clientがnilの場合はすべてのリクエストが通過すること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(RateLimit(nil, 1, time.Minute))
		router.GET("/test", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		for i := 0; i < 10; i++ {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
			}
		}
	})

	t.Run("ウィンドウが正でない場合はすべてのリクエストが通過すること", func(t *testing.T) {
		t.Parallel()

		client := redis.NewClient(&redis.Options{Addr: "localhost:1"})
		defer client.Close()

		router := gin.New()
		router.Use(RateLimit(client, 1, 0))
		router.GET("/test", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		for i := 0; i < 3; i++ {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
			}
		}
	})

	t.Run("1秒未満のウィンドウでもバケット計算が破綻しないこと", func(t *testing.T) {
		t.Parallel()

		// 未使用ポートを指すクライアント。INCRは失敗しフェイルオープンとなるが、
		// その前のバケット計算がウィンドウ100msでも安全であることを確認する。
		client := redis.NewClient(&redis.Options{
			Addr:        "localhost:1",
			DialTimeout: 100 * time.Millisecond,
			MaxRetries:  -1,
		})
		defer client.Close()

		router := gin.New()
		router.Use(RateLimit(client, 1, 100*time.Millisecond))
		router.GET("/test", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("Redisに到達できない場合はフェイルオープンでリクエストが通過すること", func(t *testing.T) {
		t.Parallel()

		// 未使用ポートを指すクライアント。INCRは必ず失敗する。
		client := redis.NewClient(&redis.Options{
			Addr:        "localhost:1",
			DialTimeout: 100 * time.Millisecond,
			MaxRetries:  -1,
		})
		defer client.Close()

		router := gin.New()
		router.Use(RateLimit(client, 1, time.Minute))
		router.GET("/test", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		for i := 0; i < 3; i++ {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
			}
		}
	})
}
