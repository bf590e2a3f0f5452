// 通知ディスパッチエンジンのエントリポイント。
// 各モジュール（チケット、監視等）からの通知リクエストを受け取り、
// 宛先解決・ユーザー設定の適用・チャネル配信までを実行する。
package main

import (
	"log"
	"os"

	"github.com/pulseitsm/notify/internal/dispatch"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8086"
	}

	server, err := dispatch.NewServer(port)
	if err != nil {
		log.Fatalf("ディスパッチサーバーの初期化に失敗: %v", err)
	}

	log.Printf("通知ディスパッチエンジンを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("通知ディスパッチエンジンの起動に失敗: %v", err)
	}
}
