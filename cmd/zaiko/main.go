// 注文・在庫管理APIのエントリポイント。
// 認証プロバイダが発行したトークンを検証し、ユーザーごとの
// 商品・注文データを管理する。
package main

import (
	"log"
	"os"

	"github.com/nao1215/zaiko/internal/api"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server, err := api.NewServer(port)
	if err != nil {
		log.Fatalf("APIサーバーの初期化に失敗: %v", err)
	}

	log.Printf("注文・在庫管理APIを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("APIサーバーの起動に失敗: %v", err)
	}
}
