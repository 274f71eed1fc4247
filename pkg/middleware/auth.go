package middleware

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/zaiko/pkg/token"
)

// contextKeyUserID はGinコンテキストに認証済みユーザーIDを格納するキー。
const contextKeyUserID = "user_id"

// Auth は認証トークンを検証するGinミドルウェアを返す。
// Authorizationヘッダーのベアラートークンをverifierで検証し、
// 成功した場合はコンテキストに "user_id"（subクレーム）を設定する。
//
// 検証失敗の詳細な理由はサーバー側ログにのみ記録する。レスポンスの
// メッセージは失敗理由によらず一律とする。
func Auth(verifier *token.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		// CORSプリフライトは認証せずに通す
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		claims, err := verifier.Verify(c.Request.Context(), tokenString)
		if err != nil {
			log.Printf("認証エラー: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "認証トークンが無効または期限切れです",
			})
			return
		}

		c.Set(contextKeyUserID, claims.Subject)
		c.Next()
	}
}

// GetUserID はGinコンテキストから認証済みユーザーIDを取得する。
// Authミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get(contextKeyUserID)
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}
