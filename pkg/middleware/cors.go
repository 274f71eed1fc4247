package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORS はクロスオリジンリクエストを許可するGinミドルウェアを返す。
// allowedOriginsが空の場合はリクエスト元のオリジンをそのまま許可する
// （開発用途）。本番では許可するフロントエンドのオリジンを明示すること。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsSet[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		_, allowed := originsSet[origin]
		if len(allowedOrigins) == 0 {
			allowed = origin != ""
		}
		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
		}

		// プリフライトは空の成功レスポンスで終了する
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
