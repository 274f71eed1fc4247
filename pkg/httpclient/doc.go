// Package httpclient は外部エンドポイントへのHTTP通信を行うクライアントを提供する。
//
// 認証プロバイダの公開鍵セット（JWKS）エンドポイントの取得など、
// 外部エンドポイントへのJSON通信パターンを統一する。
package httpclient
