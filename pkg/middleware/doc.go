// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// 認証トークンの検証ゲート、パニックリカバリ、CORS設定など、
// ビジネスロジックの手前で適用するミドルウェアを含む。
package middleware
