// Package api は注文・在庫管理APIのHTTPサーバーを提供する。
//
// 認証プロバイダが発行したベアラートークンを検証するゲートの背後で、
// 商品・単位・注文のCRUDエンドポイントを公開する。すべての操作は
// 認証済みユーザーが所有する行に限定される。
package api
