// Package keyset は認証トークンの署名検証に使う公開鍵の解決を提供する。
//
// 認証プロバイダが公開するJWKSエンドポイントから鍵セットを取得して
// キャッシュするリゾルバと、PEM形式の固定公開鍵を返すリゾルバを含む。
// どちらもResolverインターフェースを実装し、デプロイ構成に応じて
// 差し替えられる。
package keyset
