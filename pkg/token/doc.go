// Package token は認証プロバイダが発行した署名付きトークンの検証を提供する。
//
// トークンの署名アルゴリズムを許可リストで制限し、keysetパッケージで
// 解決した公開鍵で署名を検証した上で、有効期限などの登録クレームを
// 確認する。検証失敗の詳細は呼び出し元でのログ用途に限り、APIの
// レスポンスには含めないこと。
package token
