package token

import "errors"

// トークン検証失敗の分類。APIの境界ではすべて401に集約し、
// 区別はサーバー側ログでのみ行う。
var (
	// ErrMalformedToken はトークンの構造が不正であることを示す。
	ErrMalformedToken = errors.New("token: トークンの形式が不正です")
	// ErrUnsupportedAlgorithm はヘッダーの署名アルゴリズムが許可リストに無いことを示す。
	ErrUnsupportedAlgorithm = errors.New("token: 許可されていない署名アルゴリズムです")
	// ErrSigningKeyUnavailable は署名検証用の公開鍵を取得できなかったことを示す。
	ErrSigningKeyUnavailable = errors.New("token: 署名検証用の公開鍵を取得できません")
	// ErrInvalidSignature は署名が一致しないことを示す。
	ErrInvalidSignature = errors.New("token: 署名が不正です")
	// ErrTokenExpired はトークンの有効期限が切れていることを示す。
	ErrTokenExpired = errors.New("token: トークンの有効期限が切れています")
	// ErrClaimValidation は登録クレームの検証に失敗したことを示す。
	ErrClaimValidation = errors.New("token: クレームの検証に失敗しました")
)
