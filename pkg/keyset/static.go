package keyset

import (
	"context"
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// StaticResolver はPEM形式で与えられた単一のRSA公開鍵を返すリゾルバ。
// 認証プロバイダの公開鍵をファイルで配布するデプロイ構成で使用する。
// 鍵セットが1つしかないため、鍵識別子は照合せずに同じ鍵を返す。
type StaticResolver struct {
	// key は検証に使うRSA公開鍵。
	key *rsa.PublicKey
}

// NewStaticResolver はPEM形式のRSA公開鍵から新しい固定鍵リゾルバを生成する。
func NewStaticResolver(pemBytes []byte) (*StaticResolver, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("PEM形式のRSA公開鍵のパースに失敗: %w", err)
	}
	return &StaticResolver{key: key}, nil
}

// Resolve は設定された固定公開鍵を返す。鍵識別子は使用しない。
func (r *StaticResolver) Resolve(_ context.Context, _ string) (*rsa.PublicKey, error) {
	return r.key, nil
}
