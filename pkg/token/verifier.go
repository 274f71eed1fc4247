package token

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nao1215/zaiko/pkg/keyset"
)

// Claims は検証済みトークンのクレーム（ペイロード）を表す。
// sub（認証済みユーザーの一意識別子）が必須であることをVerifyが保証する。
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier は署名付きトークンを検証する。
// 署名アルゴリズムの許可リスト、発行者、オーディエンスのポリシーを持つ。
type Verifier struct {
	// resolver は署名検証用の公開鍵を解決する。
	resolver keyset.Resolver
	// algorithms は受け入れる署名アルゴリズムの許可リスト。
	// トークンのヘッダーが申告するアルゴリズムは信用せず、
	// このリストとの照合を署名検証より先に行う。
	algorithms []string
	// issuer は期待する発行者。空の場合は検証しない。
	issuer string
	// audience は期待するオーディエンス。空の場合は検証しない。
	// 認証プロバイダがaudクレーム無しでトークンを発行する構成が
	// デフォルトのため、オプトインとする。
	audience string
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// Option はVerifierの設定を変更する関数。
type Option func(*Verifier)

// WithAlgorithms は署名アルゴリズムの許可リストを設定する。
func WithAlgorithms(algorithms ...string) Option {
	return func(v *Verifier) {
		v.algorithms = algorithms
	}
}

// WithIssuer は期待する発行者（issクレーム）を設定する。
func WithIssuer(issuer string) Option {
	return func(v *Verifier) {
		v.issuer = issuer
	}
}

// WithAudience は期待するオーディエンス（audクレーム）を設定する。
func WithAudience(audience string) Option {
	return func(v *Verifier) {
		v.audience = audience
	}
}

// WithNowFunc は現在時刻を返す関数を設定する。テスト用。
func WithNowFunc(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier は新しいトークン検証器を生成する。
// アルゴリズム許可リストのデフォルトはRS256のみ。
func NewVerifier(resolver keyset.Resolver, opts ...Option) *Verifier {
	v := &Verifier{
		resolver:   resolver,
		algorithms: []string{"RS256"},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify は生のトークン文字列を検証し、検証済みクレームを返す。
//
// 検証手順:
//  1. 署名検証なしでヘッダーをパースし、アルゴリズムと鍵識別子を取り出す
//  2. アルゴリズムが許可リストに無ければ即座に拒否する
//  3. 鍵識別子から公開鍵を解決する
//  4. 署名を検証する
//  5. 登録クレーム（exp、nbf、iss、aud、sub）を検証する
//
// いずれかの手順で失敗した場合、errors.goの分類エラーを返す。
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	alg, kid, err := v.peekHeader(raw)
	if err != nil {
		return nil, err
	}

	if !slices.Contains(v.algorithms, alg) {
		return nil, fmt.Errorf("%w: alg=%s", ErrUnsupportedAlgorithm, alg)
	}

	key, err := v.resolver.Resolve(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningKeyUnavailable, err)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(v.algorithms),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
		return key, nil
	}, parserOpts...)
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidSignature
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: subが空です", ErrClaimValidation)
	}

	return claims, nil
}

// peekHeader は署名検証なしでトークンヘッダーからalgとkidを取り出す。
// この時点のヘッダー値は未検証であり、鍵の解決と許可リスト照合にのみ使う。
func (v *Verifier) peekHeader(raw string) (alg, kid string, err error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(raw, &Claims{})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	alg, _ = parsed.Header["alg"].(string)
	if alg == "" {
		return "", "", fmt.Errorf("%w: algヘッダーがありません", ErrMalformedToken)
	}
	kid, _ = parsed.Header["kid"].(string)
	return alg, kid, nil
}

// classifyParseError はjwtライブラリのエラーをこのパッケージの分類に変換する。
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrClaimValidation, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}
