package keyset

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nao1215/zaiko/pkg/httpclient"
)

// ErrKeyNotFound は鍵識別子に一致する公開鍵が存在しないことを示す。
// 鍵セットの強制再取得後も見つからなかった場合に返される。
var ErrKeyNotFound = errors.New("keyset: 鍵識別子に一致する公開鍵が見つかりません")

// defaultCacheTTL は取得した鍵セットをキャッシュする期間。
// 鍵ローテーションの反映遅延とネットワーク往復回数のトレードオフで決める。
const defaultCacheTTL = 5 * time.Minute

// defaultRefreshInterval は鍵セット再取得の最小間隔。
// 未知のkidを持つトークンの連投でエンドポイントへの取得が
// 増幅されるのを防ぐ。
const defaultRefreshInterval = 30 * time.Second

// Resolver は鍵識別子（kid）からRSA公開鍵を解決するインターフェース。
type Resolver interface {
	// Resolve は鍵識別子に一致する公開鍵を返す。
	Resolve(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// JWKSResolver はリモートのJWKSエンドポイントから公開鍵を解決するリゾルバ。
// 取得した鍵セットをTTL付きでメモリにキャッシュし、未知のkidに対しては
// 鍵ローテーションを考慮して一度だけ強制再取得してから失敗を確定する。
// 再取得は最小間隔で抑制されるため、でたらめなkidを連投されても
// エンドポイントへの取得が増幅されることはない。
type JWKSResolver struct {
	// url はJWKSエンドポイントのURL。
	url string
	// client はJWKS取得に使うHTTPクライアント。
	client *httpclient.Client
	// ttl は鍵セットキャッシュの有効期間。
	ttl time.Duration
	// refreshInterval は鍵セット再取得の最小間隔。
	refreshInterval time.Duration
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time

	// mu はkeys、expiresAt、lastAttemptを保護する。
	mu sync.RWMutex
	// keys はkidからRSA公開鍵へのマッピング。
	keys map[string]*rsa.PublicKey
	// expiresAt はキャッシュの有効期限。
	expiresAt time.Time
	// lastAttempt は最後に再取得を試みた時刻。失敗した試行も含む。
	lastAttempt time.Time

	// group は同時に発生した再取得を1回のHTTPリクエストにまとめる。
	group singleflight.Group
}

// JWKSOption はJWKSResolverの設定を変更する関数。
type JWKSOption func(*JWKSResolver)

// WithCacheTTL は鍵セットキャッシュの有効期間を設定する。
func WithCacheTTL(ttl time.Duration) JWKSOption {
	return func(r *JWKSResolver) {
		r.ttl = ttl
	}
}

// WithRefreshInterval は鍵セット再取得の最小間隔を設定する。
func WithRefreshInterval(interval time.Duration) JWKSOption {
	return func(r *JWKSResolver) {
		r.refreshInterval = interval
	}
}

// WithHTTPClient はJWKS取得に使うHTTPクライアントを設定する。
func WithHTTPClient(client *httpclient.Client) JWKSOption {
	return func(r *JWKSResolver) {
		r.client = client
	}
}

// WithNowFunc は現在時刻を返す関数を設定する。テスト用。
func WithNowFunc(now func() time.Time) JWKSOption {
	return func(r *JWKSResolver) {
		r.now = now
	}
}

// NewJWKSResolver は新しいJWKSリゾルバを生成する。
func NewJWKSResolver(url string, opts ...JWKSOption) *JWKSResolver {
	r := &JWKSResolver{
		url:             url,
		client:          httpclient.New(0),
		ttl:             defaultCacheTTL,
		refreshInterval: defaultRefreshInterval,
		now:             time.Now,
		keys:            make(map[string]*rsa.PublicKey),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve は鍵識別子に一致する公開鍵を返す。
// キャッシュが有効で鍵が見つかればネットワークアクセスなしで返す。
// キャッシュ切れまたは未知のkidの場合は鍵セットを再取得してから探す。
// ただし前回の取得試行から最小間隔が経過していない場合は再取得しない。
// 再取得後も見つからなければErrKeyNotFoundを返す。
func (r *JWKSResolver) Resolve(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key := r.lookup(kid); key != nil {
		return key, nil
	}

	// キャッシュミス。同時リクエストをまとめて1回だけ再取得する。
	if err := r.refresh(ctx); err != nil {
		return nil, fmt.Errorf("鍵セットの取得に失敗: %w", err)
	}

	if key := r.lookup(kid); key != nil {
		return key, nil
	}
	return nil, ErrKeyNotFound
}

// lookup はキャッシュが有効な場合にkidに一致する鍵を返す。
// キャッシュ切れまたは鍵が存在しない場合はnilを返す。
func (r *JWKSResolver) lookup(kid string) *rsa.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.now().After(r.expiresAt) {
		return nil
	}
	return r.keys[kid]
}

// refresh はJWKSエンドポイントから鍵セットを取得してキャッシュを更新する。
// 同時に呼び出された場合、実際のHTTPリクエストは1回にまとめられ、
// 全呼び出し元が同じ結果を受け取る。前回の試行から最小間隔が経過して
// いなければ取得せずに戻る。未知のkidを連投されても取得回数は
// 最小間隔あたり1回に抑えられる。
func (r *JWKSResolver) refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("refresh", func() (any, error) {
		now := r.now()
		r.mu.Lock()
		if now.Sub(r.lastAttempt) < r.refreshInterval {
			r.mu.Unlock()
			return nil, nil
		}
		r.lastAttempt = now
		r.mu.Unlock()

		keys, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.keys = keys
		r.expiresAt = r.now().Add(r.ttl)
		r.mu.Unlock()
		return nil, nil
	})
	return err
}

// jwksDocument はJWKSエンドポイントのレスポンス形式。
type jwksDocument struct {
	// Keys は公開鍵レコードのリスト。
	Keys []jwkRecord `json:"keys"`
}

// jwkRecord はJWKS内の1つの公開鍵レコード。
type jwkRecord struct {
	// Kty は鍵タイプ（RSA等）。
	Kty string `json:"kty"`
	// Kid は鍵識別子。
	Kid string `json:"kid"`
	// Use は鍵の用途（sig等）。
	Use string `json:"use"`
	// Alg は鍵に対応する署名アルゴリズム。
	Alg string `json:"alg"`
	// N はRSA公開鍵のモジュラス（base64url）。
	N string `json:"n"`
	// E はRSA公開鍵の指数（base64url）。
	E string `json:"e"`
}

// fetch はJWKSエンドポイントから鍵セットを取得してパースする。
// RSA以外の鍵やパースできない鍵はスキップする。
func (r *JWKSResolver) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	var doc jwksDocument
	if err := r.client.GetJSON(ctx, r.url, &doc); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, rec := range doc.Keys {
		if rec.Kty != "RSA" || rec.Kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(rec)
		if err != nil {
			continue
		}
		keys[rec.Kid] = pub
	}

	if len(keys) == 0 {
		return nil, errors.New("鍵セットに使用可能なRSA公開鍵が含まれていません")
	}
	return keys, nil
}

// parseRSAPublicKey はJWKレコードをRSA公開鍵に変換する。
func parseRSAPublicKey(rec jwkRecord) (*rsa.PublicKey, error) {
	if rec.N == "" || rec.E == "" {
		return nil, errors.New("RSA公開鍵のパラメータが不足しています")
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(rec.N)
	if err != nil {
		return nil, fmt.Errorf("モジュラスのデコードに失敗: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(rec.E)
	if err != nil {
		return nil, fmt.Errorf("指数のデコードに失敗: %w", err)
	}

	e := new(big.Int).SetBytes(eBytes).Int64()
	if e <= 0 || e > int64(^uint32(0)) {
		return nil, errors.New("RSA公開鍵の指数が範囲外です")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e),
	}, nil
}
