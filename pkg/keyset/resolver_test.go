package keyset

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// generateTestKey はテスト用のRSA鍵ペアを生成する。
func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("RSA鍵の生成に失敗: %v", err)
	}
	return key
}

// jwksJSON は公開鍵からJWKSレスポンスのJSONを構築する。
func jwksJSON(t *testing.T, kids map[string]*rsa.PublicKey) []byte {
	t.Helper()

	type jwk struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		Alg string `json:"alg"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	doc := struct {
		Keys []jwk `json:"keys"`
	}{}

	for kid, pub := range kids {
		doc.Keys = append(doc.Keys, jwk{
			Kty: "RSA",
			Kid: kid,
			Use: "sig",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("JWKSのシリアライズに失敗: %v", err)
	}
	return data
}

// newJWKSServer はJWKSを配信するテスト用サーバーを生成する。
// fetchCountは取得リクエストの回数を記録する。
func newJWKSServer(t *testing.T, kids map[string]*rsa.PublicKey, fetchCount *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fetchCount != nil {
			fetchCount.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(jwksJSON(t, kids))
	}))
	t.Cleanup(server.Close)
	return server
}

// TestJWKSResolverResolve はJWKSリゾルバの鍵解決を検証する。
func TestJWKSResolverResolve(t *testing.T) {
	t.Parallel()

	t.Run("既知のkidに対して公開鍵を返すこと", func(t *testing.T) {
		t.Parallel()

		key := generateTestKey(t)
		server := newJWKSServer(t, map[string]*rsa.PublicKey{"key-1": &key.PublicKey}, nil)

		resolver := NewJWKSResolver(server.URL)
		pub, err := resolver.Resolve(context.Background(), "key-1")
		if err != nil {
			t.Fatalf("Resolve()でエラーが発生: %v", err)
		}

		if pub.N.Cmp(key.PublicKey.N) != 0 {
			t.Error("解決された公開鍵のモジュラスが一致しない")
		}
		if pub.E != key.PublicKey.E {
			t.Errorf("解決された公開鍵の指数 = %d, want %d", pub.E, key.PublicKey.E)
		}
	})

	t.Run("キャッシュが有効な間は再取得しないこと", func(t *testing.T) {
		t.Parallel()

		key := generateTestKey(t)
		var fetchCount atomic.Int64
		server := newJWKSServer(t, map[string]*rsa.PublicKey{"key-1": &key.PublicKey}, &fetchCount)

		resolver := NewJWKSResolver(server.URL)
		for range 3 {
			if _, err := resolver.Resolve(context.Background(), "key-1"); err != nil {
				t.Fatalf("Resolve()でエラーが発生: %v", err)
			}
		}

		if got := fetchCount.Load(); got != 1 {
			t.Errorf("JWKS取得回数 = %d, want %d", got, 1)
		}
	})

	t.Run("キャッシュ期限切れ後に再取得すること", func(t *testing.T) {
		t.Parallel()

		key := generateTestKey(t)
		var fetchCount atomic.Int64
		server := newJWKSServer(t, map[string]*rsa.PublicKey{"key-1": &key.PublicKey}, &fetchCount)

		current := time.Now()
		resolver := NewJWKSResolver(server.URL,
			WithCacheTTL(time.Minute),
			WithNowFunc(func() time.Time { return current }),
		)

		if _, err := resolver.Resolve(context.Background(), "key-1"); err != nil {
			t.Fatalf("Resolve()でエラーが発生: %v", err)
		}

		// TTLを超えて時刻を進める
		current = current.Add(2 * time.Minute)

		if _, err := resolver.Resolve(context.Background(), "key-1"); err != nil {
			t.Fatalf("Resolve()でエラーが発生: %v", err)
		}
		if got := fetchCount.Load(); got != 2 {
			t.Errorf("JWKS取得回数 = %d, want %d", got, 2)
		}
	})

	t.Run("未知のkidに対して再取得してからErrKeyNotFoundを返すこと", func(t *testing.T) {
		t.Parallel()

		key := generateTestKey(t)
		var fetchCount atomic.Int64
		server := newJWKSServer(t, map[string]*rsa.PublicKey{"key-1": &key.PublicKey}, &fetchCount)

		current := time.Now()
		resolver := NewJWKSResolver(server.URL,
			WithNowFunc(func() time.Time { return current }),
		)

		// キャッシュを温める
		if _, err := resolver.Resolve(context.Background(), "key-1"); err != nil {
			t.Fatalf("Resolve()でエラーが発生: %v", err)
		}

		// 再取得の最小間隔を超えて時刻を進める
		current = current.Add(time.Minute)

		_, err := resolver.Resolve(context.Background(), "unknown-kid")
		if !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("err = %v, want ErrKeyNotFound", err)
		}

		// 鍵ローテーションを考慮した強制再取得が行われること
		if got := fetchCount.Load(); got != 2 {
			t.Errorf("JWKS取得回数 = %d, want %d", got, 2)
		}
	})

	t.Run("最小間隔内の未知kid連投で再取得が抑制されること", func(t *testing.T) {
		t.Parallel()

		key := generateTestKey(t)
		var fetchCount atomic.Int64
		server := newJWKSServer(t, map[string]*rsa.PublicKey{"key-1": &key.PublicKey}, &fetchCount)

		current := time.Now()
		resolver := NewJWKSResolver(server.URL,
			WithNowFunc(func() time.Time { return current }),
		)

		// キャッシュを温める
		if _, err := resolver.Resolve(context.Background(), "key-1"); err != nil {
			t.Fatalf("Resolve()でエラーが発生: %v", err)
		}

		// 最小間隔内の連投は全件ErrKeyNotFoundで、再取得は発生しない
		for range 5 {
			if _, err := resolver.Resolve(context.Background(), "bogus-kid"); !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("err = %v, want ErrKeyNotFound", err)
			}
		}
		if got := fetchCount.Load(); got != 1 {
			t.Errorf("JWKS取得回数 = %d, want %d", got, 1)
		}

		// 最小間隔を超えれば再取得が再開される
		current = current.Add(time.Minute)
		if _, err := resolver.Resolve(context.Background(), "bogus-kid"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("err = %v, want ErrKeyNotFound", err)
		}
		if got := fetchCount.Load(); got != 2 {
			t.Errorf("JWKS取得回数 = %d, want %d", got, 2)
		}
	})

	t.Run("鍵ローテーション後に新しいkidを解決できること", func(t *testing.T) {
		t.Parallel()

		oldKey := generateTestKey(t)
		newKey := generateTestKey(t)

		var mu sync.Mutex
		kids := map[string]*rsa.PublicKey{"old-key": &oldKey.PublicKey}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.Write(jwksJSON(t, kids))
		}))
		t.Cleanup(server.Close)

		current := time.Now()
		resolver := NewJWKSResolver(server.URL,
			WithNowFunc(func() time.Time { return current }),
		)
		if _, err := resolver.Resolve(context.Background(), "old-key"); err != nil {
			t.Fatalf("Resolve()でエラーが発生: %v", err)
		}

		// プロバイダ側で鍵をローテーションし、再取得の最小間隔を待つ
		mu.Lock()
		kids = map[string]*rsa.PublicKey{"new-key": &newKey.PublicKey}
		mu.Unlock()
		current = current.Add(time.Minute)

		pub, err := resolver.Resolve(context.Background(), "new-key")
		if err != nil {
			t.Fatalf("ローテーション後のResolve()でエラーが発生: %v", err)
		}
		if pub.N.Cmp(newKey.PublicKey.N) != 0 {
			t.Error("ローテーション後の公開鍵が一致しない")
		}
	})

	t.Run("エンドポイントが不達の場合エラーが返ること", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}))
		t.Cleanup(server.Close)

		resolver := NewJWKSResolver(server.URL)
		if _, err := resolver.Resolve(context.Background(), "key-1"); err == nil {
			t.Fatal("エンドポイント不達でエラーを返すべき")
		}
	})

	t.Run("不正なJWKSドキュメントでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"keys": "broken"`))
		}))
		t.Cleanup(server.Close)

		resolver := NewJWKSResolver(server.URL)
		if _, err := resolver.Resolve(context.Background(), "key-1"); err == nil {
			t.Fatal("不正なドキュメントでエラーを返すべき")
		}
	})

	t.Run("RSA以外の鍵のみの場合エラーが返ること", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"keys":[{"kty":"EC","kid":"ec-key","crv":"P-256"}]}`))
		}))
		t.Cleanup(server.Close)

		resolver := NewJWKSResolver(server.URL)
		if _, err := resolver.Resolve(context.Background(), "ec-key"); err == nil {
			t.Fatal("使用可能な鍵が無い場合エラーを返すべき")
		}
	})
}

// TestJWKSResolverSingleFlight は同時キャッシュミス時の取得集約を検証する。
func TestJWKSResolverSingleFlight(t *testing.T) {
	t.Parallel()

	t.Run("同時の未知kid解決でJWKS取得が1回にまとまること", func(t *testing.T) {
		t.Parallel()

		key := generateTestKey(t)
		var fetchCount atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fetchCount.Add(1)
			// 全ゴルーチンが合流するまで取得を遅延させる
			time.Sleep(50 * time.Millisecond)
			w.Header().Set("Content-Type", "application/json")
			w.Write(jwksJSON(t, map[string]*rsa.PublicKey{"key-1": &key.PublicKey}))
		}))
		t.Cleanup(server.Close)

		resolver := NewJWKSResolver(server.URL)

		const workers = 10
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = resolver.Resolve(context.Background(), "key-1")
			}()
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				t.Errorf("ゴルーチン%dのResolve()でエラーが発生: %v", i, err)
			}
		}
		if got := fetchCount.Load(); got != 1 {
			t.Errorf("JWKS取得回数 = %d, want %d", got, 1)
		}
	})
}

// TestStaticResolver は固定鍵リゾルバを検証する。
func TestStaticResolver(t *testing.T) {
	t.Parallel()

	t.Run("PEM形式の公開鍵を解決できること", func(t *testing.T) {
		t.Parallel()

		key := generateTestKey(t)
		der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			t.Fatalf("公開鍵のDERエンコードに失敗: %v", err)
		}
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

		resolver, err := NewStaticResolver(pemBytes)
		if err != nil {
			t.Fatalf("NewStaticResolver()でエラーが発生: %v", err)
		}

		// kidに関係なく同じ鍵が返ること
		pub, err := resolver.Resolve(context.Background(), "any-kid")
		if err != nil {
			t.Fatalf("Resolve()でエラーが発生: %v", err)
		}
		if pub.N.Cmp(key.PublicKey.N) != 0 {
			t.Error("解決された公開鍵が一致しない")
		}
	})

	t.Run("不正なPEMでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if _, err := NewStaticResolver([]byte("not a pem")); err == nil {
			t.Fatal("不正なPEMでエラーを返すべき")
		}
	})
}
