package api

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nao1215/zaiko/internal/store"
	"github.com/nao1215/zaiko/pkg/keyset"
	"github.com/nao1215/zaiko/pkg/middleware"
	"github.com/nao1215/zaiko/pkg/token"
)

// recentOrdersLimit は直近注文一覧のデフォルト件数。
const recentOrdersLimit = 5

// Server は注文・在庫管理APIのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store はデータアクセス層。
	store *store.Store
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewServer は新しいAPIサーバーを生成する。
// SQLiteデータベースの初期化、スキーマ適用、トークン検証器の構築を行う。
// 署名鍵の設定（JWKS_URLまたはJWT_PUBLIC_KEY_FILE）が無い場合はエラーを返す。
func NewServer(port string) (*Server, error) {
	dbPath := getEnvOr("DB_PATH", "/data/zaiko.db")
	sqlDB, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := store.InitSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	verifier, err := newVerifierFromEnv()
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	var origins []string
	if frontendURL := os.Getenv("FRONTEND_URL"); frontendURL != "" {
		origins = []string{frontendURL}
	}
	router.Use(middleware.CORS(origins))

	s := &Server{
		router: router,
		port:   port,
		store:  store.New(sqlDB),
		db:     sqlDB,
	}
	s.setupRoutes(middleware.Auth(verifier))

	return s, nil
}

// newVerifierFromEnv は環境変数からトークン検証器を構築する。
//
//   - JWKS_URL: 認証プロバイダのJWKSエンドポイント
//   - JWT_PUBLIC_KEY_FILE: PEM形式のRSA公開鍵ファイル（JWKS_URL未設定時）
//   - JWT_ALGORITHMS: 許可する署名アルゴリズム（カンマ区切り、省略時RS256）
//   - JWT_ISSUER: 期待する発行者（省略時は検証しない）
//   - JWT_AUDIENCE: 期待するオーディエンス（省略時は検証しない）
//
// JWKS_URLとJWT_PUBLIC_KEY_FILEの両方が未設定の場合はエラーを返す。
// 署名鍵無しでの起動は認証の無効化と同義のため許可しない。
func newVerifierFromEnv() (*token.Verifier, error) {
	var resolver keyset.Resolver
	switch {
	case os.Getenv("JWKS_URL") != "":
		resolver = keyset.NewJWKSResolver(os.Getenv("JWKS_URL"))
	case os.Getenv("JWT_PUBLIC_KEY_FILE") != "":
		pemBytes, err := os.ReadFile(os.Getenv("JWT_PUBLIC_KEY_FILE"))
		if err != nil {
			return nil, fmt.Errorf("公開鍵ファイルの読み込みに失敗: %w", err)
		}
		resolver, err = keyset.NewStaticResolver(pemBytes)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("署名鍵の設定がありません: JWKS_URLまたはJWT_PUBLIC_KEY_FILEを設定してください")
	}

	opts := []token.Option{}
	if algs := os.Getenv("JWT_ALGORITHMS"); algs != "" {
		opts = append(opts, token.WithAlgorithms(strings.Split(algs, ",")...))
	}
	if issuer := os.Getenv("JWT_ISSUER"); issuer != "" {
		opts = append(opts, token.WithIssuer(issuer))
	}
	if audience := os.Getenv("JWT_AUDIENCE"); audience != "" {
		opts = append(opts, token.WithAudience(audience))
	}

	return token.NewVerifier(resolver, opts...), nil
}

// getEnvOr は環境変数の値を返す。未設定の場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(authGate gin.HandlerFunc) {
	api := s.router.Group("/api/v1")
	api.Use(authGate)
	{
		products := api.Group("/products")
		{
			// 商品一覧取得
			products.GET("", s.handleListProducts())
			// 商品登録
			products.POST("", s.handleCreateProduct())
			// 商品更新
			products.PUT("/:id", s.handleUpdateProduct())
			// 商品削除
			products.DELETE("/:id", s.handleDeleteProduct())
		}

		// 単位マスタ一覧取得
		api.GET("/uoms", s.handleListUOMs())

		orders := api.Group("/orders")
		{
			// 注文登録
			orders.POST("", s.handleCreateOrder())
			// 注文一覧取得
			orders.GET("", s.handleListOrders())
			// 注文数取得
			orders.GET("/count", s.handleCountOrders())
			// 直近注文取得
			orders.GET("/recent", s.handleRecentOrders())
			// 全注文明細のフラット一覧取得
			orders.GET("/lines", s.handleOrderLines())
			// 注文明細取得
			orders.GET("/:id/details", s.handleOrderDetails())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "zaiko"})
	})
}

// createProductRequest は商品登録リクエストのJSON構造。
type createProductRequest struct {
	// Name は商品名。
	Name string `json:"name" binding:"required"`
	// UOMID は単位ID。
	UOMID int64 `json:"uom_id" binding:"required"`
	// PricePerUnit は単価。
	PricePerUnit float64 `json:"price_per_unit" binding:"required,gt=0"`
}

// updateProductRequest は商品更新リクエストのJSON構造。
type updateProductRequest struct {
	// Name は商品名。
	Name string `json:"name" binding:"required"`
	// UOMID は単位ID。
	UOMID int64 `json:"uom_id" binding:"required"`
	// PricePerUnit は単価。
	PricePerUnit float64 `json:"price_per_unit" binding:"required,gt=0"`
}

// createOrderRequest は注文登録リクエストのJSON構造。
type createOrderRequest struct {
	// CustomerName は顧客名。
	CustomerName string `json:"customer_name" binding:"required"`
	// OrderDetails は注文明細のリスト。
	OrderDetails []orderItemRequest `json:"order_details" binding:"required,min=1,dive"`
}

// orderItemRequest は注文明細1件のJSON構造。
type orderItemRequest struct {
	// ProductID は商品ID。
	ProductID string `json:"product_id" binding:"required"`
	// Quantity は数量。
	Quantity float64 `json:"quantity" binding:"required,gt=0"`
}

// productResponse は商品のJSONレスポンス構造。
type productResponse struct {
	// ID は商品の一意識別子。
	ID string `json:"id"`
	// Name は商品名。
	Name string `json:"name"`
	// UOMID は単位ID。
	UOMID int64 `json:"uom_id"`
	// UOMName は単位名。
	UOMName string `json:"uom_name"`
	// PricePerUnit は単価。
	PricePerUnit float64 `json:"price_per_unit"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt string `json:"updated_at"`
}

// uomResponse は単位のJSONレスポンス構造。
type uomResponse struct {
	// ID は単位の一意識別子。
	ID int64 `json:"uom_id"`
	// Name は単位名。
	Name string `json:"uom_name"`
}

// orderResponse は注文のJSONレスポンス構造。
type orderResponse struct {
	// ID は注文の一意識別子。
	ID string `json:"id"`
	// CustomerName は顧客名。
	CustomerName string `json:"customer_name"`
	// Total は注文合計金額。
	Total float64 `json:"total"`
	// ItemCount は注文に含まれる明細の数。一覧取得時のみ設定する。
	ItemCount int64 `json:"item_count,omitempty"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
}

// orderDetailResponse は注文明細のJSONレスポンス構造。
type orderDetailResponse struct {
	// ProductID は商品ID。
	ProductID string `json:"product_id"`
	// ProductName は商品名。
	ProductName string `json:"name"`
	// Quantity は数量。
	Quantity float64 `json:"quantity"`
	// PricePerUnit は注文時点の単価。
	PricePerUnit float64 `json:"price_per_unit"`
	// TotalPrice は明細合計金額。
	TotalPrice float64 `json:"total_price"`
}

// orderLineResponse は全注文明細フラット一覧のJSONレスポンス構造。
type orderLineResponse struct {
	// OrderID は注文ID。
	OrderID string `json:"order_id"`
	// ProductName は商品名。
	ProductName string `json:"name"`
	// Quantity は数量。
	Quantity float64 `json:"quantity"`
	// PricePerUnit は注文時点の単価。
	PricePerUnit float64 `json:"price_per_unit"`
	// TotalPrice は明細合計金額。
	TotalPrice float64 `json:"total_price"`
}

// toProductResponse はDB行をJSONレスポンスに変換する。
func toProductResponse(p store.Product) productResponse {
	return productResponse{
		ID:           p.ID,
		Name:         p.Name,
		UOMID:        p.UOMID,
		UOMName:      p.UOMName,
		PricePerUnit: p.PricePerUnit,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

// handleListProducts は商品一覧取得を処理するハンドラを返す。
func (s *Server) handleListProducts() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		products, err := s.store.ListProducts(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "商品一覧の取得に失敗しました"})
			log.Printf("商品一覧取得エラー: %v", err)
			return
		}

		responses := make([]productResponse, 0, len(products))
		for _, p := range products {
			responses = append(responses, toProductResponse(p))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleCreateProduct は商品登録を処理するハンドラを返す。
// 所有者には認証済みユーザーIDを記録する。
func (s *Server) handleCreateProduct() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req createProductRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		productID := uuid.New().String()
		if err := s.store.CreateProduct(c.Request.Context(), store.CreateProductParams{
			ID:           productID,
			UserID:       userID,
			Name:         req.Name,
			UOMID:        req.UOMID,
			PricePerUnit: req.PricePerUnit,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "商品の登録に失敗しました"})
			log.Printf("商品登録エラー: %v", err)
			return
		}

		created, err := s.store.GetProduct(c.Request.Context(), userID, productID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "登録した商品の取得に失敗しました"})
			log.Printf("商品取得エラー: %v", err)
			return
		}
		c.JSON(http.StatusCreated, toProductResponse(created))
	}
}

// handleUpdateProduct は商品更新を処理するハンドラを返す。
// 他のユーザーが所有する商品は存在しないものとして404を返す。
func (s *Server) handleUpdateProduct() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req updateProductRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		productID := c.Param("id")
		err := s.store.UpdateProduct(c.Request.Context(), store.UpdateProductParams{
			ID:           productID,
			UserID:       userID,
			Name:         req.Name,
			UOMID:        req.UOMID,
			PricePerUnit: req.PricePerUnit,
		})
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "商品が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "商品の更新に失敗しました"})
			log.Printf("商品更新エラー: %v", err)
			return
		}

		updated, err := s.store.GetProduct(c.Request.Context(), userID, productID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "更新後の商品の取得に失敗しました"})
			log.Printf("商品取得エラー: %v", err)
			return
		}
		c.JSON(http.StatusOK, toProductResponse(updated))
	}
}

// handleDeleteProduct は商品削除を処理するハンドラを返す。
// 他のユーザーが所有する商品は存在しないものとして404を返す。
func (s *Server) handleDeleteProduct() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		productID := c.Param("id")
		err := s.store.DeleteProduct(c.Request.Context(), userID, productID)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "商品が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "商品の削除に失敗しました"})
			log.Printf("商品削除エラー: %v", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"product_id": productID})
	}
}

// handleListUOMs は単位マスタ一覧取得を処理するハンドラを返す。
func (s *Server) handleListUOMs() gin.HandlerFunc {
	return func(c *gin.Context) {
		uoms, err := s.store.ListUOMs(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "単位一覧の取得に失敗しました"})
			log.Printf("単位一覧取得エラー: %v", err)
			return
		}

		responses := make([]uomResponse, 0, len(uoms))
		for _, u := range uoms {
			responses = append(responses, uomResponse{ID: u.ID, Name: u.Name})
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleCreateOrder は注文登録を処理するハンドラを返す。
// 明細の商品解決と合計計算はデータアクセス層が1トランザクションで行う。
// 明細のいずれかの商品が呼び出し元の所有でない場合、注文全体が失敗する。
func (s *Server) handleCreateOrder() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req createOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		items := make([]store.OrderItemParams, 0, len(req.OrderDetails))
		for _, item := range req.OrderDetails {
			items = append(items, store.OrderItemParams{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
			})
		}

		order, err := s.store.InsertOrder(c.Request.Context(), store.InsertOrderParams{
			ID:           uuid.New().String(),
			UserID:       userID,
			CustomerName: req.CustomerName,
			Items:        items,
		})
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "注文に含まれる商品が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文の登録に失敗しました"})
			log.Printf("注文登録エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, orderResponse{
			ID:           order.ID,
			CustomerName: order.CustomerName,
			Total:        order.Total,
			CreatedAt:    order.CreatedAt,
		})
	}
}

// handleListOrders は注文一覧取得を処理するハンドラを返す。
func (s *Server) handleListOrders() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		orders, err := s.store.ListOrders(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文一覧の取得に失敗しました"})
			log.Printf("注文一覧取得エラー: %v", err)
			return
		}

		responses := make([]orderResponse, 0, len(orders))
		for _, o := range orders {
			responses = append(responses, orderResponse{
				ID:           o.ID,
				CustomerName: o.CustomerName,
				Total:        o.Total,
				ItemCount:    o.ItemCount,
				CreatedAt:    o.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleCountOrders は注文数取得を処理するハンドラを返す。
func (s *Server) handleCountOrders() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		count, err := s.store.CountOrders(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文数の取得に失敗しました"})
			log.Printf("注文数取得エラー: %v", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"order_count": count})
	}
}

// handleRecentOrders は直近注文取得を処理するハンドラを返す。
func (s *Server) handleRecentOrders() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		orders, err := s.store.ListRecentOrders(c.Request.Context(), userID, recentOrdersLimit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "直近注文の取得に失敗しました"})
			log.Printf("直近注文取得エラー: %v", err)
			return
		}

		responses := make([]orderResponse, 0, len(orders))
		for _, o := range orders {
			responses = append(responses, orderResponse{
				ID:           o.ID,
				CustomerName: o.CustomerName,
				Total:        o.Total,
				CreatedAt:    o.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleOrderDetails は注文明細取得を処理するハンドラを返す。
// 他のユーザーが所有する注文のIDを指定した場合は空のリストを返す。
func (s *Server) handleOrderDetails() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		details, err := s.store.ListOrderDetails(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文明細の取得に失敗しました"})
			log.Printf("注文明細取得エラー: %v", err)
			return
		}

		responses := make([]orderDetailResponse, 0, len(details))
		for _, d := range details {
			responses = append(responses, orderDetailResponse{
				ProductID:    d.ProductID,
				ProductName:  d.ProductName,
				Quantity:     d.Quantity,
				PricePerUnit: d.PricePerUnit,
				TotalPrice:   d.TotalPrice,
			})
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleOrderLines は全注文明細のフラット一覧取得を処理するハンドラを返す。
func (s *Server) handleOrderLines() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		lines, err := s.store.ListOrderLines(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文明細一覧の取得に失敗しました"})
			log.Printf("注文明細一覧取得エラー: %v", err)
			return
		}

		responses := make([]orderLineResponse, 0, len(lines))
		for _, l := range lines {
			responses = append(responses, orderLineResponse{
				OrderID:      l.OrderID,
				ProductName:  l.ProductName,
				Quantity:     l.Quantity,
				PricePerUnit: l.PricePerUnit,
				TotalPrice:   l.TotalPrice,
			})
		}
		c.JSON(http.StatusOK, responses)
	}
}
