package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound は対象の行が存在しないか、呼び出し元のテナントが
// 所有していないことを示す。どちらのケースかは区別しない。
var ErrNotFound = errors.New("store: 対象が見つかりません")

// Store は商品・単位・注文へのデータアクセスを提供する。
// 接続プールは外部から注入する。パッケージレベルの共有状態は持たない。
type Store struct {
	// db はSQLiteデータベース接続プール。
	db *sql.DB
}

// New は新しいStoreを生成する。
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Product は商品の1行を表す。
type Product struct {
	// ID は商品の一意識別子。
	ID string
	// UserID は商品を所有するユーザーのID。
	UserID string
	// Name は商品名。
	Name string
	// UOMID は単位ID。
	UOMID int64
	// UOMName は単位名。一覧取得時にuomテーブルから結合する。
	UOMName string
	// PricePerUnit は単価。
	PricePerUnit float64
	// CreatedAt は作成日時。
	CreatedAt string
	// UpdatedAt は更新日時。
	UpdatedAt string
}

// UOM は数量の単位を表す。全テナント共有の参照データ。
type UOM struct {
	// ID は単位の一意識別子。
	ID int64
	// Name は単位名。
	Name string
}

// CreateProductParams は商品作成のパラメータ。
type CreateProductParams struct {
	// ID は商品の一意識別子。
	ID string
	// UserID は商品を所有するユーザーのID。
	UserID string
	// Name は商品名。
	Name string
	// UOMID は単位ID。
	UOMID int64
	// PricePerUnit は単価。
	PricePerUnit float64
}

// UpdateProductParams は商品更新のパラメータ。
type UpdateProductParams struct {
	// ID は更新対象の商品ID。
	ID string
	// UserID は呼び出し元の認証済みユーザーID。
	UserID string
	// Name は商品名。
	Name string
	// UOMID は単位ID。
	UOMID int64
	// PricePerUnit は単価。
	PricePerUnit float64
}

// ListProducts は指定ユーザーが所有する商品の一覧を返す。
func (s *Store) ListProducts(ctx context.Context, userID string) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.user_id, p.name, p.uom_id, u.name, p.price_per_unit, p.created_at, p.updated_at
		FROM products p
		LEFT JOIN uom u ON p.uom_id = u.id
		WHERE p.user_id = ?
		ORDER BY p.created_at DESC, p.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("商品一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	products := make([]Product, 0)
	for rows.Next() {
		var p Product
		var uomName sql.NullString
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.UOMID, &uomName, &p.PricePerUnit, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("商品行の読み取りに失敗: %w", err)
		}
		p.UOMName = uomName.String
		products = append(products, p)
	}
	return products, rows.Err()
}

// GetProduct は指定ユーザーが所有する商品を1件取得する。
// 存在しない、または他のユーザーが所有する場合はErrNotFoundを返す。
func (s *Store) GetProduct(ctx context.Context, userID, productID string) (Product, error) {
	var p Product
	var uomName sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.user_id, p.name, p.uom_id, u.name, p.price_per_unit, p.created_at, p.updated_at
		FROM products p
		LEFT JOIN uom u ON p.uom_id = u.id
		WHERE p.id = ? AND p.user_id = ?`, productID, userID).
		Scan(&p.ID, &p.UserID, &p.Name, &p.UOMID, &uomName, &p.PricePerUnit, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, fmt.Errorf("商品の取得に失敗: %w", err)
	}
	p.UOMName = uomName.String
	return p, nil
}

// CreateProduct は新しい商品を登録する。所有者はパラメータのUserIDになる。
func (s *Store) CreateProduct(ctx context.Context, params CreateProductParams) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, user_id, name, uom_id, price_per_unit)
		VALUES (?, ?, ?, ?, ?)`,
		params.ID, params.UserID, params.Name, params.UOMID, params.PricePerUnit)
	if err != nil {
		return fmt.Errorf("商品の登録に失敗: %w", err)
	}
	return nil
}

// UpdateProduct は指定ユーザーが所有する商品を更新する。
// 存在しない、または他のユーザーが所有する場合はErrNotFoundを返す。
func (s *Store) UpdateProduct(ctx context.Context, params UpdateProductParams) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = ?, uom_id = ?, price_per_unit = ?, updated_at = datetime('now')
		WHERE id = ? AND user_id = ?`,
		params.Name, params.UOMID, params.PricePerUnit, params.ID, params.UserID)
	if err != nil {
		return fmt.Errorf("商品の更新に失敗: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProduct は指定ユーザーが所有する商品を削除する。
// 存在しない、または他のユーザーが所有する場合はErrNotFoundを返す。
func (s *Store) DeleteProduct(ctx context.Context, userID, productID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM products WHERE id = ? AND user_id = ?`, productID, userID)
	if err != nil {
		return fmt.Errorf("商品の削除に失敗: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除行数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUOMs は単位マスタの一覧を返す。
func (s *Store) ListUOMs(ctx context.Context) ([]UOM, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM uom ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("単位一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	uoms := make([]UOM, 0)
	for rows.Next() {
		var u UOM
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return nil, fmt.Errorf("単位行の読み取りに失敗: %w", err)
		}
		uoms = append(uoms, u)
	}
	return uoms, rows.Err()
}
