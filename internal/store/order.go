package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Order は注文ヘッダの1行を表す。
type Order struct {
	// ID は注文の一意識別子。
	ID string
	// UserID は注文を所有するユーザーのID。
	UserID string
	// CustomerName は顧客名。
	CustomerName string
	// Total は注文合計金額。明細の合計からサーバー側で計算する。
	Total float64
	// CreatedAt は作成日時。
	CreatedAt string
}

// OrderSummary は一覧表示用の注文ヘッダと明細数。
type OrderSummary struct {
	Order
	// ItemCount は注文に含まれる明細の数。
	ItemCount int64
}

// OrderDetail は注文明細の1行を表す。単価は注文時点のスナップショット。
type OrderDetail struct {
	// ProductID は商品ID。
	ProductID string
	// ProductName は商品名。
	ProductName string
	// Quantity は数量。
	Quantity float64
	// PricePerUnit は注文時点の単価。
	PricePerUnit float64
	// TotalPrice は明細合計金額。
	TotalPrice float64
}

// OrderLine は全注文の明細をフラットに並べた1行。ダッシュボード表示用。
type OrderLine struct {
	// OrderID は注文ID。
	OrderID string
	// ProductName は商品名。
	ProductName string
	// Quantity は数量。
	Quantity float64
	// PricePerUnit は注文時点の単価。
	PricePerUnit float64
	// TotalPrice は明細合計金額。
	TotalPrice float64
}

// OrderItemParams は注文作成時の1明細のパラメータ。
type OrderItemParams struct {
	// ProductID は商品ID。呼び出し元のユーザーが所有していること。
	ProductID string
	// Quantity は数量。正の値であること。
	Quantity float64
}

// InsertOrderParams は注文作成のパラメータ。
type InsertOrderParams struct {
	// ID は注文の一意識別子。
	ID string
	// UserID は呼び出し元の認証済みユーザーID。
	UserID string
	// CustomerName は顧客名。
	CustomerName string
	// Items は注文明細のリスト。
	Items []OrderItemParams
}

// InsertOrder は注文ヘッダと明細を1トランザクションで登録する。
//
// 各明細の商品は呼び出し元ユーザーの所有分から解決し、単価を注文時点の
// スナップショットとして保存する。明細合計はサーバー側で計算する。
// 明細のいずれかが解決できない場合（商品が存在しない、または他の
// テナントの所有）は全体をロールバックし、部分的な注文は残さない。
func (s *Store) InsertOrder(ctx context.Context, params InsertOrderParams) (Order, error) {
	if len(params.Items) == 0 {
		return Order{}, errors.New("store: 注文には1件以上の明細が必要です")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, customer_name, total)
		VALUES (?, ?, ?, 0)`,
		params.ID, params.UserID, params.CustomerName); err != nil {
		return Order{}, fmt.Errorf("注文ヘッダの登録に失敗: %w", err)
	}

	var grandTotal float64
	for _, item := range params.Items {
		if item.Quantity <= 0 {
			return Order{}, fmt.Errorf("store: 数量が不正です: product_id=%s", item.ProductID)
		}

		// 呼び出し元ユーザーの所有商品のみ参照できる
		var pricePerUnit float64
		err := tx.QueryRowContext(ctx,
			`SELECT price_per_unit FROM products WHERE id = ? AND user_id = ?`,
			item.ProductID, params.UserID).Scan(&pricePerUnit)
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, fmt.Errorf("%w: product_id=%s", ErrNotFound, item.ProductID)
		}
		if err != nil {
			return Order{}, fmt.Errorf("商品の解決に失敗: %w", err)
		}

		totalPrice := pricePerUnit * item.Quantity
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_details (id, order_id, product_id, quantity, price_per_unit, total_price)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), params.ID, item.ProductID, item.Quantity, pricePerUnit, totalPrice); err != nil {
			return Order{}, fmt.Errorf("注文明細の登録に失敗: %w", err)
		}
		grandTotal += totalPrice
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET total = ? WHERE id = ?`, grandTotal, params.ID); err != nil {
		return Order{}, fmt.Errorf("注文合計の更新に失敗: %w", err)
	}

	var order Order
	if err := tx.QueryRowContext(ctx, `
		SELECT id, user_id, customer_name, total, created_at
		FROM orders WHERE id = ?`, params.ID).
		Scan(&order.ID, &order.UserID, &order.CustomerName, &order.Total, &order.CreatedAt); err != nil {
		return Order{}, fmt.Errorf("登録した注文の取得に失敗: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Order{}, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return order, nil
}

// ListOrders は指定ユーザーが所有する注文の一覧を明細数付きで返す。
// 新しい注文が先頭になる。
func (s *Store) ListOrders(ctx context.Context, userID string) ([]OrderSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.user_id, o.customer_name, o.total, o.created_at, COUNT(od.id)
		FROM orders o
		LEFT JOIN order_details od ON o.id = od.order_id
		WHERE o.user_id = ?
		GROUP BY o.id
		ORDER BY o.created_at DESC, o.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("注文一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	orders := make([]OrderSummary, 0)
	for rows.Next() {
		var o OrderSummary
		if err := rows.Scan(&o.ID, &o.UserID, &o.CustomerName, &o.Total, &o.CreatedAt, &o.ItemCount); err != nil {
			return nil, fmt.Errorf("注文行の読み取りに失敗: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// CountOrders は指定ユーザーが所有する注文の数を返す。
func (s *Store) CountOrders(ctx context.Context, userID string) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE user_id = ?`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("注文数の取得に失敗: %w", err)
	}
	return count, nil
}

// ListRecentOrders は指定ユーザーの直近の注文を最大limit件返す。
func (s *Store) ListRecentOrders(ctx context.Context, userID string, limit int) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, customer_name, total, created_at
		FROM orders
		WHERE user_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("直近注文の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	orders := make([]Order, 0)
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.CustomerName, &o.Total, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("注文行の読み取りに失敗: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListOrderDetails は指定ユーザーが所有する注文の明細を返す。
// 注文が存在しない、または他のユーザーが所有する場合は空のリストを返す。
func (s *Store) ListOrderDetails(ctx context.Context, userID, orderID string) ([]OrderDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT od.product_id, COALESCE(p.name, ''), od.quantity, od.price_per_unit, od.total_price
		FROM order_details od
		JOIN orders o ON od.order_id = o.id
		LEFT JOIN products p ON od.product_id = p.id
		WHERE od.order_id = ? AND o.user_id = ?
		ORDER BY od.id`, orderID, userID)
	if err != nil {
		return nil, fmt.Errorf("注文明細の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	details := make([]OrderDetail, 0)
	for rows.Next() {
		var d OrderDetail
		if err := rows.Scan(&d.ProductID, &d.ProductName, &d.Quantity, &d.PricePerUnit, &d.TotalPrice); err != nil {
			return nil, fmt.Errorf("明細行の読み取りに失敗: %w", err)
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// ListOrderLines は指定ユーザーの全注文明細をフラットに返す。
func (s *Store) ListOrderLines(ctx context.Context, userID string) ([]OrderLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT od.order_id, COALESCE(p.name, ''), od.quantity, od.price_per_unit, od.total_price
		FROM order_details od
		JOIN orders o ON od.order_id = o.id
		LEFT JOIN products p ON od.product_id = p.id
		WHERE o.user_id = ?
		ORDER BY o.created_at DESC, od.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("注文明細一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	lines := make([]OrderLine, 0)
	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(&l.OrderID, &l.ProductName, &l.Quantity, &l.PricePerUnit, &l.TotalPrice); err != nil {
			return nil, fmt.Errorf("明細行の読み取りに失敗: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
