package store

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。uomは全テナント共有の参照データとして初期投入する。
const schema = `
CREATE TABLE IF NOT EXISTS uom (
    -- 単位の一意識別子
    id INTEGER PRIMARY KEY,
    -- 単位名
    name TEXT NOT NULL UNIQUE
);

-- 共有の単位マスタ。初回起動時に投入する。
INSERT OR IGNORE INTO uom (id, name) VALUES
    (1, '個'),
    (2, 'kg'),
    (3, 'リットル'),
    (4, '箱'),
    (5, '袋');

CREATE TABLE IF NOT EXISTS products (
    -- 商品の一意識別子
    id TEXT PRIMARY KEY,
    -- 商品を所有するユーザーのID
    user_id TEXT NOT NULL,
    -- 商品名
    name TEXT NOT NULL,
    -- 単位ID
    uom_id INTEGER NOT NULL REFERENCES uom(id),
    -- 単価
    price_per_unit REAL NOT NULL,
    -- 作成日時
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    -- 更新日時
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS orders (
    -- 注文の一意識別子
    id TEXT PRIMARY KEY,
    -- 注文を所有するユーザーのID
    user_id TEXT NOT NULL,
    -- 顧客名
    customer_name TEXT NOT NULL,
    -- 注文合計金額
    total REAL NOT NULL DEFAULT 0,
    -- 作成日時
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS order_details (
    -- 注文明細の一意識別子
    id TEXT PRIMARY KEY,
    -- 注文ID
    order_id TEXT NOT NULL,
    -- 商品ID
    product_id TEXT NOT NULL,
    -- 数量
    quantity REAL NOT NULL,
    -- 注文時点の単価
    price_per_unit REAL NOT NULL,
    -- 明細合計金額
    total_price REAL NOT NULL,
    FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE CASCADE
);

-- ユーザーIDでの検索を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_products_user_id
    ON products(user_id);

CREATE INDEX IF NOT EXISTS idx_orders_user_id
    ON orders(user_id, created_at);

CREATE INDEX IF NOT EXISTS idx_order_details_order_id
    ON order_details(order_id);
`

// InitSchema はSQLiteデータベースにスキーマを適用する。
func InitSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
