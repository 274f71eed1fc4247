// Package store は商品・単位・注文のデータアクセス層を提供する。
//
// テナント所有の行（商品、注文、注文明細）への読み書きはすべて
// 認証済みユーザーIDで絞り込む。他のテナントの行は存在しないものとして
// 扱い、存在の有無が応答から区別できないようにする。
package store
