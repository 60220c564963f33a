// Package cart 读取用户购物车并按当前目录价格计价。购物车本身是外部协作者，核心只读。
package cart

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"jewel_shop/internal/model"
)

// Line 计价后的购物车行。
type Line struct {
	ProductID   uint   `json:"product_id"`
	VariantID   uint   `json:"variant_id,omitempty"`
	Name        string `json:"name"`
	SKU         string `json:"sku"`
	VariantName string `json:"variant_name,omitempty"`
	Category    string `json:"category"`
	UnitPrice   int64  `json:"unit_price"`
	Quantity    int    `json:"quantity"`
	WeightGrams int    `json:"weight_grams"`
	// 库存相关：TrackStock=false 时 Available 无意义
	TrackStock bool  `json:"-"`
	Available  int64 `json:"-"`
	Active     bool  `json:"-"`
}

// LineTotal 单行金额。
func (l Line) LineTotal() int64 { return l.UnitPrice * int64(l.Quantity) }

// InStock 当前库存是否满足该行数量。
func (l Line) InStock() bool {
	return l.Active && (!l.TrackStock || l.Available >= int64(l.Quantity))
}

// Cart 一个用户的购物车。
type Cart struct {
	UserID   int64  `json:"user_id"`
	Currency string `json:"currency"`
	Lines    []Line `json:"lines"`
}

func (c *Cart) Empty() bool { return c == nil || len(c.Lines) == 0 }

// ItemCount 件数合计。
func (c *Cart) ItemCount() int {
	n := 0
	for _, l := range c.Lines {
		n += l.Quantity
	}
	return n
}

// Subtotal 行金额之和。
func (c *Cart) Subtotal() int64 {
	var sum int64
	for _, l := range c.Lines {
		sum += l.LineTotal()
	}
	return sum
}

// WeightGrams 总重量。
func (c *Cart) WeightGrams() int {
	w := 0
	for _, l := range c.Lines {
		w += l.WeightGrams * l.Quantity
	}
	return w
}

// Categories 购物车涉及的品类。
func (c *Cart) Categories() map[string]int64 {
	out := make(map[string]int64)
	for _, l := range c.Lines {
		out[l.Category] += l.LineTotal()
	}
	return out
}

// Fingerprint 对商品、变体、数量、单价做稳定哈希，用于检测购物车变动。
func (c *Cart) Fingerprint() string {
	parts := make([]string, 0, len(c.Lines))
	for _, l := range c.Lines {
		parts = append(parts, fmt.Sprintf("%d:%d:%d:%d", l.ProductID, l.VariantID, l.Quantity, l.UnitPrice))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Snapshot 冻结为可持久化的快照。
func (c *Cart) Snapshot() []model.SnapshotItem {
	out := make([]model.SnapshotItem, 0, len(c.Lines))
	for _, l := range c.Lines {
		out = append(out, model.SnapshotItem{
			ProductID:   l.ProductID,
			VariantID:   l.VariantID,
			Name:        l.Name,
			SKU:         l.SKU,
			VariantName: l.VariantName,
			Category:    l.Category,
			UnitPrice:   l.UnitPrice,
			Quantity:    l.Quantity,
			WeightGrams: l.WeightGrams,
		})
	}
	return out
}

// FromSnapshot 由快照还原购物车（价格以快照为准）。
func FromSnapshot(userID int64, currency string, items []model.SnapshotItem) *Cart {
	c := &Cart{UserID: userID, Currency: currency}
	for _, it := range items {
		c.Lines = append(c.Lines, Line{
			ProductID:   it.ProductID,
			VariantID:   it.VariantID,
			Name:        it.Name,
			SKU:         it.SKU,
			VariantName: it.VariantName,
			Category:    it.Category,
			UnitPrice:   it.UnitPrice,
			Quantity:    it.Quantity,
			WeightGrams: it.WeightGrams,
			Active:      true,
		})
	}
	return c
}
