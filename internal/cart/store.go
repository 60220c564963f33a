package cart

import (
	"context"
	"errors"
	"fmt"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reader 核心消费的购物车读取契约。
type Reader interface {
	Get(ctx context.Context, userID int64) (*Cart, error)
}

// Store 基于 gorm 的购物车存储。
type Store struct {
	db       *gorm.DB
	currency string
}

func NewStore(db *gorm.DB, currency string) *Store {
	return &Store{db: db, currency: currency}
}

// Get 读取并计价。
func (s *Store) Get(ctx context.Context, userID int64) (*Cart, error) {
	return s.Load(ctx, s.db, userID, false)
}

// Load 在给定连接（通常是事务）上读取购物车；forUpdate 时对购物车行加行锁。
func (s *Store) Load(ctx context.Context, tx *gorm.DB, userID int64, forUpdate bool) (*Cart, error) {
	q := tx.WithContext(ctx).Where("user_id = ? AND quantity > 0", userID).Order("id")
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var items []model.CartItem
	if err := q.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("load cart items: %w", err)
	}
	c := &Cart{UserID: userID, Currency: s.currency}
	if len(items) == 0 {
		return c, nil
	}

	productIDs := make([]uint, 0, len(items))
	variantIDs := make([]uint, 0)
	for _, it := range items {
		productIDs = append(productIDs, it.ProductID)
		if it.VariantID != 0 {
			variantIDs = append(variantIDs, it.VariantID)
		}
	}
	var products []model.Product
	if err := tx.WithContext(ctx).Unscoped().Where("id IN ?", productIDs).Find(&products).Error; err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	byProduct := make(map[uint]model.Product, len(products))
	for _, p := range products {
		byProduct[p.ID] = p
	}
	byVariant := make(map[uint]model.ProductVariant)
	if len(variantIDs) > 0 {
		var variants []model.ProductVariant
		if err := tx.WithContext(ctx).Where("id IN ?", variantIDs).Find(&variants).Error; err != nil {
			return nil, fmt.Errorf("load variants: %w", err)
		}
		for _, v := range variants {
			byVariant[v.ID] = v
		}
	}

	for _, it := range items {
		p, ok := byProduct[it.ProductID]
		if !ok {
			continue
		}
		line := Line{
			ProductID:   p.ID,
			Name:        p.Name,
			SKU:         p.SKU,
			Category:    p.Category,
			UnitPrice:   p.Price,
			Quantity:    it.Quantity,
			WeightGrams: p.WeightGrams,
			TrackStock:  p.TrackStock,
			Available:   p.Stock,
			Active:      p.Active && !p.DeletedAt.Valid,
		}
		if it.VariantID != 0 {
			v, ok := byVariant[it.VariantID]
			if !ok || v.ProductID != p.ID {
				line.Active = false
			} else {
				line.VariantID = v.ID
				line.VariantName = v.Name
				line.SKU = v.SKU
				if v.Price > 0 {
					line.UnitPrice = v.Price
				}
				if v.WeightGrams > 0 {
					line.WeightGrams = v.WeightGrams
				}
				line.TrackStock = v.TrackStock
				line.Available = v.Stock
				line.Active = line.Active && v.Active
			}
		}
		c.Lines = append(c.Lines, line)
	}
	return c, nil
}

// SetQuantity 新增或修改购物车行；qty<=0 删除该行。
func (s *Store) SetQuantity(ctx context.Context, userID int64, productID, variantID uint, qty int) error {
	db := s.db.WithContext(ctx)
	if qty <= 0 {
		return db.Where("user_id = ? AND product_id = ? AND variant_id = ?", userID, productID, variantID).
			Delete(&model.CartItem{}).Error
	}
	var p model.Product
	if err := db.First(&p, productID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Newf(apperr.CodeNotFound, "", "product %d not found", productID)
		}
		return err
	}
	if !p.Active {
		return apperr.Newf(apperr.CodeConflict, apperr.ReasonProductUnavailable, "%s is no longer available", p.Name)
	}
	item := model.CartItem{UserID: userID, ProductID: productID, VariantID: variantID, Quantity: qty}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "product_id"}, {Name: "variant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity", "updated_at"}),
	}).Create(&item).Error
}

// Clear 清空购物车。
func (s *Store) Clear(ctx context.Context, tx *gorm.DB, userID int64) error {
	return tx.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.CartItem{}).Error
}

// RemoveLines 只删除快照中出现的行（补单场景不清掉用户后来加的商品）。
func (s *Store) RemoveLines(ctx context.Context, tx *gorm.DB, userID int64, items []model.SnapshotItem) error {
	for _, it := range items {
		err := tx.WithContext(ctx).
			Where("user_id = ? AND product_id = ? AND variant_id = ?", userID, it.ProductID, it.VariantID).
			Delete(&model.CartItem{}).Error
		if err != nil {
			return err
		}
	}
	return nil
}
