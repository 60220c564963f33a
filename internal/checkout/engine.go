package checkout

import (
	"context"
	"fmt"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/cart"
	"jewel_shop/internal/gateway"
	"jewel_shop/internal/model"

	"gorm.io/gorm"
)

// Order origins.
const (
	OriginVerify      = "verify"
	OriginWebhook     = "webhook"
	OriginPaymentLink = "payment_link"
)

// OrderInput 建单所需的全部输入；金额全部由服务端重新计算。
type OrderInput struct {
	User            *model.User
	Cart            *cart.Cart
	CouponCode      string
	ShippingFee     int64
	ShippingAddress model.Address
	// Reserved=true 表示库存已在支付尝试阶段预留，这里不再扣减。
	Reserved bool
	// ClearCart=false 时只移除本单涉及的行（快照补单）。
	ClearCart bool
	Payment   *gateway.Payment
	AttemptID *uint
	JourneyID *uint
	// ExpectedTotal 实付金额；重新计算的总额必须与之一致。
	ExpectedTotal  int64
	Origin         string
	RecoveryReason string
}

// CreateOrderFromCart 在调用方的事务内建单：可用性校验、服务端计价、库存扣减（未预留时）、
// 折扣核销、订单与明细快照、购物车清理、召回旅程关闭。
// 任一步骤失败由调用方回滚整个事务。
func (s *Service) CreateOrderFromCart(ctx context.Context, tx *gorm.DB, in OrderInput) (*model.Order, error) {
	c := in.Cart
	if c.Empty() {
		return nil, apperr.ErrCartEmpty
	}
	for _, l := range c.Lines {
		if !l.Active {
			return nil, apperr.Newf(apperr.CodeConflict, apperr.ReasonProductUnavailable, "%s is no longer available", l.Name)
		}
		if l.Quantity <= 0 {
			return nil, apperr.Newf(apperr.CodeValidation, "", "invalid quantity for %s", l.Name)
		}
	}
	red, err := s.discounts.Resolve(ctx, tx, in.CouponCode, in.User, c)
	if err != nil {
		return nil, err
	}
	totals := computeTotals(c, in.ShippingFee, red.AmountOrZero())
	if in.ExpectedTotal > 0 && totals.Total != in.ExpectedTotal {
		return nil, apperr.Newf(apperr.CodeValidation, apperr.ReasonAmountMismatch,
			"order total %d does not match paid amount %d", totals.Total, in.ExpectedTotal)
	}
	if !in.Reserved {
		for _, l := range c.Lines {
			if err := deductStock(ctx, tx, l.ProductID, l.VariantID, l.Quantity, l.Name); err != nil {
				return nil, err
			}
		}
	}

	now := s.now()
	order := &model.Order{
		OrderNo:          s.nextOrderNo(),
		UserID:           in.User.ID,
		Status:           model.OrderConfirmed,
		Subtotal:         totals.Subtotal,
		ShippingFee:      totals.ShippingFee,
		DiscountAmount:   totals.Discount,
		Total:            totals.Total,
		Currency:         s.currency(c),
		LoyaltyTier:      in.User.LoyaltyTier,
		PaymentAttemptID: in.AttemptID,
		PaymentStatus:    model.OrderPaymentPaid,
		PaidAt:           &now,
		JourneyID:        in.JourneyID,
		ShippingAddress:  in.ShippingAddress,
		Items:            orderItems(c),
	}
	if red != nil {
		order.CouponCode = red.Code
		order.DiscountSource = string(red.Source)
		if order.JourneyID == nil && red.JourneyID != 0 {
			jid := red.JourneyID
			order.JourneyID = &jid
		}
	}
	if in.Payment != nil {
		pid := in.Payment.ID
		order.GatewayPaymentID = &pid
		order.GatewayOrderID = in.Payment.OrderID
	}
	if err := tx.WithContext(ctx).Create(order).Error; err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	ev := model.OrderStatusEvent{OrderID: order.ID, ToStatus: model.OrderConfirmed, Actor: "system", Note: in.Origin}
	if err := tx.WithContext(ctx).Create(&ev).Error; err != nil {
		return nil, err
	}

	if err := s.discounts.Redeem(ctx, tx, red, in.User.ID, order.ID); err != nil {
		return nil, err
	}

	if in.ClearCart {
		err = s.carts.Clear(ctx, tx, in.User.ID)
	} else {
		err = s.carts.RemoveLines(ctx, tx, in.User.ID, c.Snapshot())
	}
	if err != nil {
		return nil, fmt.Errorf("clear cart: %w", err)
	}

	if s.journeys != nil {
		j, err := s.journeys.MarkRecovered(ctx, tx, in.User.ID, order.ID, in.RecoveryReason, s.now())
		if err != nil {
			return nil, err
		}
		if j != nil && order.JourneyID == nil {
			order.JourneyID = &j.ID
			if err := tx.WithContext(ctx).Model(&model.Order{}).Where("id = ?", order.ID).
				Update("journey_id", j.ID).Error; err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// Totals 订单金额：subtotal + shipping - discount = total，Σ line_total = subtotal。
type Totals struct {
	Subtotal    int64
	ShippingFee int64
	Discount    int64
	Total       int64
}

func computeTotals(c *cart.Cart, shippingFee, discountAmount int64) Totals {
	sub := c.Subtotal()
	if discountAmount > sub {
		discountAmount = sub
	}
	if discountAmount < 0 {
		discountAmount = 0
	}
	return Totals{
		Subtotal:    sub,
		ShippingFee: shippingFee,
		Discount:    discountAmount,
		Total:       sub + shippingFee - discountAmount,
	}
}

func orderItems(c *cart.Cart) []model.OrderItem {
	items := make([]model.OrderItem, 0, len(c.Lines))
	for _, l := range c.Lines {
		items = append(items, model.OrderItem{
			ProductID:   l.ProductID,
			VariantID:   l.VariantID,
			Name:        l.Name,
			SKU:         l.SKU,
			VariantName: l.VariantName,
			Category:    l.Category,
			UnitPrice:   l.UnitPrice,
			Quantity:    l.Quantity,
			WeightGrams: l.WeightGrams,
			LineTotal:   l.LineTotal(),
		})
	}
	return items
}

// nextOrderNo 雪花 ID，多实例下也有序且唯一。
func (s *Service) nextOrderNo() string {
	return "JS" + s.node.Generate().String()
}
