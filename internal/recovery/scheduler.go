package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/cart"
	"jewel_shop/internal/discount"
	"jewel_shop/internal/gateway"
	"jewel_shop/internal/model"
	"jewel_shop/internal/notify"
	"jewel_shop/internal/storage"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	leaseKey   = "recovery:scheduler"
	maxDrain   = 100
	maxErrSize = 500
)

// Stats 一次召回批次的计数。
type Stats struct {
	Due       int `json:"due"`
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Recovered int `json:"recovered"`
	Expired   int `json:"expired"`
	Cancelled int `json:"cancelled"`
}

// ErrPassRunning 已有召回批次在执行（本进程或其他实例）。
var ErrPassRunning = apperr.New(apperr.CodeConflict, "", "recovery pass already running")

// RunOnce 处理至多 limit 个到期旅程，每个旅程补齐所有错过的触达。
func (s *Service) RunOnce(ctx context.Context, limit int) (Stats, error) {
	var st Stats
	if limit <= 0 {
		limit = 50
	}
	if !s.runMu.TryLock() {
		return st, ErrPassRunning
	}
	defer s.runMu.Unlock()

	if s.locker != nil {
		token, ok, err := s.locker.TryAcquire(ctx, leaseKey, s.opts.LeaseTTL)
		if err != nil {
			return st, apperr.Wrap(apperr.CodeDependency, err, "acquire scheduler lease")
		}
		if !ok {
			return st, ErrPassRunning
		}
		defer func() {
			relCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := s.locker.Release(relCtx, leaseKey, token); err != nil {
				s.log.Warn().Err(err).Msg("release scheduler lease failed")
			}
		}()
	}

	camp, err := s.campaigns.Get(ctx)
	if err != nil {
		return st, err
	}
	if !camp.Enabled {
		return st, nil
	}
	due, err := s.store.DueJourneys(ctx, s.now(), limit)
	if err != nil {
		return st, fmt.Errorf("load due journeys: %w", err)
	}
	st.Due = len(due)
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		s.processJourney(ctx, due[i].ID, camp, &st)
		st.Processed++
	}
	if st.Due > 0 {
		s.log.Info().Interface("stats", st).Msg("recovery pass")
	}
	return st, nil
}

// Run 周期执行：启动即跑一轮，每轮把到期旅程处理完再休眠。
func (s *Service) Run(ctx context.Context, interval time.Duration, batch int) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		s.drain(ctx, batch)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (s *Service) drain(ctx context.Context, batch int) {
	for i := 0; i < maxDrain && ctx.Err() == nil; i++ {
		st, err := s.RunOnce(ctx, batch)
		if errors.Is(err, ErrPassRunning) {
			s.log.Debug().Msg("recovery pass skipped: lease held elsewhere")
			return
		}
		if err != nil {
			s.log.Error().Err(err).Msg("recovery pass failed")
			return
		}
		if st.Due < batch {
			return
		}
	}
}

// processJourney 单个旅程循环直到追平；单个旅程出错不影响批次。
func (s *Service) processJourney(ctx context.Context, id uint, camp model.Campaign, st *Stats) {
	for i := 0; i <= camp.MaxAttempts; i++ {
		more, err := s.step(ctx, id, camp, st)
		if err != nil {
			if errors.Is(err, errStale) {
				s.log.Debug().Uint("journey_id", id).Msg("journey changed during processing")
			} else {
				s.log.Error().Err(err).Uint("journey_id", id).Msg("journey processing failed")
			}
			return
		}
		if !more {
			return
		}
	}
}

// step 执行一次触达；more=true 表示下一次触达时间仍在过去，需要继续追赶。
func (s *Service) step(ctx context.Context, id uint, camp model.Campaign, st *Stats) (bool, error) {
	now := s.now()
	j, err := s.store.Journey(ctx, s.db, id)
	if err != nil {
		return false, err
	}
	if j.Status != model.JourneyActive || j.NextAttemptAt == nil || j.NextAttemptAt.After(now) {
		return false, nil
	}
	log := s.log.With().Uint("journey_id", j.ID).Int64("user_id", j.UserID).Logger()

	order, err := s.store.PaidOrderSince(ctx, s.db, j.UserID, j.CreatedAt)
	if err != nil {
		return false, err
	}
	if order != nil {
		oid := order.ID
		ok, err := s.closeTx(ctx, j.ID, model.JourneyRecovered, ReasonPaidOrder, &oid, now)
		if ok {
			st.Recovered++
			log.Info().Uint("order_id", oid).Msg("journey recovered")
		}
		return false, err
	}

	// 购物车清空优先于次数/窗口判断：清空的旅程记为 cancelled 而不是 expired
	c, cartErr := s.carts.Load(ctx, s.db, j.UserID, false)
	if cartErr == nil && c.Empty() {
		var status model.JourneyStatus
		err := storage.InTx(ctx, s.db, func(tx *gorm.DB) error {
			var err error
			status, err = s.closeEmptied(ctx, tx, j)
			return err
		})
		switch status {
		case model.JourneyRecovered:
			st.Recovered++
		case model.JourneyCancelled:
			st.Cancelled++
		}
		return false, err
	}

	n := j.LastAttemptNo + 1
	if n > camp.MaxAttempts || !now.Before(j.ExpiresAt) {
		reason := ReasonLadderDone
		if n <= camp.MaxAttempts {
			reason = ReasonWindowElapsed
		}
		ok, err := s.closeTx(ctx, j.ID, model.JourneyExpired, reason, nil, now)
		if ok {
			st.Expired++
		}
		return false, err
	}

	var (
		a        *model.Attempt
		buildErr error
	)
	if cartErr != nil {
		a, buildErr = &model.Attempt{AttemptNo: n}, fmt.Errorf("load cart: %w", cartErr)
	} else {
		a, buildErr = s.buildAttempt(ctx, j, c, camp, n, now)
	}
	if buildErr != nil {
		a.Status = model.AttemptFailed
		a.ErrorMessage = truncate(buildErr.Error(), maxErrSize)
		log.Warn().Err(buildErr).Int("attempt_no", n).Msg("recovery attempt failed")
	}

	// 出错也推进，避免卡在同一个序号上
	var next *time.Time
	expire := true
	if t, ok := AttemptAt(camp, j.LadderStartedAt, n+1); ok {
		next, expire = &t, false
	}
	err = storage.InTx(ctx, s.db, func(tx *gorm.DB) error {
		return s.store.RecordAttempt(ctx, tx, j, a, next, expire, now)
	})
	if err != nil {
		return false, err
	}
	s.metrics.Attempt(ctx, string(a.Status))
	switch a.Status {
	case model.AttemptSent, model.AttemptPartial:
		st.Sent++
	case model.AttemptSkipped:
		st.Skipped++
	case model.AttemptFailed:
		st.Failed++
	}
	log.Info().Int("attempt_no", n).Str("status", string(a.Status)).Str("discount_code", a.DiscountCode).Bool("payment_link", a.PaymentLinkID != "").Msg("recovery attempt recorded")
	if expire {
		st.Expired++
		s.metrics.Journey(ctx, string(model.JourneyExpired))
		return false, nil
	}
	return !next.After(now), nil
}

func (s *Service) closeTx(ctx context.Context, id uint, status model.JourneyStatus, reason string, orderID *uint, now time.Time) (bool, error) {
	var ok bool
	err := storage.InTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		ok, err = s.store.Close(ctx, tx, id, status, reason, orderID, now)
		return err
	})
	if ok {
		s.metrics.Journey(ctx, string(status))
	}
	return ok, err
}

// buildAttempt 刷新快照、算折扣与运费、决定投递路径、发通知。c 非空。
// 返回的 Attempt 在出错时也非空，已完成的部分（如折扣码）会被记录下来。
func (s *Service) buildAttempt(ctx context.Context, j *model.Journey, c *cart.Cart, camp model.Campaign, n int, now time.Time) (*model.Attempt, error) {
	a := &model.Attempt{AttemptNo: n}

	if err := s.store.RefreshSnapshot(ctx, s.db, j, c); err != nil {
		return a, fmt.Errorf("refresh snapshot: %w", err)
	}
	user, err := s.users.FindByID(ctx, j.UserID)
	if err != nil {
		return a, fmt.Errorf("load user: %w", err)
	}

	subtotal := c.Subtotal()
	if pct := DiscountPercent(camp, n, user.LoyaltyTier, subtotal); pct > 0 {
		maxAmount := discount.PercentOf(subtotal, camp.MaxDiscountPercent)
		var d *model.RecoveryDiscount
		err := storage.InTx(ctx, s.db, func(tx *gorm.DB) error {
			var err error
			d, err = s.store.EnsureDiscount(ctx, tx, j, n, pct, maxAmount, camp.MinDiscountCartValue)
			return err
		})
		if err != nil {
			return a, fmt.Errorf("create discount: %w", err)
		}
		a.DiscountCode = d.Code
		a.DiscountPercent = pct
		a.DiscountAmount = min(discount.PercentOf(subtotal, pct), maxAmount)
	}

	fee, err := s.shipping.ComputeShippingFee(ctx, user.Address, subtotal, c.WeightGrams())
	if err != nil {
		return a, fmt.Errorf("shipping fee: %w", err)
	}
	a.ShippingFee = fee
	a.Amount = subtotal + fee - a.DiscountAmount

	mobile := user.Address.Mobile
	if mobile == "" {
		mobile = user.Mobile
	}
	raw := map[string]any{"subtotal": subtotal, "weight_grams": c.WeightGrams(), "round": j.Round}

	// 有折扣或地址不完整时走结算页：支付链接要求金额和收货信息都已确定。
	if a.DiscountCode != "" || !user.Address.Complete() || mobile == "" {
		a.CheckoutURL = s.checkoutURL(j, a.DiscountCode)
	} else {
		expireBy := s.linkExpiry(camp, j, n, now)
		link, err := s.gateway.CreatePaymentLink(ctx, gateway.PaymentLinkRequest{
			Amount:      a.Amount,
			Currency:    c.Currency,
			Description: fmt.Sprintf("Your saved bag (%d item(s))", c.ItemCount()),
			ReferenceID: fmt.Sprintf("jr%d-r%d-a%d", j.ID, j.Round, n),
			ExpireBy:    expireBy.Unix(),
			Customer:    gateway.LinkCustomer{Name: user.Name, Email: user.Email, Contact: mobile},
			Notes: map[string]string{
				"source":       model.DiscountSourceAbandoned,
				"journey_id":   strconv.FormatUint(uint64(j.ID), 10),
				"attempt_no":   strconv.Itoa(n),
				"user_id":      strconv.FormatInt(j.UserID, 10),
				"shipping_fee": strconv.FormatInt(fee, 10),
			},
		})
		if err != nil {
			return a, fmt.Errorf("create payment link: %w", err)
		}
		a.PaymentLinkID = link.ID
		a.PaymentLinkURL = link.ShortURL
		a.CartSnapshot = c.Snapshot()
		a.Currency = c.Currency
		raw["payment_link"] = link
	}

	linkURL := a.PaymentLinkURL
	if linkURL == "" {
		linkURL = a.CheckoutURL
	}
	name := user.Name
	if name == "" {
		name = "there"
	}
	msg, err := notify.RenderRecovery(notify.RecoveryData{
		Name:            name,
		AttemptNo:       n,
		Items:           j.CartSnapshot,
		Currency:        c.Currency,
		Subtotal:        subtotal,
		ShippingFee:     fee,
		DiscountCode:    a.DiscountCode,
		DiscountPercent: a.DiscountPercent,
		DiscountAmount:  a.DiscountAmount,
		Total:           a.Amount,
		LinkURL:         linkURL,
		PaymentLink:     a.PaymentLinkURL != "",
		ExpiresAt:       j.ExpiresAt,
	})
	if err != nil {
		return a, err
	}
	msg.Email = user.Email
	msg.Mobile = mobile

	a.Channels = s.notifier.Dispatch(ctx, msg, map[string]bool{
		notify.ChannelEmail:    camp.EmailEnabled,
		notify.ChannelWhatsApp: camp.WhatsAppEnabled,
	})
	a.Status = notify.Outcome(a.Channels)
	if a.Status == model.AttemptFailed {
		errs := make([]string, 0, len(a.Channels))
		for _, r := range a.Channels {
			if r.Error != "" {
				errs = append(errs, r.Channel+": "+r.Error)
			}
		}
		a.ErrorMessage = truncate(strings.Join(errs, "; "), maxErrSize)
	}
	if b, err := json.Marshal(raw); err == nil {
		a.Raw = datatypes.JSON(b)
	}
	return a, nil
}

// linkExpiry 支付链接在下一次触达或旅程截止时失效（取较早者），但不短于最小有效期。
func (s *Service) linkExpiry(camp model.Campaign, j *model.Journey, n int, now time.Time) time.Time {
	exp := j.ExpiresAt
	if next, ok := AttemptAt(camp, j.LadderStartedAt, n+1); ok && next.Before(exp) {
		exp = next
	}
	if floor := now.Add(s.opts.MinLinkLifetime); exp.Before(floor) {
		exp = floor
	}
	return exp
}

func (s *Service) checkoutURL(j *model.Journey, code string) string {
	q := url.Values{}
	q.Set("journey", strconv.FormatUint(uint64(j.ID), 10))
	if code != "" {
		q.Set("coupon", code)
	}
	base := s.opts.CheckoutBaseURL
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
