package recovery

import (
	"context"
	"fmt"
	"time"

	"jewel_shop/internal/model"
	"jewel_shop/internal/storage"

	"gorm.io/gorm"
)

const sweepBatch = 100

// SweepStats 一次维护清扫的结果。
type SweepStats struct {
	Promoted        int `json:"promoted"`
	Dropped         int `json:"dropped"`
	Expired         int `json:"expired"`
	Cancelled       int `json:"cancelled"`
	Recovered       int `json:"recovered"`
	AttemptsExpired int `json:"attempts_expired"`
}

// Sweep 晋升静默候选、过期超窗旅程、取消空购物车旅程，并过期超时支付尝试。
func (s *Service) Sweep(ctx context.Context) (SweepStats, error) {
	var st SweepStats
	if !s.sweepMu.TryLock() {
		return st, nil
	}
	defer s.sweepMu.Unlock()

	camp, err := s.campaigns.Get(ctx)
	if err != nil {
		return st, err
	}
	if camp.Enabled {
		if err := s.promoteCandidates(ctx, camp, &st); err != nil {
			return st, fmt.Errorf("promote candidates: %w", err)
		}
	}
	if err := s.expireJourneys(ctx, &st); err != nil {
		return st, fmt.Errorf("expire journeys: %w", err)
	}
	if err := s.cancelEmptied(ctx, &st); err != nil {
		return st, fmt.Errorf("cancel emptied journeys: %w", err)
	}
	if s.expirer != nil {
		for {
			n, err := s.expirer.ExpireStaleAttempts(ctx, sweepBatch)
			if err != nil {
				return st, fmt.Errorf("expire payment attempts: %w", err)
			}
			st.AttemptsExpired += n
			if n < sweepBatch {
				break
			}
		}
	}
	if st != (SweepStats{}) {
		s.log.Info().Interface("stats", st).Msg("maintenance sweep")
	}
	return st, nil
}

func (s *Service) promoteCandidates(ctx context.Context, camp model.Campaign, st *SweepStats) error {
	lastID := int64(0)
	for {
		now := s.now()
		threshold := now.Add(-time.Duration(camp.InactivityMinutes) * time.Minute)
		var cands []model.Candidate
		err := s.db.WithContext(ctx).
			Where("last_activity_at <= ? AND user_id > ?", threshold, lastID).
			Order("user_id").Limit(sweepBatch).Find(&cands).Error
		if err != nil {
			return err
		}
		for _, cand := range cands {
			lastID = cand.UserID
			err := storage.InTx(ctx, s.db, func(tx *gorm.DB) error {
				c, err := s.carts.Load(ctx, tx, cand.UserID, false)
				if err != nil {
					return err
				}
				// 候选已被消费：无论是否晋升都删除
				if err := s.store.DeleteCandidate(ctx, tx, cand.UserID); err != nil {
					return err
				}
				if c.Empty() {
					st.Dropped++
					return nil
				}
				j, err := s.store.Promote(ctx, tx, c, camp, now)
				if err != nil {
					return err
				}
				if j == nil {
					st.Dropped++
					return nil
				}
				st.Promoted++
				s.metrics.Journey(ctx, string(model.JourneyActive))
				s.log.Info().Uint("journey_id", j.ID).Int64("user_id", j.UserID).Int64("cart_total", j.CartTotal).Msg("candidate promoted")
				return nil
			})
			if err != nil {
				s.log.Error().Err(err).Int64("user_id", cand.UserID).Msg("promote candidate failed")
			}
		}
		if len(cands) < sweepBatch {
			return nil
		}
	}
}

func (s *Service) expireJourneys(ctx context.Context, st *SweepStats) error {
	for {
		now := s.now()
		var ids []uint
		err := s.db.WithContext(ctx).Model(&model.Journey{}).
			Where("status = ? AND expires_at <= ?", model.JourneyActive, now).
			Order("id").Limit(sweepBatch).Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		for _, id := range ids {
			var ok bool
			err := storage.InTx(ctx, s.db, func(tx *gorm.DB) error {
				var err error
				ok, err = s.store.Close(ctx, tx, id, model.JourneyExpired, ReasonWindowElapsed, nil, now)
				return err
			})
			if err != nil {
				return err
			}
			if ok {
				st.Expired++
				s.metrics.Journey(ctx, string(model.JourneyExpired))
			}
		}
		if len(ids) < sweepBatch {
			return nil
		}
	}
}

func (s *Service) cancelEmptied(ctx context.Context, st *SweepStats) error {
	lastID := uint(0)
	for {
		var journeys []model.Journey
		err := s.db.WithContext(ctx).
			Where("status = ? AND id > ?", model.JourneyActive, lastID).
			Order("id").Limit(sweepBatch).Find(&journeys).Error
		if err != nil {
			return err
		}
		for i := range journeys {
			j := &journeys[i]
			lastID = j.ID
			err := storage.InTx(ctx, s.db, func(tx *gorm.DB) error {
				c, err := s.carts.Load(ctx, tx, j.UserID, false)
				if err != nil || !c.Empty() {
					return err
				}
				status, err := s.closeEmptied(ctx, tx, j)
				switch status {
				case model.JourneyRecovered:
					st.Recovered++
				case model.JourneyCancelled:
					st.Cancelled++
				}
				return err
			})
			if err != nil {
				s.log.Error().Err(err).Uint("journey_id", j.ID).Msg("cancel emptied journey failed")
			}
		}
		if len(journeys) < sweepBatch {
			return nil
		}
	}
}

// RunSweep 周期清扫：启动即执行一次，之后按间隔执行。
func (s *Service) RunSweep(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("maintenance sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
