// Package users 用户目录：通知收件人解析与地址快照。
package users

import (
	"context"
	"errors"
	"fmt"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/model"

	"gorm.io/gorm"
)

// Directory 用户查询契约。
type Directory interface {
	FindByID(ctx context.Context, id int64) (*model.User, error)
	FindByMobile(ctx context.Context, mobile string) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
}

// Store gorm 实现。
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) FindByID(ctx context.Context, id int64) (*model.User, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *Store) FindByMobile(ctx context.Context, mobile string) (*model.User, error) {
	return s.first(ctx, "mobile = ?", mobile)
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.first(ctx, "LOWER(email) = LOWER(?)", email)
}

func (s *Store) first(ctx context.Context, query string, arg any) (*model.User, error) {
	var u model.User
	err := s.db.WithContext(ctx).Where(query, arg).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Newf(apperr.CodeNotFound, "", "user not found (%v)", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &u, nil
}
