package users

import (
	"context"
	"errors"
	"testing"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryLookups(t *testing.T) {
	db := storagetest.New(t)
	storagetest.SeedUser(t, db, 42)
	s := NewStore(db)
	ctx := context.Background()

	u, err := s.FindByEmail(ctx, "USER42@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(42), u.ID)

	u, err = s.FindByMobile(ctx, "919800000000")
	require.NoError(t, err)
	assert.True(t, u.Address.Complete())

	_, err = s.FindByID(ctx, 404)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}
