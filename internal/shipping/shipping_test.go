package shipping

import (
	"context"
	"testing"

	"jewel_shop/internal/model"
	"jewel_shop/internal/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeeSlabsAndFreeShipping(t *testing.T) {
	z := model.ShippingZone{BaseFee: 5000, BaseGrams: 500, PerSlabFee: 2000, SlabGrams: 500, FreeAbove: 1000000}

	assert.Equal(t, int64(5000), Fee(z, 10000, 200))
	assert.Equal(t, int64(5000), Fee(z, 10000, 500))
	assert.Equal(t, int64(7000), Fee(z, 10000, 501))
	assert.Equal(t, int64(9000), Fee(z, 10000, 1500))
	assert.Equal(t, int64(0), Fee(z, 1000000, 1500))
}

func TestResolverMatchesStateThenDefault(t *testing.T) {
	db := storagetest.New(t)
	require.NoError(t, db.Create(&model.ShippingZone{Name: "default", BaseFee: 9900, BaseGrams: 500, SlabGrams: 500}).Error)
	require.NoError(t, db.Create(&model.ShippingZone{Name: "south", States: []string{"KA", "TN"}, BaseFee: 4900, BaseGrams: 500, SlabGrams: 500}).Error)
	r := NewZoneResolver(db)
	ctx := context.Background()

	fee, err := r.ComputeShippingFee(ctx, model.Address{State: "ka"}, 1000, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(4900), fee)

	fee, err = r.ComputeShippingFee(ctx, model.Address{State: "MH"}, 1000, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(9900), fee)
}
