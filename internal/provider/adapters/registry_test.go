package adapters

import (
	"testing"

	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/provider/bank"
	"github.com/smallbiznis/creatorledger/internal/provider/card"
	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	"github.com/smallbiznis/creatorledger/internal/provider/mpesa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookup(t *testing.T) {
	registry := NewRegistry(
		mpesa.New(config.MpesaConfig{}, nil),
		card.New(config.CardConfig{}, nil),
		bank.New(config.BankConfig{}, nil),
		nil,
	)

	assert.Equal(t, []string{"bank", "card", "mpesa"}, registry.Providers())

	adapter, err := registry.Get(" MPESA ")
	require.NoError(t, err)
	assert.Equal(t, providerdomain.ProviderMpesa, adapter.Provider())

	_, err = registry.Get("paypal")
	assert.ErrorIs(t, err, providerdomain.ErrProviderNotFound)
	assert.False(t, registry.ProviderExists("paypal"))

	var empty *Registry
	_, err = empty.Get("bank")
	assert.ErrorIs(t, err, providerdomain.ErrProviderNotFound)
}
