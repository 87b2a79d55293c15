package settlement

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakerRegistryLookup(t *testing.T) {
	registry, err := NewMakerRegistry([]MakerEntry{
		{ID: "mm-1", URI: "https://one.example", LastLookEnabled: true},
		{ID: "mm-2", URI: "https://two.example"},
	})
	require.NoError(t, err)

	id, ok := registry.FindMakerIDByURI("https://one.example")
	require.True(t, ok)
	require.Equal(t, "mm-1", id)

	_, ok = registry.FindMakerIDByURI("https://unknown.example")
	require.False(t, ok)

	maker, ok := registry.MakerByID("mm-2")
	require.True(t, ok)
	require.False(t, maker.LastLookEnabled)
}

func TestMakerEntryQuoteAddresses(t *testing.T) {
	maker := MakerEntry{
		ID:  "mm-1",
		URI: "https://one.example",
		Addresses: []string{
			"0x5409ED021D9299bf6814279A6A1411A7e866A631",
			"not-an-address",
		},
	}
	addresses := maker.QuoteAddresses()
	require.Len(t, addresses, 1)
	require.Equal(t, "0x5409ED021D9299bf6814279A6A1411A7e866A631", addresses[0].Hex())
}

func TestMakerRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewMakerRegistry([]MakerEntry{
		{ID: "mm-1", URI: "https://one.example"},
		{ID: "mm-1", URI: "https://two.example"},
	})
	require.Error(t, err)

	_, err = NewMakerRegistry([]MakerEntry{
		{ID: "mm-1", URI: "https://one.example"},
		{ID: "mm-2", URI: "https://one.example"},
	})
	require.Error(t, err)

	_, err = NewMakerRegistry([]MakerEntry{{ID: "", URI: "https://one.example"}})
	require.Error(t, err)
}
