package domain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnknownAsset is returned when a currency/network pair is not in the registry.
var ErrUnknownAsset = errors.New("unknown asset")

// Asset describes one currency on one network.
type Asset struct {
	Currency string `yaml:"currency"`
	Network  string `yaml:"network"`
	Decimals int32  `yaml:"decimals"`
	// Contract is the ERC-20 contract address. Empty for the chain's native coin.
	Contract string `yaml:"contract"`
	ChainID  int64  `yaml:"chain_id"`
}

// Native reports whether the asset is the chain's native coin.
func (a Asset) Native() bool {
	return a.Contract == ""
}

// Key returns the registry key for the asset.
func (a Asset) Key() string {
	return assetKey(a.Currency, a.Network)
}

// SameAsset compares two currency/network pairs case-insensitively.
func SameAsset(currencyA, networkA, currencyB, networkB string) bool {
	return assetKey(currencyA, networkA) == assetKey(currencyB, networkB)
}

func assetKey(currency, network string) string {
	return strings.ToLower(strings.TrimSpace(currency)) + ":" + strings.ToLower(strings.TrimSpace(network))
}

// AssetRegistry resolves assets by currency and network.
type AssetRegistry struct {
	assets map[string]Asset
}

// NewAssetRegistry indexes the given assets. Later entries win on duplicate keys.
func NewAssetRegistry(assets []Asset) *AssetRegistry {
	r := &AssetRegistry{assets: make(map[string]Asset, len(assets))}
	for _, a := range assets {
		r.assets[a.Key()] = a
	}
	return r
}

// Lookup returns the asset for currency on network.
func (r *AssetRegistry) Lookup(currency, network string) (Asset, error) {
	if r != nil {
		if a, ok := r.assets[assetKey(currency, network)]; ok {
			return a, nil
		}
	}
	return Asset{}, fmt.Errorf("%w: %s on %s", ErrUnknownAsset, currency, network)
}

// Len returns the number of registered assets.
func (r *AssetRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.assets)
}

// ToDecimal converts an integer amount of base units into display units.
func ToDecimal(base *big.Int, decimals int32) decimal.Decimal {
	if base == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(base, -decimals)
}

// ToBaseUnits converts a display amount into integer base units, truncating any
// precision the asset cannot represent.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// ConversionRate returns destination units per source unit. Both amounts must already
// be in display units.
func ConversionRate(source, destination decimal.Decimal) (decimal.Decimal, error) {
	if !source.IsPositive() {
		return decimal.Zero, fmt.Errorf("conversion rate: source amount must be positive, got %s", source)
	}
	return destination.DivRound(source, 18), nil
}
