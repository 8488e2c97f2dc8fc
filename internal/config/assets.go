package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/pkg/chain"
)

type assetsFile struct {
	Assets []domain.Asset `yaml:"assets"`
}

// DefaultAssets is used when no asset file is deployed.
func DefaultAssets(chainID int64) []domain.Asset {
	return []domain.Asset{
		{Currency: "eth", Network: "eth", Decimals: 18, ChainID: chainID},
		{Currency: "usdt", Network: "eth", Decimals: 6, Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7", ChainID: chainID},
		{Currency: "usdc", Network: "eth", Decimals: 6, Contract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", ChainID: chainID},
	}
}

// LoadAssets reads the asset registry from path. A missing file yields the defaults;
// a present but invalid file is an error.
func LoadAssets(path string, chainID int64) (*domain.AssetRegistry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("level=warn component=config msg=\"asset file not found; using built-in assets\" path=%s", path)
		return domain.NewAssetRegistry(DefaultAssets(chainID)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read asset file: %w", err)
	}
	assets, err := ParseAssets(data, chainID)
	if err != nil {
		return nil, fmt.Errorf("asset file %s: %w", path, err)
	}
	log.Printf("level=info component=config msg=\"asset registry loaded\" path=%s assets=%d", path, len(assets))
	return domain.NewAssetRegistry(assets), nil
}

// ParseAssets decodes and validates an asset file. Entries without a chain id inherit
// chainID; contracts are normalised to their checksummed form.
func ParseAssets(data []byte, chainID int64) ([]domain.Asset, error) {
	var file assetsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if len(file.Assets) == 0 {
		return nil, errors.New("no assets defined")
	}

	for i := range file.Assets {
		a := &file.Assets[i]
		a.Currency = strings.ToLower(strings.TrimSpace(a.Currency))
		a.Network = strings.ToLower(strings.TrimSpace(a.Network))
		if a.Currency == "" || a.Network == "" {
			return nil, fmt.Errorf("asset %d: currency and network are required", i)
		}
		if a.Decimals < 0 || a.Decimals > 36 {
			return nil, fmt.Errorf("asset %s: decimals %d out of range", a.Key(), a.Decimals)
		}
		if a.ChainID == 0 {
			a.ChainID = chainID
		}
		if a.Contract != "" {
			contract, err := chain.ChecksumAddress(a.Contract)
			if err != nil {
				return nil, fmt.Errorf("asset %s: %w", a.Key(), err)
			}
			a.Contract = contract
		}
	}
	return file.Assets, nil
}
