package settlement

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// MakerEntry is one configured market maker: its stable ID, the signing
// endpoint and the addresses it quotes from.
type MakerEntry struct {
	ID  string `yaml:"id"`
	URI string `yaml:"uri"`
	// Hex addresses; yaml has no native address type.
	Addresses []string `yaml:"addresses"`
	// Makers that have not onboarded to last look keep this false and are
	// never asked to sign.
	LastLookEnabled bool `yaml:"lastLookEnabled"`
}

// QuoteAddresses parses the configured hex addresses.
func (m *MakerEntry) QuoteAddresses() []common.Address {
	addresses := make([]common.Address, 0, len(m.Addresses))
	for _, raw := range m.Addresses {
		if common.IsHexAddress(raw) {
			addresses = append(addresses, common.HexToAddress(raw))
		}
	}
	return addresses
}

type makerConfigFile struct {
	Makers []MakerEntry `yaml:"makers"`
}

// MakerRegistry resolves maker identity both ways: by signing URI and by ID.
type MakerRegistry struct {
	makers []MakerEntry
	byURI  map[string]*MakerEntry
	byID   map[string]*MakerEntry
}

func LoadMakerConfig(file string) (*MakerRegistry, error) {
	rawConfig, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read maker config: %w", err)
	}
	var config makerConfigFile
	if err := yaml.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("parse maker config: %w", err)
	}
	return NewMakerRegistry(config.Makers)
}

func NewMakerRegistry(makers []MakerEntry) (*MakerRegistry, error) {
	registry := &MakerRegistry{
		makers: makers,
		byURI:  make(map[string]*MakerEntry, len(makers)),
		byID:   make(map[string]*MakerEntry, len(makers)),
	}
	for i := range makers {
		maker := &registry.makers[i]
		if maker.ID == "" || maker.URI == "" {
			return nil, fmt.Errorf("maker config entry %d: id and uri are required", i)
		}
		if _, ok := registry.byID[maker.ID]; ok {
			return nil, fmt.Errorf("maker config: duplicate id %q", maker.ID)
		}
		if _, ok := registry.byURI[maker.URI]; ok {
			return nil, fmt.Errorf("maker config: duplicate uri %q", maker.URI)
		}
		registry.byID[maker.ID] = maker
		registry.byURI[maker.URI] = maker
	}
	return registry, nil
}

func (r *MakerRegistry) Makers() []MakerEntry {
	return r.makers
}

func (r *MakerRegistry) FindMakerIDByURI(uri string) (string, bool) {
	maker, ok := r.byURI[uri]
	if !ok {
		return "", false
	}
	return maker.ID, true
}

func (r *MakerRegistry) MakerByID(id string) (*MakerEntry, bool) {
	maker, ok := r.byID[id]
	return maker, ok
}
