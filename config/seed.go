package config

import (
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/voltwise/autopilot/core/model"
)

// Seed bundles the reference data the engine evaluates against.
type Seed struct {
	Tariffs       []model.TariffSlot   `json:"tariffs"`
	Carbon        []model.CarbonSlot   `json:"carbon"`
	Homes         []model.Home         `json:"homes"`
	Appliances    []model.Appliance    `json:"appliances"`
	DeviceConfigs []model.DeviceConfig `json:"device_configs"`
}

// LoadSeedFile reads one seed file. Missing sections stay empty; the
// engine degrades to zero costs rather than failing.
func LoadSeedFile(path string) (*Seed, error) {
	k := koanf.New(".")
	parser, err := parserFor(path)
	if err != nil {
		return nil, err
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	var s Seed
	if err := k.UnmarshalWithConf("", &s, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSeeds merges every configured seed file.
func (c SeedConfig) LoadSeeds() (*Seed, error) {
	merged := &Seed{}
	for _, path := range []string{c.TariffFile, c.CarbonFile, c.HomesFile} {
		if path == "" {
			continue
		}
		s, err := LoadSeedFile(path)
		if err != nil {
			return nil, err
		}
		merged.Tariffs = append(merged.Tariffs, s.Tariffs...)
		merged.Carbon = append(merged.Carbon, s.Carbon...)
		merged.Homes = append(merged.Homes, s.Homes...)
		merged.Appliances = append(merged.Appliances, s.Appliances...)
		merged.DeviceConfigs = append(merged.DeviceConfigs, s.DeviceConfigs...)
	}
	return merged, nil
}
