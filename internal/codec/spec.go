package codec

import (
	"fmt"
	"os"
	"strconv"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// FamilySpec is the configuration form of a Family. Packet ids are map keys in
// any base strconv understands ("0x1A", "26").
type FamilySpec struct {
	Name         string            `yaml:"name" mapstructure:"name"`
	AllowUnknown bool              `yaml:"allow_unknown" mapstructure:"allow_unknown"`
	Packets      map[string]string `yaml:"packets" mapstructure:"packets"`
}

type familiesFile struct {
	Families []FamilySpec `yaml:"families"`
}

// LoadFamiliesFile reads family specs from a YAML file with a top-level
// `families:` list.
func LoadFamiliesFile(path string) ([]FamilySpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read families file %s: %w", path, err)
	}
	var file familiesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse families file %s: %w", path, err)
	}
	return file.Families, nil
}

// DecodeFamilies converts loosely typed config (as produced by viper) into
// family specs.
func DecodeFamilies(raw interface{}) ([]FamilySpec, error) {
	if raw == nil {
		return nil, nil
	}
	var specs []FamilySpec
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &specs,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode families: %w", err)
	}
	return specs, nil
}

// Build converts a spec into a Family.
func (s FamilySpec) Build() (*Family, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("codec: family spec without a name")
	}
	kinds := make(map[int32]string, len(s.Packets))
	for key, name := range s.Packets {
		id, err := strconv.ParseInt(key, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("codec: family %q: invalid packet id %q: %w", s.Name, key, err)
		}
		kinds[int32(id)] = name
	}
	return NewFamily(s.Name, s.AllowUnknown, kinds), nil
}

// Spec converts a Family back into its configuration form.
func (f *Family) Spec() FamilySpec {
	s := FamilySpec{
		Name:         f.Name,
		AllowUnknown: f.AllowUnknown,
		Packets:      make(map[string]string, len(f.kinds)),
	}
	for id, name := range f.kinds {
		s.Packets[fmt.Sprintf("0x%02X", id)] = name
	}
	return s
}

// RegisterSpecs builds and registers every spec.
func (r *Registry) RegisterSpecs(specs []FamilySpec) error {
	for _, s := range specs {
		f, err := s.Build()
		if err != nil {
			return err
		}
		if err := r.Register(f); err != nil {
			return err
		}
	}
	return nil
}
