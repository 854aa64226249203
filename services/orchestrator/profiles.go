package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"metald/services/ipxe"
)

// Profiles maps an entity kind to the boot definition used to provision it.
type Profiles struct {
	byKind map[string]ipxe.Definition
}

type profilesFile struct {
	Profiles map[string]ipxe.Definition `yaml:"profiles"`
}

// LoadProfiles reads boot profiles from a YAML file. Definition hashes are
// computed at load so hand-edited files need not carry them.
func LoadProfiles(path string) (*Profiles, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}

	var file profilesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if len(file.Profiles) == 0 {
		return nil, fmt.Errorf("profiles file %s declares no profiles", path)
	}

	byKind := make(map[string]ipxe.Definition, len(file.Profiles))
	for kind, def := range file.Profiles {
		if def.TemplateName == "" {
			return nil, fmt.Errorf("profile %s names no template", kind)
		}
		def.Hash = ipxe.HashDefinition(def)
		byKind[kind] = def
	}

	return &Profiles{byKind: byKind}, nil
}

// NewProfiles builds a profile set from in-memory definitions, computing
// their hashes.
func NewProfiles(byKind map[string]ipxe.Definition) *Profiles {
	out := make(map[string]ipxe.Definition, len(byKind))
	for kind, def := range byKind {
		def.Hash = ipxe.HashDefinition(def)
		out[kind] = def
	}
	return &Profiles{byKind: out}
}

// For returns the boot definition for an entity kind.
func (p *Profiles) For(kind string) (ipxe.Definition, error) {
	if p == nil {
		return ipxe.Definition{}, fmt.Errorf("no boot profiles configured")
	}
	def, ok := p.byKind[kind]
	if !ok {
		return ipxe.Definition{}, fmt.Errorf("no boot profile for kind %q", kind)
	}
	return def, nil
}
