package tool

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy overrides the approval requirement of registered tools. Names listed
// in both Require and Exempt are required.
//
//	approval:
//	  require: [shell, delete_file]
//	  exempt: [search]
type Policy struct {
	Approval struct {
		Require []string `yaml:"require"`
		Exempt  []string `yaml:"exempt"`
	} `yaml:"approval"`
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tool.LoadPolicy: %w", err)
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("tool.ParsePolicy: %w", err)
	}
	return &p, nil
}

// ApplyPolicy replaces the registry's approval overrides with p.
func (r *Registry) ApplyPolicy(p *Policy) {
	overrides := make(map[string]bool)
	if p != nil {
		for _, name := range p.Approval.Exempt {
			overrides[name] = false
		}
		for _, name := range p.Approval.Require {
			overrides[name] = true
		}
	}
	r.mu.Lock()
	r.overrides = overrides
	r.mu.Unlock()
}
