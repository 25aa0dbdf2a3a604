package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/guard"
)

// policyFile is the on-disk policy seed. Entries extend (and for action
// tiers, replace) the built-in defaults; the file is read once at startup.
type policyFile struct {
	AllowedDomains  []string `yaml:"allowed_domains"`
	BlockedPatterns []string `yaml:"blocked_patterns"`

	Actions struct {
		Forbidden []string `yaml:"forbidden"`
		Dangerous []string `yaml:"dangerous"`
		Moderate  []string `yaml:"moderate"`
	} `yaml:"actions"`

	SecretPatterns []struct {
		Name string `yaml:"name"`
		Re   string `yaml:"re"`
	} `yaml:"secret_patterns"`
}

func loadPolicyFile(path string) (*policyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pol policyFile
	if err := yaml.Unmarshal(data, &pol); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &pol, nil
}

func (p *policyFile) applyTo(cfg *guard.Config) {
	if p == nil || cfg == nil {
		return
	}
	cfg.URL.Allowed = append(cfg.URL.Allowed, p.AllowedDomains...)
	cfg.URL.Blocked = append(cfg.URL.Blocked, p.BlockedPatterns...)

	if len(p.Actions.Forbidden) > 0 {
		cfg.Classifier.ForbiddenActions = p.Actions.Forbidden
	}
	if len(p.Actions.Dangerous) > 0 {
		cfg.Classifier.DangerousActions = p.Actions.Dangerous
	}
	if len(p.Actions.Moderate) > 0 {
		cfg.Classifier.ModerateActions = p.Actions.Moderate
	}
	for _, sp := range p.SecretPatterns {
		cfg.Classifier.SecretPatterns = append(cfg.Classifier.SecretPatterns, guard.RegexPattern{
			Name: sp.Name,
			Re:   sp.Re,
		})
	}
}
