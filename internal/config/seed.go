package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/NTM-Digital/ntmServices/internal/domain"
)

const (
	DefaultCheckInterval = 60
	DefaultRetryInterval = 30
)

type seedFile struct {
	Monitors []seedMonitor `yaml:"monitors"`
}

type seedMonitor struct {
	Name          string             `yaml:"name"`
	URL           string             `yaml:"url"`
	Expected      domain.Expectation `yaml:"expected_response"`
	CheckInterval int                `yaml:"check_interval"`
	RetryInterval int                `yaml:"retry_interval"`
}

// LoadSeed reads a monitors file:
//
//	monitors:
//	  - name: api
//	    url: https://api.example.com/health
//	    expected_response: {status: ok}
//	    check_interval: 60
//	    retry_interval: 30
func LoadSeed(path string) ([]domain.Monitor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(raw)
}

func ParseSeed(raw []byte) ([]domain.Monitor, error) {
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}

	out := make([]domain.Monitor, 0, len(f.Monitors))
	for i, s := range f.Monitors {
		if s.Name == "" || s.URL == "" {
			return nil, fmt.Errorf("seed monitor %d: name and url are required", i)
		}
		m := domain.Monitor{
			Name:          s.Name,
			URL:           s.URL,
			Expected:      s.Expected,
			CheckInterval: s.CheckInterval,
			RetryInterval: s.RetryInterval,
		}
		if m.CheckInterval <= 0 {
			m.CheckInterval = DefaultCheckInterval
		}
		if m.RetryInterval <= 0 {
			m.RetryInterval = DefaultRetryInterval
		}
		out = append(out, m)
	}
	return out, nil
}
