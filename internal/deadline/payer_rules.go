package deadline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-claims/internal/domain/claim"
)

// PayerRules holds per-payer timely filing limits loaded from a rules file:
//
//	default_timely_filing_days: 90
//	payers:
//	  - payer_id: MEDICARE
//	    name: Medicare
//	    timely_filing_days: 365
type PayerRules struct {
	DefaultDays int         `yaml:"default_timely_filing_days"`
	Payers      []PayerRule `yaml:"payers"`

	byID map[string]PayerRule
}

// PayerRule is the limit for one payer.
type PayerRule struct {
	PayerID          string `yaml:"payer_id"`
	Name             string `yaml:"name"`
	TimelyFilingDays int    `yaml:"timely_filing_days"`
}

// LoadPayerRules reads a rules file.
func LoadPayerRules(path string) (*PayerRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payer rules: %w", err)
	}
	return ParsePayerRules(data)
}

// ParsePayerRules decodes and validates rules.
func ParsePayerRules(data []byte) (*PayerRules, error) {
	var r PayerRules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse payer rules: %w", err)
	}
	if r.DefaultDays < 0 {
		return nil, fmt.Errorf("default_timely_filing_days must not be negative")
	}
	r.byID = make(map[string]PayerRule, len(r.Payers))
	for _, p := range r.Payers {
		if p.PayerID == "" {
			return nil, fmt.Errorf("payer rule without payer_id")
		}
		if p.TimelyFilingDays <= 0 {
			return nil, fmt.Errorf("payer %s: timely_filing_days must be positive", p.PayerID)
		}
		if _, dup := r.byID[p.PayerID]; dup {
			return nil, fmt.Errorf("payer %s listed twice", p.PayerID)
		}
		r.byID[p.PayerID] = p
	}
	return &r, nil
}

// LimitFor returns the payer's limit, the file default, or the global default.
func (r *PayerRules) LimitFor(payerID string) int {
	if r != nil {
		if p, ok := r.byID[payerID]; ok {
			return p.TimelyFilingDays
		}
		if r.DefaultDays > 0 {
			return r.DefaultDays
		}
	}
	return claim.DefaultTimelyFilingDays
}
