package payments

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan is one entry of the fixed price list.
type Plan struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Credits     int    `yaml:"credits" json:"credits"`
	AmountPaise int64  `yaml:"amount_paise" json:"amount_paise"`
	Currency    string `yaml:"currency" json:"currency"`
}

// ErrUnknownPlan is returned for plan ids not in the price list.
var ErrUnknownPlan = errors.New("payments: unknown plan")

// LoadPlans reads the YAML price list.
func LoadPlans(path string) (map[string]Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Plans) == 0 {
		return nil, fmt.Errorf("payments: no plans in %s", path)
	}

	plans := make(map[string]Plan, len(doc.Plans))
	for _, p := range doc.Plans {
		if p.ID == "" || p.Credits <= 0 || p.AmountPaise <= 0 {
			return nil, fmt.Errorf("payments: invalid plan %q in %s", p.ID, path)
		}
		if p.Currency == "" {
			p.Currency = "INR"
		}
		plans[p.ID] = p
	}
	return plans, nil
}
