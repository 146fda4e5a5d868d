// Package scenario loads the read-only role-play catalog from YAML.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"coaching-sim/internal/domain"
)

var ValidLevels = []string{"beginner", "intermediate", "advanced"}

type catalogFile struct {
	Scenarios []domain.Scenario `yaml:"scenarios"`
}

// Catalog is an immutable, in-memory scenario set. Lookups accept either the
// scenario id or its code.
type Catalog struct {
	scenarios []domain.Scenario
	byID      map[string]int
	byCode    map[string]int
}

func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: open %q: %w", path, err)
	}
	defer f.Close()

	c, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("scenario: parse %q: %w", path, err)
	}
	return c, nil
}

func LoadFromReader(r io.Reader) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("scenario: decode yaml: %w", err)
	}
	if err := Validate(file.Scenarios); err != nil {
		return nil, err
	}
	return newCatalog(file.Scenarios), nil
}

// Validate returns every problem found in scenarios, joined.
func Validate(scenarios []domain.Scenario) error {
	if len(scenarios) == 0 {
		return errors.New("scenario: catalog holds no scenarios")
	}
	var errs []error
	ids := make(map[string]int, len(scenarios))
	codes := make(map[string]int, len(scenarios))
	for i, s := range scenarios {
		where := fmt.Sprintf("scenarios[%d]", i)
		if strings.TrimSpace(s.ID) == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", where))
		} else if j, dup := ids[s.ID]; dup {
			errs = append(errs, fmt.Errorf("%s.id %q duplicates scenarios[%d]", where, s.ID, j))
		} else {
			ids[s.ID] = i
		}
		if s.Code != "" {
			if j, dup := codes[s.Code]; dup {
				errs = append(errs, fmt.Errorf("%s.code %q duplicates scenarios[%d]", where, s.Code, j))
			} else {
				codes[s.Code] = i
			}
		}
		if strings.TrimSpace(s.TitleEN) == "" {
			errs = append(errs, fmt.Errorf("%s.title_en is required", where))
		}
		if strings.TrimSpace(s.SystemPrompt) == "" {
			errs = append(errs, fmt.Errorf("%s.system_prompt is required", where))
		}
		if s.Level != "" && !slices.Contains(ValidLevels, s.Level) {
			errs = append(errs, fmt.Errorf("%s.level %q is invalid; valid values: %s", where, s.Level, strings.Join(ValidLevels, ", ")))
		}
		if s.DurationMin < 0 {
			errs = append(errs, fmt.Errorf("%s.duration_min must not be negative", where))
		}
		for _, c := range s.Competencies {
			if _, ok := domain.ParseCompetency(c); !ok {
				errs = append(errs, fmt.Errorf("%s.competencies: unknown competency %q", where, c))
			}
		}
	}
	return errors.Join(errs...)
}

func newCatalog(scenarios []domain.Scenario) *Catalog {
	c := &Catalog{
		scenarios: scenarios,
		byID:      make(map[string]int, len(scenarios)),
		byCode:    make(map[string]int, len(scenarios)),
	}
	for i, s := range scenarios {
		c.byID[s.ID] = i
		if s.Code != "" {
			c.byCode[s.Code] = i
		}
	}
	return c
}

func (c *Catalog) FindScenario(_ context.Context, id string) (domain.Scenario, error) {
	id = strings.TrimSpace(id)
	if i, ok := c.byID[id]; ok {
		return c.scenarios[i], nil
	}
	if i, ok := c.byCode[id]; ok {
		return c.scenarios[i], nil
	}
	return domain.Scenario{}, fmt.Errorf("scenario: %q: %w", id, domain.ErrScenarioNotFound)
}

// List returns the scenarios in catalog order.
func (c *Catalog) List() []domain.Scenario {
	return slices.Clone(c.scenarios)
}
