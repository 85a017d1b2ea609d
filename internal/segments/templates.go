package segments

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rafaeljc/segmentation/internal/logger"
	"github.com/rafaeljc/segmentation/internal/ruleengine"
	"github.com/rafaeljc/segmentation/internal/segment"
)

//go:embed templates.yaml
var templatesYAML []byte

// Template is a predefined segment definition.
type Template struct {
	Name        string
	Description string
	Tags        []string
	Combinable  bool
	Rules       ruleengine.RuleSet
}

type templateFile struct {
	Templates []struct {
		Name        string         `yaml:"name"`
		Description string         `yaml:"description"`
		Tags        []string       `yaml:"tags"`
		Combinable  bool           `yaml:"combinable"`
		Rules       map[string]any `yaml:"rules"`
	} `yaml:"templates"`
}

// LoadTemplates parses a template catalog and validates every rule set
// against registry.
func LoadTemplates(data []byte, registry *ruleengine.Registry) ([]Template, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	validator := ruleengine.NewValidator(registry)
	out := make([]Template, 0, len(file.Templates))
	for _, t := range file.Templates {
		raw, err := json.Marshal(t.Rules)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", t.Name, err)
		}
		rs, err := registry.DecodeRuleSet(raw)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", t.Name, err)
		}
		if err := validator.Validate(rs); err != nil {
			return nil, fmt.Errorf("template %q: %w", t.Name, err)
		}
		out = append(out, Template{
			Name:        t.Name,
			Description: t.Description,
			Tags:        t.Tags,
			Combinable:  t.Combinable,
			Rules:       rs,
		})
	}
	return out, nil
}

// Templates returns the embedded catalog.
func (s *Service) Templates() ([]Template, error) {
	return LoadTemplates(templatesYAML, s.registry)
}

// InstallPredefined creates every catalog template missing from the store
// as an ACTIVE PREDEFINED segment and returns the ones it created.
func (s *Service) InstallPredefined(ctx context.Context, storeID string) ([]segment.Segment, error) {
	templates, err := s.Templates()
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	var created []segment.Segment
	for _, t := range templates {
		taken, err := s.segments.ExistsByName(ctx, storeID, t.Name, uuid.Nil)
		if err != nil {
			return created, err
		}
		if taken {
			log.Debug("predefined segment already installed", slog.String("name", t.Name))
			continue
		}

		rs := t.Rules
		seg, err := s.Create(ctx, segment.Draft{
			StoreID:      storeID,
			Name:         t.Name,
			Description:  t.Description,
			Kind:         segment.KindPredefined,
			State:        segment.StateActive,
			Rules:        &rs,
			Tags:         t.Tags,
			IsPublic:     true,
			IsCombinable: t.Combinable,
		})
		if err != nil {
			return created, fmt.Errorf("install %q: %w", t.Name, err)
		}
		created = append(created, seg)
	}
	return created, nil
}
