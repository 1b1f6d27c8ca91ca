package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"salonnotif/internal/domain"
	"salonnotif/internal/store"
	"salonnotif/internal/util"
)

const DefaultLanguage = "ru"

// TemplateService manages message templates and renders them for the sweep.
type TemplateService struct {
	Store store.Store
	Now   func() time.Time
}

func (s *TemplateService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

// Render resolves the active template for (key, language) inside tx and substitutes vars.
// The returned version is the one the text was rendered from.
func Render(ctx context.Context, tx store.Tx, key, language string, vars map[string]string) (string, int, error) {
	t, err := tx.GetActiveTemplate(ctx, key, language)
	if err != nil {
		return "", 0, err
	}
	return util.RenderTemplate(t.Text, vars), t.Version, nil
}

func (s *TemplateService) List(ctx context.Context) ([]domain.MessageTemplate, error) {
	return s.Store.ListTemplates(ctx)
}

// checkPlaceholders rejects text naming a placeholder outside RenderKeys, which would
// otherwise render as an empty string.
func checkPlaceholders(text string) error {
	var unknown []string
	for _, name := range util.Placeholders(text) {
		if !slices.Contains(RenderKeys, name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownPlaceholder, strings.Join(unknown, ", "))
	}
	return nil
}

type CreateTemplateRequest struct {
	Key      string `json:"key"`
	Language string `json:"language"`
	Text     string `json:"text"`
	Active   *bool  `json:"is_active"`
}

// Create inserts version 1 of a template. Language defaults to ru and active to true.
func (s *TemplateService) Create(ctx context.Context, req CreateTemplateRequest) (domain.MessageTemplate, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" || req.Text == "" {
		return domain.MessageTemplate{}, fmt.Errorf("%w: key and text are required", domain.ErrMissingFields)
	}
	if err := checkPlaceholders(req.Text); err != nil {
		return domain.MessageTemplate{}, err
	}
	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = DefaultLanguage
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return s.Store.CreateTemplate(ctx, store.TemplateInsert{
		Key: key, Language: lang, Text: req.Text, Active: active, Now: s.now(),
	})
}

type UpdateTemplateRequest struct {
	Text   *string `json:"text"`
	Active *bool   `json:"is_active"`
}

// Update bumps the version only when the text changes.
func (s *TemplateService) Update(ctx context.Context, id int64, req UpdateTemplateRequest) (domain.MessageTemplate, error) {
	if req.Text != nil && *req.Text == "" {
		return domain.MessageTemplate{}, fmt.Errorf("%w: text must not be empty", domain.ErrMissingFields)
	}
	if req.Text != nil {
		if err := checkPlaceholders(*req.Text); err != nil {
			return domain.MessageTemplate{}, err
		}
	}
	return s.Store.UpdateTemplate(ctx, store.TemplateUpdate{ID: id, Text: req.Text, Active: req.Active, Now: s.now()})
}

// TemplateSeed is one entry of the YAML seed file.
type TemplateSeed struct {
	Key      string `yaml:"key"`
	Language string `yaml:"language"`
	Text     string `yaml:"text"`
	Active   *bool  `yaml:"active"`
}

type templateSeedFile struct {
	Templates []TemplateSeed `yaml:"templates"`
}

func ParseTemplateSeed(b []byte) ([]TemplateSeed, error) {
	var f templateSeedFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse template seed: %w", err)
	}
	return f.Templates, nil
}

func LoadTemplateSeedFile(path string) ([]TemplateSeed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template seed: %w", err)
	}
	return ParseTemplateSeed(b)
}

// ApplySeed creates the seeded templates that do not exist yet; existing rows are left alone.
func (s *TemplateService) ApplySeed(ctx context.Context, seeds []TemplateSeed) (int, error) {
	created := 0
	for _, sd := range seeds {
		_, err := s.Create(ctx, CreateTemplateRequest{Key: sd.Key, Language: sd.Language, Text: sd.Text, Active: sd.Active})
		switch {
		case err == nil:
			created++
		case errors.Is(err, domain.ErrConflict):
			continue
		default:
			return created, fmt.Errorf("seed template %s/%s: %w", sd.Key, sd.Language, err)
		}
	}
	slog.Info("template seed applied", "entries", len(seeds), "created", created)
	return created, nil
}
