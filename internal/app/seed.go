package app

import (
	"context"
	"fmt"
	"time"

	"inkline/internal/config"
	"inkline/internal/domain"
)

// SeedTemplates upserts the templates declared in config into the registry.
// Config is the source of truth for declared templates; templates created via
// the API are left alone.
func (a *App) SeedTemplates(ctx context.Context) error {
	now := a.Engine.Now
	if now == nil {
		now = time.Now
	}
	createdAt := now().UTC().Format(time.RFC3339)
	for _, tc := range a.Config.Templates {
		tpl := TemplateFromConfig(tc, createdAt)
		if err := a.Engine.Repo.UpsertTemplate(ctx, nil, tpl); err != nil {
			return fmt.Errorf("seed template %s: %w", tc.ID, err)
		}
	}
	return nil
}

// TemplateFromConfig converts a config template declaration into the domain
// form. Required flags default to true when omitted.
func TemplateFromConfig(tc config.TemplateConfig, createdAt string) domain.Template {
	tpl := domain.Template{
		ID:        tc.ID,
		Title:     tc.Title,
		Mode:      domain.SignMode(tc.Mode),
		CreatedAt: createdAt,
	}
	for _, rc := range tc.Roles {
		role := domain.TemplateRole{
			Name:     rc.Name,
			Kind:     domain.ParticipantKind(rc.Kind),
			Required: rc.Required == nil || *rc.Required,
			Ordinal:  rc.Ordinal,
		}
		for _, fc := range rc.Fields {
			role.Fields = append(role.Fields, domain.FieldSpec{
				Page:     fc.Page,
				X:        fc.X,
				Y:        fc.Y,
				Width:    fc.Width,
				Height:   fc.Height,
				Kind:     domain.FieldKind(fc.Kind),
				Required: fc.Required == nil || *fc.Required,
			})
		}
		tpl.Roles = append(tpl.Roles, role)
	}
	return tpl
}
