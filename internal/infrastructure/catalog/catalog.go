// Package catalog loads the badge catalog from YAML and mirrors it into
// the badges table.
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"

	"github.com/alem-hub/alem-gamification/internal/domain/badge"
	"github.com/alem-hub/alem-gamification/pkg/logger"
)

//go:embed badges.yaml
var defaultCatalog []byte

// document is the YAML layout of a catalog file.
type document struct {
	Badges []badge.Badge `yaml:"badges"`
}

// Parse decodes a YAML catalog. A badge without an id gets the slug of its name.
func Parse(data []byte) ([]badge.Badge, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode badge catalog: %w", err)
	}
	for i := range doc.Badges {
		if doc.Badges[i].ID == "" {
			doc.Badges[i].ID = slug.Make(doc.Badges[i].Name)
		}
	}
	return doc.Badges, nil
}

// FileSource implements badge.Source over a YAML file.
// An empty Path serves the embedded default catalog.
type FileSource struct {
	Path string
}

// ListBadges implements badge.Source.
func (s FileSource) ListBadges(ctx context.Context) ([]badge.Badge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Path == "" {
		return Parse(defaultCatalog)
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read badge catalog: %w", err)
	}
	return Parse(data)
}

// Writer persists catalog entries.
type Writer interface {
	UpsertBadges(ctx context.Context, badges []badge.Badge) error
}

// Load builds a validated catalog from the source and, when w is not nil,
// mirrors it into storage.
func Load(ctx context.Context, src badge.Source, w Writer, log *logger.Logger) (*badge.Catalog, error) {
	if log == nil {
		log = logger.Nop()
	}

	cat, err := badge.LoadCatalog(ctx, src)
	if err != nil {
		return nil, err
	}
	if w != nil {
		if err := Sync(ctx, cat, w); err != nil {
			return nil, err
		}
	}

	log.Info("badge catalog loaded",
		logger.Component("catalog"),
		logger.Int("badges", cat.Len()),
		logger.Bool("synced", w != nil),
	)
	return cat, nil
}

// Sync upserts every catalog badge.
func Sync(ctx context.Context, cat *badge.Catalog, w Writer) error {
	if err := w.UpsertBadges(ctx, cat.All()); err != nil {
		return fmt.Errorf("sync badge catalog: %w", err)
	}
	return nil
}
