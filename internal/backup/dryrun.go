package backup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/airtable-backup/internal/source"
	"github.com/withObsrvr/airtable-backup/internal/tables"
)

// previewTables is how many table names a dry run logs per base.
const previewTables = 3

// BasePreview is one base as seen by a dry run.
type BasePreview struct {
	Base   tables.Base
	Tables []tables.Table
	Err    error // listing the tables failed
}

// DryRun enumerates bases and their tables without fetching records or
// writing anything. A base whose tables cannot be listed is reported and
// skipped; failing to list bases is returned.
func DryRun(ctx context.Context, src source.Source) ([]BasePreview, error) {
	log := slog.With("component", "dry-run")

	bases, err := src.ListBases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bases: %w", err)
	}
	log.Info("found bases", "count", len(bases))

	previews := make([]BasePreview, 0, len(bases))
	for _, b := range bases {
		if err := ctx.Err(); err != nil {
			return previews, err
		}

		p := BasePreview{Base: b}
		p.Tables, p.Err = src.ListTables(ctx, b.ID)
		if p.Err != nil {
			log.Warn("could not list tables", "base", b.Name, "base_id", b.ID, "error", p.Err)
			previews = append(previews, p)
			continue
		}

		log.Info("base", "name", b.Name, "id", b.ID, "tables", len(p.Tables))
		for i, t := range p.Tables {
			if i == previewTables {
				log.Info("  ...", "more", len(p.Tables)-previewTables)
				break
			}
			log.Info("  table", "name", t.Name)
		}
		previews = append(previews, p)
	}
	return previews, nil
}
