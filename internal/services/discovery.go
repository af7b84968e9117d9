package services

import (
	"context"
	"io/fs"
	"path/filepath"

	"telemetry-pipeline/internal/decoder"
	"telemetry-pipeline/internal/models"
	"telemetry-pipeline/pkg/logging"
)

// Discover walks the data directory and assigns each claimable file to
// its group. Archive directories are claimed whole and never descended
// into. Unclaimed or unclassifiable entries are logged and skipped.
func (s *IngestionService) Discover(ctx context.Context, root string, groups []*models.Group) (map[string][]models.SourceFile, error) {
	claimed := make(map[string][]models.SourceFile)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn(ctx, "[DISCOVER_SKIP] Unreadable entry", logging.Fields{
				"path":   path,
				"reason": err.Error(),
			})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}

		name := filepath.Base(path)
		var owner *models.Group
		for _, g := range groups {
			if g.Claimed(name) {
				owner = g
				break
			}
		}
		if owner == nil {
			return nil
		}

		format, ferr := decoder.Detect(path)
		if ferr != nil {
			s.logger.Warn(ctx, "[DISCOVER_SKIP] Unclassifiable file", logging.Fields{
				"path":   path,
				"reason": ferr.Error(),
			})
			s.metrics.RecordDecodeError("unclassifiable")
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, serr := d.Info()
		if serr != nil {
			return nil
		}
		claimed[owner.ID] = append(claimed[owner.ID], models.SourceFile{
			Path:    path,
			Format:  string(format),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		if d.IsDir() {
			// archive directories are one logical source
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}
