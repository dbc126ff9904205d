package bronze

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joseph-ayodele/underwriting-pipeline/constants"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/lake"
)

type FileResult struct {
	Path string
	Rows int
	Err  string
}

type DirStats struct {
	Scanned   uint32
	Matched   uint32
	Succeeded uint32
	Failed    uint32
}

// Batch is the concatenation of every readable file under a directory.
type Batch struct {
	Rows  []lake.Record
	Files []FileResult
}

// LoadDirectory walks root, reads every file with an allowed extension and
// concatenates their rows in path order. Unreadable files are reported in
// the results and skipped.
func LoadDirectory(ctx context.Context, root string, skipHidden bool) (Batch, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return Batch{}, DirStats{}, errors.New("root path is required")
	}

	var paths []string
	var stats DirStats
	var batch Batch

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			batch.Files = append(batch.Files, FileResult{Path: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && path != root && isHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !Allowed(path) {
			return nil
		}
		stats.Matched++
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return batch, stats, fmt.Errorf("walk: %w", err)
	}

	sort.Strings(paths)
	for _, path := range paths {
		rows, err := ReadFile(path)
		if err != nil {
			batch.Files = append(batch.Files, FileResult{Path: path, Err: err.Error()})
			stats.Failed++
			continue
		}
		batch.Rows = append(batch.Rows, rows...)
		batch.Files = append(batch.Files, FileResult{Path: path, Rows: len(rows)})
		stats.Succeeded++
	}
	return batch, stats, nil
}

// Allowed reports whether path has a bronze batch extension.
func Allowed(path string) bool {
	_, ok := constants.AllowedExtensions[constants.NormalizeExt(filepath.Ext(path))]
	return ok
}

func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
