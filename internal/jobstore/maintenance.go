package jobstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"cratedig/internal/fingerprint"
)

// PruneMissingSamples removes catalog rows, artifacts, and jobs for samples
// whose files no longer exist under the source root. Run once when a source
// first attaches so stale rows from deleted files don't occupy workers.
func (s *Store) PruneMissingSamples(ctx context.Context, sourceID string) (int, error) {
	samples, err := s.ListSamples(ctx)
	if err != nil {
		return 0, err
	}

	var missing []string
	for _, sample := range samples {
		owner, relPath, ok := fingerprint.SplitSampleID(sample.SampleID)
		if !ok || owner != sourceID {
			continue
		}
		path := filepath.Join(s.root, filepath.FromSlash(relPath))
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				missing = append(missing, sample.SampleID)
			}
			// Other stat errors leave the row alone; the file may be on
			// storage that is temporarily offline.
		}
	}

	if len(missing) == 0 {
		return 0, nil
	}
	if err := s.DeleteSamples(ctx, missing); err != nil {
		return 0, err
	}
	return len(missing), nil
}
