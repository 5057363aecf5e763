package datasets

import (
	"encoding/csv"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WritePredictions writes an "id,q8" CSV with one row per sequence, creating
// the parent directory if needed.
func WritePredictions(path string, ids, predictions []string) error {
	if len(ids) != len(predictions) {
		return errors.Errorf("%d ids but %d predictions", len(ids), len(predictions))
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create %s", dir)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create predictions CSV")
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{"id", "q8"}); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for i, id := range ids {
		if err := w.Write([]string{id, predictions[i]}); err != nil {
			return errors.Wrapf(err, "failed to write row %d", i+1)
		}
	}
	w.Flush()
	return errors.Wrap(w.Error(), "failed to flush predictions CSV")
}
