package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"mangonel/internal/engine"
)

// WriteJSON writes the run summary to path as indented JSON, creating
// parent directories as needed. The artifact carries everything the
// verdict was decided from, so a stored run can be re-judged offline.
func WriteJSON(path string, summary *engine.Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return nil
}

// EncodeJSON writes the summary as indented JSON to w. Used when the
// artifact goes to stdout instead of a file.
func EncodeJSON(w io.Writer, summary *engine.Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	return nil
}
