// Package atomicfile replaces files so readers see either the old content or
// the complete new content.
package atomicfile

import (
	"fmt"
	"io"
	"os"
)

// Write streams write's output into path.tmp, syncs it, and renames it over
// path. On any failure the temporary file is removed and path is untouched.
func Write(path string, write func(io.Writer) error) error {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmpPath, err)
	}

	err = write(f)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	// Rename to final path
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
