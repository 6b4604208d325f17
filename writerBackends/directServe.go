package writerbackends

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"mediaforge/logger"
)

// UploadToDirectServe writes content under accessInfo["baseDir"], a folder
// served by a plain HTTP file server. The file appears atomically.
func UploadToDirectServe(ctx context.Context, accessInfo map[string]string, reader io.Reader) error {
	baseDir := accessInfo["baseDir"]
	filename := accessInfo["filename"]
	if baseDir == "" || filename == "" {
		return fmt.Errorf("missing required accessInfo keys: baseDir, filename")
	}
	if filepath.Base(filename) != filename {
		return fmt.Errorf("invalid filename %q", filename)
	}

	fullPath := filepath.Join(baseDir, filepath.FromSlash(objectName(accessInfo)))
	fullDir := filepath.Dir(fullPath)
	if err := os.MkdirAll(fullDir, 0755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	tmp, err := os.CreateTemp(fullDir, "."+filename+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create file in %s: %w", fullDir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write to file %s: %w", fullPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file %s: %w", fullPath, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		return fmt.Errorf("failed to move file into %s: %w", fullPath, err)
	}

	logger.Infof("Successfully saved file '%s' to '%s'", filename, fullPath)
	return nil
}
