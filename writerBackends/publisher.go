package writerbackends

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"mediaforge/logger"
	"mediaforge/metrics"
	"mediaforge/models"
)

// Mirror is one configured destination.
type Mirror struct {
	Name           string
	Type           string
	CredentialsKey string
	Folder         string
	// BaseDir is used by directServe mirrors.
	BaseDir string
	// Kinds limits the mirror to some media kinds; empty means all.
	Kinds []models.Kind
}

func (m Mirror) accepts(kind models.Kind) bool {
	if len(m.Kinds) == 0 {
		return true
	}
	for _, k := range m.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// CredentialSource resolves a credentials key to an access map.
type CredentialSource interface {
	Get(key string) (map[string]string, error)
}

// WriteFunc performs one upload; Write is the default.
type WriteFunc func(ctx context.Context, backendType string, accessInfo map[string]string, file *os.File) error

// Publisher uploads every finished output to each matching mirror.
type Publisher struct {
	mirrors []Mirror
	creds   CredentialSource
	write   WriteFunc
}

func NewPublisher(mirrors []Mirror, creds CredentialSource) *Publisher {
	return &Publisher{
		mirrors: mirrors,
		creds:   creds,
		write: func(ctx context.Context, backendType string, accessInfo map[string]string, file *os.File) error {
			return Write(ctx, backendType, accessInfo, file)
		},
	}
}

// Publish uploads files to every mirror accepting kind. Each file lands in
// <mirror folder>/<local directory name>/<file name>, so primaries and
// thumbnails that share a serial stay apart. All failures are joined.
func (p *Publisher) Publish(ctx context.Context, kind models.Kind, files []string) error {
	var errs []error
	for _, m := range p.mirrors {
		if !m.accepts(kind) {
			continue
		}
		access, err := p.access(m)
		if err != nil {
			errs = append(errs, fmt.Errorf("mirror %s: %w", m.Name, err))
			metrics.MirrorUploads.WithLabelValues(m.Type, "error").Add(float64(len(files)))
			continue
		}
		for _, file := range files {
			if err := p.upload(ctx, m, access, file); err != nil {
				errs = append(errs, fmt.Errorf("mirror %s: %w", m.Name, err))
				metrics.MirrorUploads.WithLabelValues(m.Type, "error").Inc()
				continue
			}
			metrics.MirrorUploads.WithLabelValues(m.Type, "ok").Inc()
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) access(m Mirror) (map[string]string, error) {
	access := map[string]string{}
	if m.CredentialsKey != "" {
		if p.creds == nil {
			return nil, fmt.Errorf("no credentials store for key %s", m.CredentialsKey)
		}
		stored, err := p.creds.Get(m.CredentialsKey)
		if err != nil {
			return nil, err
		}
		for k, v := range stored {
			access[k] = v
		}
	}
	if m.BaseDir != "" {
		access["baseDir"] = m.BaseDir
	}
	return access, nil
}

func (p *Publisher) upload(ctx context.Context, m Mirror, access map[string]string, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()

	info := make(map[string]string, len(access)+2)
	for k, v := range access {
		info[k] = v
	}
	info["filename"] = filepath.Base(file)
	info["folder"] = path.Join(m.Folder, filepath.Base(filepath.Dir(file)))

	if err := p.write(ctx, m.Type, info, f); err != nil {
		return err
	}
	logger.Debugf("mirrored %s to %s (%s)", file, m.Name, m.Type)
	return nil
}
