package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"deadlinenotifier/internal/deadline"
	logx "deadlinenotifier/pkg/logx"

	"go.yaml.in/yaml/v3"
)

// Catalog is the on-disk layout of the file source.
type Catalog struct {
	Opportunities []deadline.Opportunity `json:"opportunities" yaml:"opportunities"`
	Users         []deadline.User        `json:"users" yaml:"users"`
}

// fileStore re-reads the catalog on every call so edits are picked up by the
// next run without a restart.
type fileStore struct {
	path string
	log  logx.Logger
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, deadline.FatalConfig(errors.New("source.path is required for file driver"))
	}
	if _, err := os.Stat(path); err != nil {
		return nil, deadline.FatalConfig(err)
	}
	return &fileStore{path: path, log: log}, nil
}

func (s *fileStore) load() (Catalog, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return Catalog{}, deadline.TransientIO(err)
	}
	c, err := ParseCatalog(b, filepath.Ext(s.path))
	if err != nil {
		return Catalog{}, deadline.MalformedData(err)
	}
	return c, nil
}

// ParseCatalog decodes JSON or YAML. ext is a hint (".yaml", ".yml");
// anything else is sniffed.
func ParseCatalog(b []byte, ext string) (Catalog, error) {
	var c Catalog
	ext = strings.ToLower(ext)
	trim := bytes.TrimSpace(b)
	if ext == ".yaml" || ext == ".yml" || (len(trim) > 0 && trim[0] != '{') {
		err := yaml.Unmarshal(b, &c)
		return c, err
	}
	err := json.Unmarshal(b, &c)
	return c, err
}

func (s *fileStore) ListOpportunities(ctx context.Context) ([]deadline.Opportunity, error) {
	c, err := s.load()
	if err != nil {
		return nil, err
	}
	return c.Opportunities, nil
}

func (s *fileStore) ListUsers(ctx context.Context) ([]deadline.User, error) {
	c, err := s.load()
	if err != nil {
		return nil, err
	}
	return c.Users, nil
}

func (s *fileStore) Close() error { return nil }
