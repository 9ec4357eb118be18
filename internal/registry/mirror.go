package registry

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"feedctl/internal/model"
)

// subscriptionFile is the on-disk layout of the subscription list.
type subscriptionFile struct {
	NextID int64        `toml:"next_id"`
	Feeds  []model.Feed `toml:"feeds"`
}

// Mirror keeps a TOML copy of the subscription list next to the store.
type Mirror struct {
	path string
}

// NewMirror returns a Mirror writing to path.
func NewMirror(path string) *Mirror {
	return &Mirror{path: path}
}

// Path returns the location of the mirror file.
func (m *Mirror) Path() string {
	return m.path
}

// Write replaces the mirror with feeds. The file is swapped in with a
// rename so readers never observe a partial list.
func (m *Mirror) Write(feeds []model.Feed) error {
	file := subscriptionFile{NextID: 1, Feeds: feeds}
	for _, f := range feeds {
		if f.ID >= file.NextID {
			file.NextID = f.ID + 1
		}
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(file); err != nil {
		return fmt.Errorf("encode subscription list: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".feeds-*.toml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("replace subscription list: %w", err)
	}
	return nil
}

// Read returns the feeds listed in the mirror. A missing file yields an
// empty list.
func (m *Mirror) Read() ([]model.Feed, error) {
	var file subscriptionFile
	_, err := toml.DecodeFile(m.path, &file)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return []model.Feed{}, nil
	case err != nil:
		return nil, fmt.Errorf("read subscription list %s: %w", m.path, err)
	}
	if file.Feeds == nil {
		file.Feeds = []model.Feed{}
	}
	return file.Feeds, nil
}

// Exists reports whether the mirror file is present.
func (m *Mirror) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}
