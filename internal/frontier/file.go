package frontier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

const lockFileName = ".lock"

// ErrLocked is returned when another process already holds the frontier directory.
var ErrLocked = errors.New("frontier directory is locked by another process")

// FileConfig captures the parameters for the filesystem persister.
type FileConfig struct {
	// BaseDir is the root directory where frontier records are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// FilePersister stores one JSON document per site and per partition under
// BaseDir, replacing each file atomically via rename.
//
//	<base>/bindings.json
//	<base>/sites/<sha256(site)>/site.json
//	<base>/sites/<sha256(site)>/partitions/<sha256(key=value)>.json
//
// State is loaded once and then written from memory, so the persister holds
// an exclusive lock on BaseDir until Close.
type FilePersister struct {
	baseDir string
	lock    *flock.Flock
}

var _ Persister = (*FilePersister)(nil)

// NewFilePersister creates the base directory if needed, verifies it is
// writable and locks it. It fails with ErrLocked when another persister holds
// the directory.
func NewFilePersister(cfg FileConfig) (*FilePersister, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("clean up test file: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.BaseDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock base directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", cfg.BaseDir, ErrLocked)
	}
	return &FilePersister{baseDir: cfg.BaseDir, lock: lock}, nil
}

// Close releases the directory lock.
func (p *FilePersister) Close() error {
	if p.lock == nil {
		return nil
	}
	if err := p.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock base directory: %w", err)
	}
	return nil
}

type siteDocument struct {
	Site crawler.Site `json:"site"`
}

// Load reads every site, partition, and binding document.
func (p *FilePersister) Load(_ context.Context) (State, error) {
	var state State

	if err := readJSON(filepath.Join(p.baseDir, "bindings.json"), &state.Bindings); err != nil &&
		!errors.Is(err, os.ErrNotExist) {
		return State{}, err
	}

	siteDirs, err := os.ReadDir(filepath.Join(p.baseDir, "sites"))
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("list sites: %w", err)
	}
	for _, dir := range siteDirs {
		if !dir.IsDir() {
			continue
		}
		siteDir := filepath.Join(p.baseDir, "sites", dir.Name())
		var doc siteDocument
		if err := readJSON(filepath.Join(siteDir, "site.json"), &doc); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return State{}, err
		}
		state.Sites = append(state.Sites, doc.Site)

		partFiles, err := os.ReadDir(filepath.Join(siteDir, "partitions"))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return State{}, fmt.Errorf("list partitions: %w", err)
		}
		for _, f := range partFiles {
			if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
				continue
			}
			var rec PartitionRecord
			if err := readJSON(filepath.Join(siteDir, "partitions", f.Name()), &rec); err != nil {
				return State{}, err
			}
			state.Partitions = append(state.Partitions, rec)
		}
	}
	return state, nil
}

// SaveSite writes the site document.
func (p *FilePersister) SaveSite(_ context.Context, site crawler.Site) error {
	return writeJSONAtomic(filepath.Join(p.siteDir(site.BaseURL), "site.json"), siteDocument{Site: site})
}

// SavePartition replaces the partition document.
func (p *FilePersister) SavePartition(_ context.Context, record PartitionRecord) error {
	return writeJSONAtomic(p.partitionPath(record.Site, record.Partition), record)
}

// DeletePartition removes the partition document.
func (p *FilePersister) DeletePartition(_ context.Context, site string, partition crawler.Partition) error {
	err := os.Remove(p.partitionPath(site, partition))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partition: %w", err)
	}
	return nil
}

// DeleteSite removes the site directory.
func (p *FilePersister) DeleteSite(_ context.Context, site string) error {
	if err := os.RemoveAll(p.siteDir(site)); err != nil {
		return fmt.Errorf("remove site: %w", err)
	}
	return nil
}

// SaveBindings replaces the bindings document.
func (p *FilePersister) SaveBindings(_ context.Context, bindings []crawler.QueueBinding) error {
	return writeJSONAtomic(filepath.Join(p.baseDir, "bindings.json"), bindings)
}

func (p *FilePersister) siteDir(site string) string {
	return filepath.Join(p.baseDir, "sites", digest(site))
}

func (p *FilePersister) partitionPath(site string, partition crawler.Partition) string {
	return filepath.Join(p.siteDir(site), "partitions", digest(partition.Key+"\x00"+partition.Value)+".json")
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path) // #nosec G304 -- paths are derived from digests under baseDir.
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// writeJSONAtomic writes to a temp file in the target directory, syncs it, and renames it into place.
func writeJSONAtomic(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
