package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

// cacheFile is the on-disk snapshot cache layout.
type cacheFile struct {
	Version string      `json:"version"`
	Data    []cacheItem `json:"data"`
}

type cacheItem struct {
	Code   string          `json:"code"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Change decimal.Decimal `json:"change"`
}

const versionLayout = "2006-01-02-15-04"

// FileSource reads and writes the JSON snapshot cache.
type FileSource struct {
	path string
	loc  *time.Location
}

func NewFileSource(path string, loc *time.Location) *FileSource {
	if loc == nil {
		loc = time.UTC
	}
	return &FileSource{path: path, loc: loc}
}

func (f *FileSource) Name() string { return "file" }

func (f *FileSource) Fetch(ctx context.Context) ([]Snapshot, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var c cacheFile
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	asOf, err := time.ParseInLocation(versionLayout, c.Version, f.loc)
	if err != nil {
		asOf = time.Time{}
	}
	out := make([]Snapshot, 0, len(c.Data))
	for _, item := range c.Data {
		out = append(out, Snapshot{Symbol: item.Code, Name: item.Name, Price: item.Price, Change: item.Change, AsOf: asOf})
	}
	return out, nil
}

// Save writes snaps atomically. The version is the newest quote time among
// snaps, or at when none carries one, so re-saving cached prices does not
// make them look fresh.
func (f *FileSource) Save(snaps []Snapshot, at time.Time) error {
	version := at
	var newest time.Time
	for _, s := range snaps {
		if s.AsOf.After(newest) {
			newest = s.AsOf
		}
	}
	if !newest.IsZero() {
		version = newest
	}
	c := cacheFile{Version: version.In(f.loc).Format(versionLayout), Data: make([]cacheItem, 0, len(snaps))}
	for _, s := range snaps {
		c.Data = append(c.Data, cacheItem{Code: s.Symbol, Name: s.Name, Price: s.Price, Change: s.Change})
	}
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
