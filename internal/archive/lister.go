package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const readConcurrency = 16

// Lister enumerates the records under a storage directory.
type Lister struct {
	dir     string
	privacy *PrivacyFilter
}

func NewLister(dir string, privacy *PrivacyFilter) *Lister {
	if privacy == nil {
		privacy = &PrivacyFilter{}
	}
	return &Lister{dir: dir, privacy: privacy}
}

// List reads every <dir>/<id>/session.json and returns the records newest
// first. Entries that are missing, unreadable or not valid JSON are skipped;
// only failure to read the storage directory itself is an error.
func (l *Lister) List(ctx context.Context) ([]Record, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("reading storage dir %s: %w", l.dir, err)
	}
	dirs := lo.Filter(entries, func(e os.DirEntry, _ int) bool { return e.IsDir() })

	results := make([]*Record, len(dirs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for i, entry := range dirs {
		i, name := i, entry.Name()
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, ok := readRecord(filepath.Join(l.dir, name, recordFileName))
			if ok {
				results[i] = &rec
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := lo.FilterMap(results, func(r *Record, _ int) (Record, bool) {
		if r == nil {
			return Record{}, false
		}
		return *r, true
	})
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return l.privacy.FilterSlice(records), nil
}

func readRecord(path string) (Record, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, false
	}
	var d diskRecord
	if err := json.Unmarshal(data, &d); err != nil {
		return Record{}, false
	}
	return d.record(), true
}
