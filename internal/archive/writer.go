package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

// Writer persists a record for each relay session that reaches a terminal
// state, in the same layout HM6 uses, so the listing covers both.
type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// RecordFor maps a finished session to its archive record.
func RecordFor(s *session.Session) Record {
	rec := Record{
		ID:         s.ID,
		Query:      s.Query,
		Foundation: s.Foundation,
		CreatedAt:  s.CreatedAt,
		Status:     s.State.String(),
		TokensUsed: s.TokensUsed(),
	}
	return rec
}

// Save writes <dir>/<id>/session.json with a temp-file-then-rename so a
// concurrent List never reads a half-written record.
func (w *Writer) Save(rec Record) error {
	if rec.ID == "" || strings.ContainsAny(rec.ID, `/\`) || rec.ID == "." || rec.ID == ".." {
		return fmt.Errorf("invalid session id %q", rec.ID)
	}
	dir := filepath.Join(w.dir, rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	data, err := json.MarshalIndent(fromRecord(rec), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, recordFileName)); err != nil {
		return fmt.Errorf("renaming record file: %w", err)
	}
	committed = true
	return nil
}
