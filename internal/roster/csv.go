package roster

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/unclebandit/broker-notify/internal/model"
)

// CSVSource reads <dir>/<source id>.csv.
type CSVSource struct {
	Dir      string
	IDColumn string
}

func (s *CSVSource) FetchRows(ctx context.Context, sourceID string) ([]model.RosterRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sourceID == "" || strings.ContainsAny(sourceID, `/\`) || sourceID == "." || sourceID == ".." {
		return nil, fmt.Errorf("invalid roster source id %q", sourceID)
	}

	f, err := os.Open(filepath.Join(s.Dir, sourceID+".csv"))
	if err != nil {
		return nil, fmt.Errorf("open roster %q: %w", sourceID, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	table, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse roster %q: %w", sourceID, err)
	}

	idColumn := s.IDColumn
	if idColumn == "" {
		idColumn = DefaultClientIDColumn
	}
	return rowsFromTable(table, idColumn)
}

var _ Source = (*CSVSource)(nil)
