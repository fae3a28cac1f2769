// Package roster reads campaign rosters and reconciles them against the
// system of record.
package roster

import (
	"context"
	"fmt"
	"strings"

	"github.com/unclebandit/broker-notify/internal/model"
)

// DefaultClientIDColumn is the roster header holding the client id.
const DefaultClientIDColumn = "Client id"

// Source yields the rows of one roster. sourceID names the roster inside
// the source, e.g. a sheet tab or a file name.
type Source interface {
	FetchRows(ctx context.Context, sourceID string) ([]model.RosterRow, error)
}

// rowsFromTable turns a header row plus data rows into roster rows. Rows
// shorter than the header get empty values for the missing cells; fully
// empty rows are dropped.
func rowsFromTable(table [][]string, idColumn string) ([]model.RosterRow, error) {
	if len(table) == 0 {
		return nil, nil
	}
	header := make([]string, len(table[0]))
	idIndex := -1
	for i, h := range table[0] {
		header[i] = strings.TrimSpace(h)
		if strings.EqualFold(header[i], idColumn) && idIndex < 0 {
			idIndex = i
		}
	}
	if idIndex < 0 {
		return nil, fmt.Errorf("roster header has no %q column", idColumn)
	}

	rows := make([]model.RosterRow, 0, len(table)-1)
	for _, record := range table[1:] {
		if blank(record) {
			continue
		}
		row := model.RosterRow{Columns: make(map[string]string, len(header))}
		for i, name := range header {
			var cell string
			if i < len(record) {
				cell = record[i]
			}
			row.Columns[name] = cell
			if i == idIndex {
				row.ClientID = cell
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func blank(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
