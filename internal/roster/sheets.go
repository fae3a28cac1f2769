package roster

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/unclebandit/broker-notify/internal/model"
)

// SheetsSource reads a tab of a Google spreadsheet. The tab name is the
// roster source id and the first row is the header.
type SheetsSource struct {
	service  *sheets.Service
	sheetID  string
	idColumn string
}

func NewSheetsSource(ctx context.Context, sheetID, saKeyPath, idColumn string) (*SheetsSource, error) {
	if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("service account key not found at path: %s", saKeyPath)
	}
	return NewSheetsSourceWithOptions(ctx, sheetID, idColumn,
		option.WithCredentialsFile(saKeyPath),
		option.WithScopes(sheets.SpreadsheetsReadonlyScope),
	)
}

// NewSheetsSourceWithOptions builds the source from explicit client
// options, e.g. an endpoint and HTTP client for a local server.
func NewSheetsSourceWithOptions(ctx context.Context, sheetID, idColumn string, opts ...option.ClientOption) (*SheetsSource, error) {
	if sheetID == "" {
		return nil, fmt.Errorf("SHEET_ID is required for the sheets roster source")
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets client: %w", err)
	}
	if idColumn == "" {
		idColumn = DefaultClientIDColumn
	}
	return &SheetsSource{service: svc, sheetID: sheetID, idColumn: idColumn}, nil
}

func (s *SheetsSource) FetchRows(ctx context.Context, sourceID string) ([]model.RosterRow, error) {
	resp, err := s.service.Spreadsheets.Values.
		Get(s.sheetID, tabRange(sourceID)).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("read sheet tab %q: %w", sourceID, err)
	}

	table := make([][]string, len(resp.Values))
	for i, record := range resp.Values {
		table[i] = make([]string, len(record))
		for j, cell := range record {
			table[i][j] = fmt.Sprint(cell)
		}
	}
	return rowsFromTable(table, s.idColumn)
}

// tabRange is the A1 range covering a whole tab. Quotes in the name are
// doubled.
func tabRange(tab string) string {
	return "'" + strings.ReplaceAll(tab, "'", "''") + "'"
}

var _ Source = (*SheetsSource)(nil)
