// Package ingest fetches the ratings sheet and turns it into cleaned,
// date-unique rating records with the sunset covariate attached.
package ingest

import (
	"context"

	"github.com/newscast/forecaster/internal/api"
)

// Fetcher downloads a sheet body.
type Fetcher interface {
	Fetch(ctx context.Context, sheetID, gid string) ([]byte, error)
}

// Loader runs fetch then parse.
type Loader struct {
	fetcher Fetcher
	parser  *Parser
}

// NewLoader wires a fetcher to a parser.
func NewLoader(f Fetcher, p *Parser) *Loader {
	return &Loader{fetcher: f, parser: p}
}

// Load fetches and cleans the sheet. All returned errors are fatal for the
// run: ErrSourceUnavailable, ErrMalformedBody, ErrNoRows or a
// *MissingColumnsError.
func (l *Loader) Load(ctx context.Context, sheetID, gid string) ([]api.RatingRecord, api.IngestReport, error) {
	body, err := l.fetcher.Fetch(ctx, sheetID, gid)
	if err != nil {
		return nil, api.IngestReport{}, err
	}
	return l.parser.Parse(body)
}
