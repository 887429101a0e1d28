package ingest

import (
	"context"
	"fmt"
	"net/url"

	"schemaflow/internal/query"
	"schemaflow/internal/storage"
)

// Page is one page of records plus paging metadata.
type Page struct {
	Page       int               `json:"page"`
	PerPage    int               `json:"perPage"`
	Total      int64             `json:"total"`
	TotalPages int64             `json:"totalPages"`
	Data       []*storage.Record `json:"data"`
}

// FindRecords compiles params into a filter and returns the requested page.
// The total counts every match, not just the page.
func (e *Engine) FindRecords(ctx context.Context, params url.Values) (Page, error) {
	f, err := query.Compiler{Fields: e.Catalogs}.Compile(ctx, params)
	if err != nil {
		return Page{}, err
	}
	p := query.ParseFindParams(params)

	total, err := e.Records.CountRecords(ctx, f)
	if err != nil {
		return Page{}, fmt.Errorf("find records: count: %w", err)
	}

	data := []*storage.Record{}
	if int64(p.Offset()) < total {
		if data, err = e.Records.FindRecords(ctx, f, p); err != nil {
			return Page{}, fmt.Errorf("find records: %w", err)
		}
	}

	return Page{
		Page:       p.Page,
		PerPage:    p.PerPage,
		Total:      total,
		TotalPages: p.TotalPages(total),
		Data:       data,
	}, nil
}

// FindSources lists every source that has a catalog.
func (e *Engine) FindSources(ctx context.Context) ([]string, error) {
	out, err := e.Catalogs.Sources(ctx)
	if err != nil {
		return nil, fmt.Errorf("find sources: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
