package query

import (
	"net/url"
	"strconv"
	"strings"
)

// Paging limits.
const (
	DefaultPerPage = 50
	MaxPerPage     = 200
)

// Record-level names accepted by sortBy and fields. Anything else refers to a
// normalized field.
const (
	FieldID             = "id"
	FieldSource         = "source"
	FieldCatalogVersion = "catalogVersion"
	FieldIngestedAt     = "ingestedAt"
)

// FindParams are the reserved paging, sorting and projection parameters.
type FindParams struct {
	Page    int
	PerPage int

	// SortBy is FieldIngestedAt or a normalized field name.
	SortBy   string
	SortDesc bool

	// Projection is set when the caller asked for specific fields.
	// Source, catalog version and ingestion time are always returned.
	Projection *Projection
}

// Projection selects parts of a record.
type Projection struct {
	ID         bool
	Normalized []string
}

// ParseFindParams reads the reserved parameters. Invalid numbers fall back to
// defaults; perPage is clamped to 1..MaxPerPage.
func ParseFindParams(params url.Values) FindParams {
	p := FindParams{
		Page:     1,
		PerPage:  DefaultPerPage,
		SortBy:   FieldIngestedAt,
		SortDesc: true,
	}

	if n, err := strconv.Atoi(strings.TrimSpace(params.Get(ParamPage))); err == nil && n > 1 {
		p.Page = n
	}
	if n, err := strconv.Atoi(strings.TrimSpace(params.Get(ParamPerPage))); err == nil {
		p.PerPage = min(MaxPerPage, max(1, n))
	}

	if by := strings.TrimSpace(params.Get(ParamSortBy)); by != "" {
		p.SortBy = by
	}
	p.SortDesc = !strings.EqualFold(strings.TrimSpace(params.Get(ParamSortDir)), "asc")

	if raw := params.Get(ParamFields); raw != "" {
		proj := &Projection{}
		for _, f := range parseCSV(raw) {
			switch f {
			case FieldID, "_id":
				proj.ID = true
			case FieldSource, FieldCatalogVersion, FieldIngestedAt:
				// always returned
			default:
				proj.Normalized = append(proj.Normalized, f)
			}
		}
		p.Projection = proj
	}
	return p
}

// Offset is the number of records skipped before the page.
func (p FindParams) Offset() int { return (p.Page - 1) * p.PerPage }

// SortsByField reports whether the sort key is a normalized field.
func (p FindParams) SortsByField() bool { return p.SortBy != FieldIngestedAt }

// TotalPages is ceil(total/perPage).
func (p FindParams) TotalPages(total int64) int64 {
	if p.PerPage <= 0 {
		return 0
	}
	return (total + int64(p.PerPage) - 1) / int64(p.PerPage)
}
