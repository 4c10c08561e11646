// Package importer loads prospect domains from CSV and XLSX files.
package importer

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/model"
)

// chunkSize bounds the prospects written per CreateProspects call.
const chunkSize = 500

// ErrNoDomainColumn is returned when a file has no recognizable domain column.
var ErrNoDomainColumn = eris.New("importer: no domain, website or url column")

var (
	domainHeaders  = []string{"domain", "website", "url", "company website", "website url"}
	companyHeaders = []string{"company_name", "company name", "company", "name"}
)

// Creator inserts prospects, skipping domains that already exist.
type Creator interface {
	CreateProspects(ctx context.Context, prospects []model.Prospect) (int, error)
}

// InvalidRow is a row whose domain could not be normalized.
type InvalidRow struct {
	Line   int    `json:"line" yaml:"line"`
	Value  string `json:"value" yaml:"value"`
	Reason string `json:"reason" yaml:"reason"`
}

// Report summarizes one import.
type Report struct {
	Rows       int          `json:"rows" yaml:"rows"`
	Valid      int          `json:"valid" yaml:"valid"`
	Duplicates int          `json:"duplicates" yaml:"duplicates"`
	Inserted   int          `json:"inserted" yaml:"inserted"`
	Existing   int          `json:"existing" yaml:"existing"`
	Invalid    []InvalidRow `json:"invalid,omitempty" yaml:"invalid,omitempty"`
}

// ReadFile parses a .csv or .xlsx file into normalized prospects.
func ReadFile(ctx context.Context, path string) ([]model.Prospect, *Report, error) {
	var (
		rows [][]string
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv", ".txt":
		rows, err = ReadCSVFile(ctx, path)
	case ".xlsx":
		rows, err = ReadXLSX(path, XLSXOptions{})
	default:
		return nil, nil, eris.Errorf("importer: unsupported file type %q", ext)
	}
	if err != nil {
		return nil, nil, err
	}
	return ParseRows(rows)
}

// ParseRows maps a header row plus data rows to prospects. Domains are
// normalized and deduplicated; rows without a usable domain are reported,
// not fatal.
func ParseRows(rows [][]string) ([]model.Prospect, *Report, error) {
	rep := &Report{}
	if len(rows) == 0 {
		return nil, rep, nil
	}

	header := rows[0]
	domainIdx := findColumn(header, domainHeaders)
	if domainIdx < 0 {
		return nil, rep, ErrNoDomainColumn
	}
	companyIdx := findColumn(header, companyHeaders)

	seen := make(map[string]bool)
	var out []model.Prospect
	for i, row := range rows[1:] {
		raw := cell(row, domainIdx)
		if raw == "" && isBlank(row) {
			continue
		}
		rep.Rows++
		line := i + 2

		domain, err := model.NormalizeDomain(raw)
		if err != nil {
			rep.Invalid = append(rep.Invalid, InvalidRow{Line: line, Value: raw, Reason: err.Error()})
			continue
		}
		if seen[domain] {
			rep.Duplicates++
			continue
		}
		seen[domain] = true

		out = append(out, model.Prospect{
			Domain:      domain,
			CompanyName: cell(row, companyIdx),
			Status:      model.ProspectStatusPending,
			Source:      model.ProspectSourceCSV,
		})
	}
	rep.Valid = len(out)
	return out, rep, nil
}

// FromDomains builds prospects from raw domain arguments.
func FromDomains(raw []string, source model.ProspectSource) ([]model.Prospect, *Report) {
	rows := [][]string{{"domain"}}
	for _, r := range raw {
		rows = append(rows, []string{r})
	}
	out, rep, _ := ParseRows(rows)
	for i := range out {
		out[i].Source = source
	}
	return out, rep
}

// Import writes prospects in chunks and fills in the inserted and existing
// counts of rep.
func Import(ctx context.Context, c Creator, prospects []model.Prospect, rep *Report) error {
	if rep == nil {
		rep = &Report{}
	}
	for start := 0; start < len(prospects); start += chunkSize {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "importer: cancelled")
		}
		end := min(start+chunkSize, len(prospects))
		n, err := c.CreateProspects(ctx, prospects[start:end])
		if err != nil {
			return eris.Wrapf(err, "importer: create prospects %d-%d", start, end)
		}
		rep.Inserted += n
		rep.Existing += (end - start) - n
	}

	zap.L().Info("importer: prospects imported",
		zap.Int("rows", rep.Rows),
		zap.Int("inserted", rep.Inserted),
		zap.Int("existing", rep.Existing),
		zap.Int("duplicates", rep.Duplicates),
		zap.Int("invalid", len(rep.Invalid)),
	)
	return nil
}

func findColumn(header []string, names []string) int {
	for _, name := range names {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), name) {
				return i
			}
		}
	}
	return -1
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
