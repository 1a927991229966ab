package repolist

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeharvest/internal/logging"
)

// Read parses a headerless CSV of name,stars,language rows. Rows with an
// invalid name or star count, or that the CSV reader cannot parse, are
// skipped and logged; the language column may be missing. Stray quotes in
// unquoted fields are kept as literal text.
func Read(ctx context.Context, r io.Reader, logger *logging.Logger) ([]Record, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	var out []Record
	skipped := 0
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			skipped++
			logger.Warn(ctx, "skipping repository list row", zap.Int("line", perr.StartLine), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading repository list: %w", err)
		}
		line, _ := cr.FieldPos(0)
		rec, err := parseRow(row)
		if err != nil {
			skipped++
			logger.Warn(ctx, "skipping repository list row", zap.Int("line", line), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}

	logger.Info(ctx, "repository list loaded", zap.Int("records", len(out)), zap.Int("skipped", skipped))
	return out, nil
}

// ReadFile opens path and calls Read.
func ReadFile(ctx context.Context, path string, logger *logging.Logger) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening repository list: %w", err)
	}
	defer f.Close()
	return Read(ctx, f, logger)
}

func parseRow(row []string) (Record, error) {
	if len(row) < 2 {
		return Record{}, fmt.Errorf("expected at least 2 columns, got %d", len(row))
	}
	name := strings.TrimSpace(row[0])
	if err := ValidateName(name); err != nil {
		return Record{}, err
	}
	stars, err := strconv.Atoi(strings.TrimSpace(row[1]))
	if err != nil {
		return Record{}, fmt.Errorf("invalid star count %q", row[1])
	}
	rec := Record{Name: name, Stars: stars}
	if len(row) > 2 {
		rec.Language = strings.TrimSpace(row[2])
	}
	return rec, nil
}

// Write emits records in the format Read accepts.
func Write(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	for _, r := range records {
		if err := cw.Write([]string{r.Name, strconv.Itoa(r.Stars), r.Language}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes records to path, replacing it.
func WriteFile(path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating repository list: %w", err)
	}
	if err := Write(f, records); err != nil {
		f.Close()
		return fmt.Errorf("writing repository list: %w", err)
	}
	return f.Close()
}
