// Package export writes snapshots and lead times as XLSX workbooks.
package export

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/jiracache/internal/history"
)

// ContentType is the media type of the produced workbooks.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const (
	defaultSheet   = "Sheet1"
	leadTimeSheet  = "Lead times"
	maxSheetLength = 31
)

var sheetNameReplacer = strings.NewReplacer(
	":", "-", "\\", "-", "/", "-", "?", "", "*", "", "[", "(", "]", ")",
)

// WriteSnapshots writes one sheet per snapshot timestamp, oldest first. Each
// row is one record; columns are key, created, resolutiondate and fields in
// the given order. Fields absent from a snapshot are left blank.
func WriteSnapshots(w io.Writer, snapshots map[string][]history.Snapshot, fields []string) error {
	timestamps := make([]string, 0, len(snapshots))
	for timestamp := range snapshots {
		timestamps = append(timestamps, timestamp)
	}
	sort.Strings(timestamps)

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	header := append([]any{"key", "created", "resolutiondate"}, toAny(fields)...)
	used := make(map[string]bool, len(timestamps))
	for i, timestamp := range timestamps {
		name := uniqueSheetName(timestamp, used)
		if err := addSheet(f, name, i == 0); err != nil {
			return err
		}
		if err := f.SetSheetRow(name, "A1", &header); err != nil {
			return fmt.Errorf("failed to write header of %s: %w", name, err)
		}
		for r, snapshot := range snapshots[timestamp] {
			row := []any{snapshot.Key, snapshot.Created, snapshot.ResolutionDate}
			for _, field := range fields {
				value, ok := snapshot.Fields[field]
				if !ok {
					row = append(row, nil)
					continue
				}
				row = append(row, value.Text())
			}
			if err := setRow(f, name, r+2, row); err != nil {
				return err
			}
		}
	}
	if len(timestamps) == 0 {
		if err := f.SetSheetRow(defaultSheet, "A1", &header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}

	return write(f, w)
}

// WriteLeadTimes writes one sheet with key, start, end and the duration in
// days (-1 when the start state was never reached).
func WriteLeadTimes(w io.Writer, leadTimes []history.LeadTime, includeWeekend bool, now time.Time) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := addSheet(f, leadTimeSheet, true); err != nil {
		return err
	}
	header := []any{"key", "start", "end", "days"}
	if err := f.SetSheetRow(leadTimeSheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write lead time header: %w", err)
	}
	for i, leadTime := range leadTimes {
		days, err := leadTime.Days(includeWeekend, now)
		if err != nil {
			return fmt.Errorf("failed to compute lead time of %s: %w", leadTime.Key, err)
		}
		row := []any{leadTime.Key, deref(leadTime.Start), deref(leadTime.End), days}
		if err := setRow(f, leadTimeSheet, i+2, row); err != nil {
			return err
		}
	}
	return write(f, w)
}

// ReadRows returns every row of the named sheet.
func ReadRows(r io.Reader, sheet string) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows from %s: %w", sheet, err)
	}
	return rows, nil
}

// SheetNames lists the sheets of a workbook in order.
func SheetNames(r io.Reader) ([]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()
	return f.GetSheetList(), nil
}

// addSheet creates a sheet; the first one replaces the default sheet.
func addSheet(f *excelize.File, name string, first bool) error {
	if first {
		if err := f.SetSheetName(defaultSheet, name); err != nil {
			return fmt.Errorf("failed to rename sheet to %s: %w", name, err)
		}
		return nil
	}
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", name, err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write row %d of %s: %w", row, sheet, err)
	}
	return nil
}

func write(f *excelize.File, w io.Writer) error {
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write xlsx: %w", err)
	}
	return nil
}

func uniqueSheetName(raw string, used map[string]bool) string {
	name := strings.TrimSpace(sheetNameReplacer.Replace(raw))
	if name == "" {
		name = "snapshot"
	}
	if len(name) > maxSheetLength {
		name = name[:maxSheetLength]
	}
	candidate := name
	for n := 2; used[strings.ToLower(candidate)]; n++ {
		suffix := fmt.Sprintf(" (%d)", n)
		base := name
		if len(base)+len(suffix) > maxSheetLength {
			base = base[:maxSheetLength-len(suffix)]
		}
		candidate = base + suffix
	}
	used[strings.ToLower(candidate)] = true
	return candidate
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func deref(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
