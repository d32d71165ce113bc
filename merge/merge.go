// Package merge concatenates per-window CSV exports into one county file.
package merge

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SchemaError reports a header mismatch between input files.
type SchemaError struct {
	File string
	Want []string
	Got  []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema mismatch in %s: header %v does not match %v", e.File, e.Got, e.Want)
}

// Stats summarises one merge.
type Stats struct {
	Files      int
	Rows       int
	Duplicates int
}

// Files merges the given CSV files into outputPath. The header appears
// exactly once; all inputs must share the first file's header or the merge
// fails with a SchemaError naming the offending file. Exact-duplicate rows
// are dropped. The surviving row set does not depend on input order.
func Files(paths []string, outputPath string) (*Stats, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no input files to merge")
	}

	var header []string
	var rows [][]string
	seen := make(map[string]struct{})
	stats := &Stats{}

	for _, path := range paths {
		fileHeader, fileRows, err := readCSV(path)
		if err != nil {
			return nil, err
		}

		if header == nil {
			header = fileHeader
		} else if !equalHeader(header, fileHeader) {
			return nil, &SchemaError{File: path, Want: header, Got: fileHeader}
		}

		for _, row := range fileRows {
			key := strings.Join(row, "\x1f")
			if _, dup := seen[key]; dup {
				stats.Duplicates++
				continue
			}
			seen[key] = struct{}{}
			rows = append(rows, row)
		}
		stats.Files++
	}

	if err := writeCSV(outputPath, header, rows); err != nil {
		return nil, err
	}
	stats.Rows = len(rows)
	return stats, nil
}

// Dir merges every .csv file directly under dir into outputPath. The
// output file itself is excluded when it lives in the same directory.
func Dir(dir, outputPath string) (*Stats, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read merge directory %q: %w", dir, err)
	}

	absOutput, err := filepath.Abs(outputPath)
	if err != nil {
		return nil, fmt.Errorf("resolve output path: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if abs, err := filepath.Abs(path); err == nil && abs == absOutput {
			continue
		}
		paths = append(paths, path)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no csv files found in %q", dir)
	}
	sort.Strings(paths)

	return Files(paths, outputPath)
}

func readCSV(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input %q: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read input %q: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("input %q is empty", path)
	}
	return records[0], records[1:], nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory %q: %w", dir, err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output %q: %w", path, err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write output header: %w", err)
	}
	if err := writer.WriteAll(rows); err != nil {
		return fmt.Errorf("write output rows: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush output %q: %w", path, err)
	}
	return nil
}

func equalHeader(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
