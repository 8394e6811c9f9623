// Package dataset replays labelled security datasets (CSV, optionally
// zstd-compressed) as raw log entries so the pipeline can be exercised
// without live collectors.
package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/sgerhart/siemflux/internal/model"
)

// Format selects the column mapping applied to each row
type Format string

const (
	FormatAuto            Format = ""
	FormatCICIDS2017      Format = "cicids2017"
	FormatUNSWNB15        Format = "unsw_nb15"
	FormatWindowsSecurity Format = "windows_security"
	FormatFirewall        Format = "firewall"
	FormatAndroidMalware  Format = "android_malware"
	FormatGeneric         Format = "generic"
)

// ErrUnknownFormat is returned for a format name with no mapping
var ErrUnknownFormat = errors.New("unknown dataset format")

// Options control one load
type Options struct {
	Format Format // FormatAuto detects from the header
	Limit  int    // 0 means no limit
}

// Result is the outcome of loading one file
type Result struct {
	Path    string
	Format  Format
	Entries []model.RawLogEntry
	Skipped int
}

// Loader reads dataset files
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// ParseFormat validates a format name
func ParseFormat(name string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(name)))
	switch f {
	case FormatAuto, FormatCICIDS2017, FormatUNSWNB15, FormatWindowsSecurity, FormatFirewall, FormatAndroidMalware, FormatGeneric:
		return f, nil
	case "auto":
		return FormatAuto, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
}

// LoadFile loads a .csv or .csv.zst file
func (l *Loader) LoadFile(ctx context.Context, path string, opts Options) (Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(file)
		if err != nil {
			return Result{}, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	res, err := l.Load(ctx, r, opts)
	res.Path = path
	if err != nil {
		return res, fmt.Errorf("failed to load %s: %w", path, err)
	}
	l.logger.Info("Dataset loaded", "path", path, "format", res.Format, "entries", len(res.Entries), "skipped", res.Skipped)
	return res, nil
}

// LoadDir loads every .csv and .csv.zst file under root, in path order.
// A file that fails to load is logged and skipped.
func (l *Loader) LoadDir(ctx context.Context, root string, opts Options) ([]Result, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && (strings.HasSuffix(path, ".csv") || strings.HasSuffix(path, ".csv.zst")) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	sort.Strings(paths)

	var results []Result
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := l.LoadFile(ctx, path, opts)
		if err != nil {
			l.logger.Error("Failed to load dataset file", "path", path, "error", err)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// Load reads CSV rows from r. The first record is the header.
func (l *Loader) Load(ctx context.Context, r io.Reader, opts Options) (Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Result{Format: opts.Format}, nil
		}
		return Result{}, fmt.Errorf("failed to read header: %w", err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = columnKey(h)
	}

	format := opts.Format
	if format == FormatAuto {
		format = DetectFormat(columns)
	}
	mapper, ok := mappers[format]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	res := Result{Format: format}
	for line := 2; ; line++ {
		if opts.Limit > 0 && len(res.Entries) >= opts.Limit {
			break
		}
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			l.logger.Debug("Skipping malformed row", "line", line, "error", err)
			res.Skipped++
			continue
		}

		entry, err := mapper(newRow(columns, record))
		if err != nil {
			l.logger.Debug("Skipping unmapped row", "line", line, "format", format, "error", err)
			res.Skipped++
			continue
		}
		res.Entries = append(res.Entries, entry)
	}
	return res, nil
}

// DetectFormat picks a mapping from normalized header keys
func DetectFormat(columns []string) Format {
	has := make(map[string]bool, len(columns))
	for _, c := range columns {
		has[c] = true
	}
	switch {
	case has["attack_cat"]:
		return FormatUNSWNB15
	case has["eventid"] || has["event_id"]:
		return FormatWindowsSecurity
	case has["malware_family"]:
		return FormatAndroidMalware
	case has["label"] && (has["flow_duration"] || has["src_ip"] || has["source_ip"]):
		return FormatCICIDS2017
	case has["action"] && has["severity"]:
		return FormatFirewall
	}
	return FormatGeneric
}

// columnKey turns " Flow Bytes/s" into "flow_bytes/s"
func columnKey(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "_")
}
