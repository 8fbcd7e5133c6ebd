// Package dataset validates training datasets before a run is configured.
//
// Validation never fails the caller: missing files, unsupported formats and
// parse errors all come back as a report with valid=false and a warning.
// Supported formats, by extension:
//
//	.csv .tsv          delimited text with a header row
//	.txt .text         one sample per non-blank line
//	.json              array of records or strings
//	.jsonl .ndjson     one record per line
//	.pdf               one sample per extracted line (when PDF support is available)
package dataset

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/tutu-network/tunekit/internal/domain"
	"github.com/tutu-network/tunekit/internal/infra/metrics"
)

// ─── Thresholds ─────────────────────────────────────────────────────────────

const (
	VerySmallDatasetSamples = 10
	SmallDatasetSamples     = 100
	LongTextChars           = 2000
	ShortTextChars          = 10

	// recordOverheadBytes approximates per-record bookkeeping in memory.
	recordOverheadBytes = 64
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures the validator.
type Config struct {
	MaxFileBytes int64 // 0 disables the size check
}

// DefaultConfig returns a 2 GB file ceiling.
func DefaultConfig() Config {
	return Config{MaxFileBytes: 2_000_000_000}
}

// ─── Validator ──────────────────────────────────────────────────────────────

// Validator inspects dataset files. Stateless and safe for concurrent use.
type Validator struct {
	config Config
	caps   domain.Capabilities
	logger *slog.Logger
}

// NewValidator creates a validator. caps gates optional formats.
func NewValidator(cfg Config, caps domain.Capabilities, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		config: cfg,
		caps:   caps,
		logger: logger.With("component", "dataset"),
	}
}

// record is one parsed sample.
type record struct {
	text string // what the model trains on
	key  string // identity for duplicate detection
}

// parsed is the reader output for one file.
type parsed struct {
	records  []record
	columns  []string
	warnings [][2]string // warning, recommendation
}

// Validate inspects the dataset at path.
func (v *Validator) Validate(path string) domain.DatasetQualityReport {
	report := v.validate(path)
	metrics.DatasetValidations.WithLabelValues(string(report.Format), strconv.FormatBool(report.Valid)).Inc()
	metrics.DatasetWarnings.Add(float64(len(report.Warnings)))
	return report
}

func (v *Validator) validate(path string) domain.DatasetQualityReport {
	report := domain.DatasetQualityReport{
		Path:            path,
		Format:          DetectFormat(path),
		Warnings:        []string{},
		Recommendations: []string{},
	}

	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		report.Reject(fmt.Sprintf("Dataset file not found: %s", path))
		return report
	case err != nil:
		report.Reject(fmt.Sprintf("Error validating dataset: %v", err))
		return report
	case info.IsDir():
		report.Reject(fmt.Sprintf("Dataset path is a directory: %s", path))
		return report
	}
	report.FileSizeBytes = info.Size()

	if v.config.MaxFileBytes > 0 && info.Size() > v.config.MaxFileBytes {
		report.Reject(fmt.Sprintf("Dataset file is too large (%s > %s)",
			humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(v.config.MaxFileBytes))))
		return report
	}

	var p parsed
	switch report.Format {
	case domain.FormatCSV:
		p, err = readDelimited(path, delimiterFor(path))
	case domain.FormatText:
		p, err = readLines(path)
	case domain.FormatJSON:
		p, err = readJSON(path)
	case domain.FormatJSONL:
		p, err = readJSONL(path)
	case domain.FormatPDF:
		if !v.caps.PDFAvailable {
			report.Reject("PDF datasets are not supported on this host")
			return report
		}
		p, err = readPDF(path, v.caps.OCRAvailable)
	default:
		report.Reject(fmt.Sprintf("Unsupported file format: %q", filepath.Ext(path)))
		return report
	}
	if err != nil {
		v.logger.Warn("dataset parse failed", "path", path, "error", err)
		report.Reject(fmt.Sprintf("Error validating dataset: %v", err))
		return report
	}

	for _, w := range p.warnings {
		report.Warn(w[0], w[1])
	}
	report.SampleCount = len(p.records)
	report.Statistics.Columns = p.columns
	if report.SampleCount == 0 {
		report.Reject("Dataset contains no samples")
		return report
	}

	report.Valid = true
	report.DuplicateCount = countDuplicates(p.records)
	report.Statistics = computeStatistics(p.records, p.columns)
	applyQualityChecks(&report)

	v.logger.Debug("dataset validated",
		"path", path,
		"format", report.Format,
		"samples", report.SampleCount,
		"duplicates", report.DuplicateCount,
		"warnings", len(report.Warnings))
	return report
}

// DetectFormat maps a file extension to a dataset format.
func DetectFormat(path string) domain.DatasetFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv":
		return domain.FormatCSV
	case ".txt", ".text":
		return domain.FormatText
	case ".json":
		return domain.FormatJSON
	case ".jsonl", ".ndjson":
		return domain.FormatJSONL
	case ".pdf":
		return domain.FormatPDF
	default:
		return domain.FormatUnknown
	}
}

func delimiterFor(path string) rune {
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		return '\t'
	}
	return ','
}

// ─── Statistics ─────────────────────────────────────────────────────────────

func countDuplicates(records []record) int {
	seen := make(map[string]struct{}, len(records))
	dups := 0
	for _, r := range records {
		if _, ok := seen[r.key]; ok {
			dups++
			continue
		}
		seen[r.key] = struct{}{}
	}
	return dups
}

// computeStatistics measures text length in characters, not bytes.
func computeStatistics(records []record, columns []string) domain.DatasetStatistics {
	stats := domain.DatasetStatistics{
		MinTextLength: math.MaxInt,
		Columns:       columns,
	}
	total := 0
	for _, r := range records {
		n := utf8.RuneCountInString(r.text)
		total += n
		stats.MinTextLength = min(stats.MinTextLength, n)
		stats.MaxTextLength = max(stats.MaxTextLength, n)
		stats.MemoryEstimateBytes += int64(len(r.text)) + recordOverheadBytes
	}
	if len(records) == 0 {
		stats.MinTextLength = 0
		return stats
	}
	stats.AvgTextLength = float64(total) / float64(len(records))
	return stats
}

// applyQualityChecks adds the warning/recommendation pairs. Each check is
// independent; several may fire.
func applyQualityChecks(r *domain.DatasetQualityReport) {
	if r.SampleCount < VerySmallDatasetSamples {
		r.Warn("Very small dataset (< 10 samples)",
			"Consider adding more training examples for better results")
	}
	if r.SampleCount < SmallDatasetSamples {
		r.Warn("Small dataset (< 100 samples)",
			"Model may overfit. Consider data augmentation")
	}
	if r.DuplicateCount > 0 {
		r.Warn(fmt.Sprintf("Found %d duplicate samples", r.DuplicateCount),
			"Remove duplicates for better training efficiency")
	}
	if r.Statistics.MaxTextLength > LongTextChars {
		r.Warn("Some texts are very long (> 2000 chars)",
			"Consider chunking long texts for better processing")
	}
	if r.Statistics.MinTextLength < ShortTextChars {
		r.Warn("Some texts are very short (< 10 chars)",
			"Very short texts may not provide enough context")
	}
}
