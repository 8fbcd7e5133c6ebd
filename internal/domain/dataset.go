package domain

// DatasetFormat identifies how a dataset file is parsed.
type DatasetFormat string

const (
	FormatCSV     DatasetFormat = "csv"
	FormatText    DatasetFormat = "txt"
	FormatJSON    DatasetFormat = "json"
	FormatJSONL   DatasetFormat = "jsonl"
	FormatPDF     DatasetFormat = "pdf"
	FormatUnknown DatasetFormat = "unknown"
)

// DatasetStatistics describes the text content of a parsed dataset.
type DatasetStatistics struct {
	AvgTextLength       float64  `json:"avg_text_length"`
	MinTextLength       int      `json:"min_text_length"`
	MaxTextLength       int      `json:"max_text_length"`
	MemoryEstimateBytes int64    `json:"memory_estimate_bytes"`
	Columns             []string `json:"columns,omitempty"`
}

// DatasetQualityReport is the outcome of validating a dataset.
// Input problems are reported here, never as errors.
type DatasetQualityReport struct {
	Path            string            `json:"path"`
	Valid           bool              `json:"valid"`
	Format          DatasetFormat     `json:"format"`
	SampleCount     int               `json:"sample_count"`
	DuplicateCount  int               `json:"duplicate_count"`
	FileSizeBytes   int64             `json:"file_size_bytes"`
	Statistics      DatasetStatistics `json:"statistics"`
	Warnings        []string          `json:"warnings"`
	Recommendations []string          `json:"recommendations"`
}

// Warn records a warning and, when non-empty, the recommendation it justifies.
func (r *DatasetQualityReport) Warn(warning, recommendation string) {
	r.Warnings = append(r.Warnings, warning)
	if recommendation != "" {
		r.Recommendations = append(r.Recommendations, recommendation)
	}
}

// Reject marks the report invalid with a descriptive warning.
func (r *DatasetQualityReport) Reject(warning string) {
	r.Valid = false
	r.Warnings = append(r.Warnings, warning)
}
