package types

import "time"

// Report is the evaluation report document written by `basecai evaluate`.
type Report struct {
	Metadata   ReportMetadata            `json:"metadata"`
	Results    []ResultRecord            `json:"results"`
	Summary    map[string]VariantSummary `json:"summary"`
	Statistics Statistics                `json:"statistics"`
}

// ReportMetadata identifies the run and every model variant it touched.
type ReportMetadata struct {
	// example: 3f1c2a7e-6a0b-4c49-9b7d-0d8b1a2f9e11
	RunID     string    `json:"run_id" example:"3f1c2a7e-6a0b-4c49-9b7d-0d8b1a2f9e11"`
	CreatedAt time.Time `json:"created_at"`
	// Path of the held-out instruction file.
	EvalSet  string         `json:"eval_set"`
	Items    int            `json:"items"`
	Params   SamplingParams `json:"params"`
	Variants []VariantMeta  `json:"variants"`
	// Session manifest the run belongs to, when one was written.
	Manifest string `json:"manifest,omitempty"`
	// PeakMemoryBytes is the largest model reservation held at any one
	// time during the run.
	PeakMemoryBytes int64 `json:"peak_memory_bytes"`
}

// VariantMeta ties a variant label to the provenance of the handle used.
type VariantMeta struct {
	// example: sft
	Name       string     `json:"name" example:"sft"`
	Model      string     `json:"model"`
	Provenance Provenance `json:"provenance"`
	// ReservedBytes is the footprint reserved while the variant was loaded.
	ReservedBytes int64 `json:"reserved_bytes"`
	// HeapAfterCloseBytes is the Go heap in use after the variant was
	// released.
	HeapAfterCloseBytes uint64 `json:"heap_after_close_bytes"`
}

// ResultRecord is one (variant, item) outcome.
type ResultRecord struct {
	Variant     string   `json:"variant"`
	ItemID      string   `json:"item_id"`
	Instruction string   `json:"instruction"`
	Type        string   `json:"type,omitempty"`
	Response    string   `json:"response"`
	Success     bool     `json:"success"`
	Reasons     []string `json:"reasons,omitempty"`
	// ModelName, Quantization and LoaderRevision repeat the variant's
	// provenance so a single record identifies what produced it.
	ModelName      string       `json:"model_name"`
	Quantization   Quantization `json:"quantization"`
	LoaderRevision string       `json:"loader_revision"`
	// Error is set when generation failed for this item.
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// VariantSummary aggregates one variant's results.
type VariantSummary struct {
	N         int     `json:"n"`
	Successes int     `json:"successes"`
	Errors    int     `json:"errors"`
	Rate      float64 `json:"success_rate"`
	// Wilson score interval for Rate.
	CILow  float64 `json:"ci_low"`
	CIHigh float64 `json:"ci_high"`
}

// Statistics holds pairwise comparisons between variants.
type Statistics struct {
	Confidence  float64      `json:"confidence"`
	Alpha       float64      `json:"alpha"`
	Correction  string       `json:"correction"`
	Comparisons []Comparison `json:"comparisons"`
}

// Comparison is a paired McNemar test between two variants.
type Comparison struct {
	A string `json:"a"`
	B string `json:"b"`
	// OnlyA counts items A solved and B did not; OnlyB the reverse.
	OnlyA       int     `json:"only_a"`
	OnlyB       int     `json:"only_b"`
	Both        int     `json:"both"`
	Neither     int     `json:"neither"`
	Method      string  `json:"method"`
	Statistic   float64 `json:"statistic"`
	PValue      float64 `json:"p_value"`
	PAdjusted   float64 `json:"p_adjusted"`
	Significant bool    `json:"significant"`
}

// ErrorResponse is the JSON shape of fatal errors printed with --json.
type ErrorResponse struct {
	// example: contamination: probe "List three colors": ...
	Error string `json:"error"`
	// example: contamination
	Class string `json:"class"`
	Code  int    `json:"code" example:"3"`
}
