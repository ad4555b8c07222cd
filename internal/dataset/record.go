// Package dataset reads and writes the JSONL artifacts of the pipeline.
//
// Every line is one Record. The "kind" key selects the record type; lines
// without it are generated examples, so plain
// {"instruction","response","type","provenance"} files stay readable.
// Unknown keys are ignored on read.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"basecai/pkg/types"
)

type Kind string

const (
	KindGenerated  Kind = "generated"
	KindFailed     Kind = "failed"
	KindPreference Kind = "preference"
)

// Record is one dataset line.
type Record interface {
	Kind() Kind
	Prov() types.Provenance
}

// GeneratedExample is a successful instruction/response pair.
type GeneratedExample struct {
	ID               string           `json:"id,omitempty"`
	Instruction      string           `json:"instruction" validate:"required"`
	Response         string           `json:"response" validate:"required"`
	Type             string           `json:"type" validate:"required"`
	Seed             int64            `json:"seed"`
	PromptTokens     int              `json:"prompt_tokens,omitempty"`
	CompletionTokens int              `json:"completion_tokens,omitempty"`
	Provenance       types.Provenance `json:"provenance"`
}

func (GeneratedExample) Kind() Kind               { return KindGenerated }
func (e GeneratedExample) Prov() types.Provenance { return e.Provenance }

// FailedExample records an instruction that produced no usable response.
// It only ever goes to the failure stream.
type FailedExample struct {
	ID          string           `json:"id" validate:"required"`
	Instruction string           `json:"instruction" validate:"required"`
	Type        string           `json:"type,omitempty"`
	Reason      string           `json:"reason" validate:"required,oneof=empty error"`
	Error       string           `json:"error,omitempty"`
	Attempts    int              `json:"attempts" validate:"gte=1"`
	Seed        int64            `json:"seed"`
	Provenance  types.Provenance `json:"provenance"`
}

func (FailedExample) Kind() Kind               { return KindFailed }
func (e FailedExample) Prov() types.Provenance { return e.Provenance }

// PreferencePair is a chosen/rejected pair for preference optimization.
type PreferencePair struct {
	ID            string           `json:"id" validate:"required"`
	Instruction   string           `json:"instruction" validate:"required"`
	Prompt        string           `json:"prompt" validate:"required"`
	Chosen        string           `json:"chosen" validate:"required"`
	Rejected      string           `json:"rejected" validate:"required,nefield=Chosen"`
	ChosenScore   float64          `json:"chosen_score"`
	RejectedScore float64          `json:"rejected_score" validate:"ltefield=ChosenScore"`
	Scorer        string           `json:"scorer" validate:"required"`
	Type          string           `json:"type,omitempty"`
	Provenance    types.Provenance `json:"provenance"`
}

func (PreferencePair) Kind() Kind               { return KindPreference }
func (p PreferencePair) Prov() types.Provenance { return p.Provenance }

// ErrMissingProvenance is returned for records without a provenance block.
var ErrMissingProvenance = errors.New("record has no provenance")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a record's fields and its provenance block.
func Validate(r Record) error {
	if r == nil {
		return errors.New("nil record")
	}
	if r.Prov().IsZero() {
		return ErrMissingProvenance
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid %s record: %w", r.Kind(), err)
	}
	return nil
}

// Marshal encodes r as a single JSON object with a "kind" key.
func Marshal(r Record) ([]byte, error) {
	switch v := r.(type) {
	case GeneratedExample:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			GeneratedExample
		}{KindGenerated, v})
	case FailedExample:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			FailedExample
		}{KindFailed, v})
	case PreferencePair:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			PreferencePair
		}{KindPreference, v})
	default:
		return nil, fmt.Errorf("unsupported record type %T", r)
	}
}

// Unmarshal decodes one line. A missing kind means a generated example.
func Unmarshal(b []byte) (Record, error) {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, err
	}
	switch head.Kind {
	case KindGenerated, "":
		var e GeneratedExample
		err := json.Unmarshal(b, &e)
		return e, err
	case KindFailed:
		var e FailedExample
		err := json.Unmarshal(b, &e)
		return e, err
	case KindPreference:
		var p PreferencePair
		err := json.Unmarshal(b, &p)
		return p, err
	default:
		return nil, fmt.Errorf("unknown record kind %q", head.Kind)
	}
}
