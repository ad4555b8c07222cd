package generator

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Delimiter ends every response in the completion prompt. It is also the
// stop word passed to the backend.
const Delimiter = "###END###"

// Shot is one worked example shown to the base model.
type Shot struct {
	Instruction string `yaml:"instruction" json:"instruction"`
	Response    string `yaml:"response" json:"response"`
}

// DefaultShots cover the instruction types the generator classifies.
var DefaultShots = []Shot{
	{Instruction: "Name the capital of Japan.", Response: "The capital of Japan is Tokyo."},
	{Instruction: "List three primary colors.", Response: "1. Red\n2. Blue\n3. Yellow"},
	{Instruction: "Rewrite this sentence in the past tense: She walks to school.", Response: "She walked to school."},
	{Instruction: "If a train travels 60 km in one hour, how far does it travel in three hours?", Response: "It travels 60 km each hour, so in three hours it travels 3 x 60 = 180 km."},
}

// Format renders completion-style prompts. It is the only place the
// prompt layout is defined.
type Format struct {
	Shots     []Shot
	Delimiter string
}

// DefaultFormat uses DefaultShots and Delimiter.
func DefaultFormat() Format {
	return Format{Shots: DefaultShots, Delimiter: Delimiter}
}

// Delim is the response delimiter, defaulting to Delimiter.
func (f Format) Delim() string {
	if f.Delimiter == "" {
		return Delimiter
	}
	return f.Delimiter
}

func (f Format) block(b *strings.Builder, s Shot) {
	fmt.Fprintf(b, "Instruction: %s\nResponse: %s\n%s\n\n", oneLine(s.Instruction), strings.TrimSpace(s.Response), f.Delim())
}

// Response builds the prompt whose continuation is the response to
// instruction. It ends with "Response:".
func (f Format) Response(instruction string) string {
	var b strings.Builder
	for _, s := range f.Shots {
		f.block(&b, s)
	}
	fmt.Fprintf(&b, "Instruction: %s\nResponse:", oneLine(instruction))
	return b.String()
}

// Instruction builds the prompt whose continuation is a new instruction,
// listing seeds as prior instructions. It ends with "Instruction:".
func (f Format) Instruction(seeds []string) string {
	var b strings.Builder
	for _, s := range seeds {
		fmt.Fprintf(&b, "Instruction: %s\n%s\n\n", oneLine(s), f.Delim())
	}
	b.WriteString("Instruction:")
	return b.String()
}

// oneLine keeps the prompt structure intact when an instruction spans
// lines.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// LoadShots reads few-shot examples from a YAML list.
func LoadShots(path string) ([]Shot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var shots []Shot
	if err := yaml.Unmarshal(b, &shots); err != nil {
		return nil, fmt.Errorf("few-shot file %s: %w", path, err)
	}
	for i, s := range shots {
		if strings.TrimSpace(s.Instruction) == "" || strings.TrimSpace(s.Response) == "" {
			return nil, fmt.Errorf("few-shot file %s: entry %d is incomplete", path, i)
		}
	}
	return shots, nil
}
