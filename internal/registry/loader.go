package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"basecai/internal/common/fsutil"
	"basecai/pkg/types"
)

// GGUFScanner discovers GGUF model files in a directory.
type GGUFScanner struct{}

func NewGGUFScanner() *GGUFScanner { return &GGUFScanner{} }

// Scan lists *.gguf files (case-insensitive) in dir. ID is the file name;
// Name, Quant, Quantization and Family are parsed from it.
func (s *GGUFScanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		file := e.Name()
		if !strings.HasSuffix(strings.ToLower(file), ".gguf") {
			continue
		}
		m := ParseFileName(file)
		m.Path = filepath.Join(abs, file)
		if fi, err := e.Info(); err == nil {
			m.SizeBytes = fi.Size()
		}
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// LoadDir is a convenience wrapper around GGUFScanner.Scan.
func LoadDir(dir string) ([]types.Model, error) {
	return NewGGUFScanner().Scan(dir)
}

var variantRE = regexp.MustCompile(`(?i)^(i?q\d(_[a-z0-9]+)*|f16|bf16|f32)$`)
var familyRE = regexp.MustCompile(`^[a-zA-Z]+`)

// ParseFileName derives model metadata from a GGUF file name such as
// "qwen2.5-7b-Q4_K_M.gguf".
func ParseFileName(file string) types.Model {
	stem := file
	if i := strings.LastIndex(strings.ToLower(stem), ".gguf"); i >= 0 {
		stem = stem[:i]
	}
	m := types.Model{ID: file, Name: stem}
	if i := strings.LastIndexAny(stem, "-."); i > 0 && variantRE.MatchString(stem[i+1:]) {
		m.Name = stem[:i]
		m.Quant = strings.ToUpper(stem[i+1:])
	}
	m.Quantization = types.QuantizationFromVariant(m.Quant)
	m.Family = strings.ToLower(familyRE.FindString(m.Name))
	return m
}

// Registry is an immutable set of known models.
type Registry struct {
	models []types.Model
}

func New(models []types.Model) *Registry {
	cp := append([]types.Model(nil), models...)
	return &Registry{models: cp}
}

// Models returns a copy of the registered models.
func (r *Registry) Models() []types.Model {
	return append([]types.Model(nil), r.models...)
}

// Resolve finds a model by ID (file name) or by name plus quantization.
// With q unset, the highest-precision variant of the name is chosen.
func (r *Registry) Resolve(name string, q types.Quantization) (types.Model, error) {
	for _, m := range r.models {
		if m.ID == name {
			if q != types.QuantUnset && m.Quantization != q {
				return types.Model{}, ErrQuantNotAvailable(name, q, []types.Quantization{m.Quantization})
			}
			return m, nil
		}
	}
	var cands []types.Model
	for _, m := range r.models {
		if strings.EqualFold(m.Name, name) {
			cands = append(cands, m)
		}
	}
	if len(cands) == 0 {
		return types.Model{}, ErrModelNotFound(name)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return precisionRank(cands[i].Quantization) < precisionRank(cands[j].Quantization)
	})
	if q == types.QuantUnset {
		return cands[0], nil
	}
	var have []types.Quantization
	for _, m := range cands {
		if m.Quantization == q {
			return m, nil
		}
		have = append(have, m.Quantization)
	}
	return types.Model{}, ErrQuantNotAvailable(name, q, have)
}

func precisionRank(q types.Quantization) int {
	switch q {
	case types.QuantNone:
		return 0
	case types.Quant8Bit:
		return 1
	case types.Quant4Bit:
		return 2
	default:
		return 3
	}
}
