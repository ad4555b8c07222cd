package evaluator

import (
	"encoding/json"
	"fmt"
	"os"

	"basecai/internal/common/fsutil"
	"basecai/pkg/types"
)

// WriteReport writes rep as indented JSON. Existing reports are never
// overwritten.
func WriteReport(path string, rep *types.Report) error {
	if rep == nil {
		return fmt.Errorf("write report %s: nil report", path)
	}
	for _, v := range rep.Metadata.Variants {
		if v.Provenance.IsZero() {
			return fmt.Errorf("write report %s: variant %s has no provenance", path, v.Name)
		}
	}
	if fsutil.PathExists(path) {
		return fmt.Errorf("write report %s: %w", path, os.ErrExist)
	}
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(b, '\n'), 0o644)
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (*types.Report, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rep types.Report
	if err := json.Unmarshal(b, &rep); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &rep, nil
}
