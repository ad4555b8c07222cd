package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"basecai/internal/evaluator"
	"basecai/pkg/types"
)

// splitCSV splits a comma-separated list, trimming blanks.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// parseVariant parses "name=model[:quant]". The name defaults to the model.
func parseVariant(s string) (evaluator.Variant, error) {
	var v evaluator.Variant
	arg := strings.TrimSpace(s)
	if name, rest, ok := strings.Cut(arg, "="); ok {
		v.Name = strings.TrimSpace(name)
		arg = strings.TrimSpace(rest)
	}
	if i := strings.LastIndex(arg, ":"); i >= 0 {
		q, err := types.ParseQuantization(arg[i+1:])
		if err != nil {
			return v, fmt.Errorf("variant %q: %w", s, err)
		}
		v.Quant = q
		arg = arg[:i]
	}
	v.Model = arg
	if v.Name == "" {
		v.Name = v.Model
	}
	if v.Model == "" {
		return v, fmt.Errorf("variant %q: model is empty", s)
	}
	return v, nil
}

func parseVariants(specs []string) ([]evaluator.Variant, error) {
	var out []evaluator.Variant
	for _, group := range specs {
		for _, s := range splitCSV(group) {
			v, err := parseVariant(s)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
	}
	return out, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
