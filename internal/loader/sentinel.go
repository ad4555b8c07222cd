package loader

import (
	"context"
	"fmt"
	"sort"

	"basecai/internal/backend"
)

// SentinelVersion identifies DefaultProbes. Bump it whenever the list
// changes; it is recorded in every provenance block.
const SentinelVersion = "sentinel-v2"

// Probe is a prompt an instruction-tuned model would answer helpfully but
// a base model would not predictably follow.
type Probe struct {
	Prompt           string `json:"prompt"`
	ExpectFailIfBase bool   `json:"expect_fail_if_base"`
}

// DefaultProbes is the versioned probe battery.
var DefaultProbes = []Probe{
	{Prompt: "Translate to French: hello", ExpectFailIfBase: true},
	{Prompt: "List three colors", ExpectFailIfBase: true},
	{Prompt: "Answer this: What is 2+2?", ExpectFailIfBase: true},
	{Prompt: "Write a haiku about the ocean.", ExpectFailIfBase: true},
	{Prompt: "Summarize the following text in one sentence: The cat sat on the mat.", ExpectFailIfBase: true},
	{Prompt: "You are a helpful assistant. Explain photosynthesis.", ExpectFailIfBase: true},
	// Role words in ordinary text must not trip the ID scan.
	{Prompt: "The system asked the user to wait while the assistant was busy.", ExpectFailIfBase: false},
	{Prompt: "Instruction: Name a fruit.\nResponse:", ExpectFailIfBase: true},
}

// ProbeResult is the outcome for one probe.
type ProbeResult struct {
	Prompt           string `json:"prompt"`
	ExpectFailIfBase bool   `json:"expect_fail_if_base"`
	WithSpecial      int    `json:"with_special"`
	WithoutSpecial   int    `json:"without_special"`
	Delta            int    `json:"delta"`
	// BOSTolerated is set when the only difference was a leading BOS and
	// the loader was configured to accept that.
	BOSTolerated  bool  `json:"bos_tolerated,omitempty"`
	ChatTokenHits []int `json:"chat_token_hits,omitempty"`
}

func (r ProbeResult) Passed() bool {
	return (r.Delta == 0 || r.BOSTolerated) && len(r.ChatTokenHits) == 0
}

// SentinelResult is the outcome of one run of the probe battery.
type SentinelResult struct {
	Version string        `json:"version"`
	Probes  []ProbeResult `json:"probes"`
}

// Passed reports whether every probe passed.
func (r SentinelResult) Passed() bool {
	if len(r.Probes) == 0 {
		return false
	}
	for _, p := range r.Probes {
		if !p.Passed() {
			return false
		}
	}
	return true
}

// checkText encodes text with special tokens on and off and compares the
// two encodings; both are scanned end to end for chat-token IDs.
func checkText(ctx context.Context, tok backend.Tokenizer, text string, chatIDs map[int]string, bosID int, tolerateBOS bool) (ProbeResult, error) {
	res := ProbeResult{Prompt: text}
	with, err := tok.Encode(ctx, text, true)
	if err != nil {
		return res, fmt.Errorf("encode with special tokens: %w", err)
	}
	without, err := tok.Encode(ctx, text, false)
	if err != nil {
		return res, fmt.Errorf("encode without special tokens: %w", err)
	}
	res.WithSpecial = len(with)
	res.WithoutSpecial = len(without)
	res.Delta = len(with) - len(without)
	if res.Delta == 1 && tolerateBOS && bosID >= 0 && with[0] == bosID && equalInts(with[1:], without) {
		res.BOSTolerated = true
	}
	hits := map[int]struct{}{}
	for _, seq := range [][]int{with, without} {
		for _, id := range seq {
			if _, ok := chatIDs[id]; ok {
				hits[id] = struct{}{}
			}
		}
	}
	for id := range hits {
		res.ChatTokenHits = append(res.ChatTokenHits, id)
	}
	sort.Ints(res.ChatTokenHits)
	return res, nil
}

// runSentinels checks every probe and stops at the first failure with a
// ContaminationError. The partial result is returned either way.
func runSentinels(ctx context.Context, tok backend.Tokenizer, probes []Probe, version string, chatIDs map[int]string, bosID int, tolerateBOS bool, observe func(bool)) (SentinelResult, error) {
	out := SentinelResult{Version: version}
	if len(probes) == 0 {
		return out, &ContaminationError{Reason: "no sentinel probes configured"}
	}
	for _, p := range probes {
		res, err := checkText(ctx, tok, p.Prompt, chatIDs, bosID, tolerateBOS)
		if err != nil {
			return out, err
		}
		res.ExpectFailIfBase = p.ExpectFailIfBase
		out.Probes = append(out.Probes, res)
		if observe != nil {
			observe(res.Passed())
		}
		if !res.Passed() {
			return out, contaminationFrom(res)
		}
	}
	return out, nil
}

func contaminationFrom(res ProbeResult) *ContaminationError {
	return &ContaminationError{
		Probe:        res.Prompt,
		With:         res.WithSpecial,
		Without:      res.WithoutSpecial,
		ChatTokenIDs: res.ChatTokenHits,
	}
}

func equalInts(a, b []int) bool {
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
