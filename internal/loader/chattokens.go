package loader

import (
	"context"
	"regexp"
	"sort"

	"basecai/internal/backend"
)

// knownChatMarkers are turn markers of common chat-template families. They
// only count when the loaded tokenizer maps them to a single token.
var knownChatMarkers = []string{
	// ChatML (Qwen, Yi, many fine-tunes)
	"<|im_start|>", "<|im_end|>",
	// Llama 3
	"<|start_header_id|>", "<|end_header_id|>", "<|eot_id|>",
	// Phi-3
	"<|system|>", "<|user|>", "<|assistant|>", "<|end|>",
	// Gemma
	"<start_of_turn>", "<end_of_turn>",
	// Mistral / Llama 2
	"[INST]", "[/INST]", "<<SYS>>", "<</SYS>>",
	// Zephyr / DeepSeek style
	"<|User|>", "<|Assistant|>",
}

var templateMarkerRE = regexp.MustCompile(`<\|[^|<>\s]{1,40}\|>|<[a-z_]{3,40}>|\[/?[A-Z_]{3,20}\]|<</?SYS>>`)

// templateMarkers extracts token-like literals from a chat template source.
func templateMarkers(tmpl string) []string {
	if tmpl == "" {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, m := range templateMarkerRE.FindAllString(tmpl, -1) {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// chatTokenSet builds the ID set the sentinel scan checks against, from
// the tokenizer's own configuration: markers found in its chat template,
// the known families and its special added tokens. Candidates that do not
// encode to exactly one ID are ordinary text for this tokenizer and are
// dropped. BOS, EOS and PAD are excluded.
func chatTokenSet(ctx context.Context, tok backend.Tokenizer, sp backend.SpecialTokens) (map[int]string, error) {
	ids := map[int]string{}
	seen := map[string]struct{}{}
	var cands []string
	for _, src := range [][]string{templateMarkers(sp.ChatTemplate), templateMarkers(sp.DefaultChatTemplate), knownChatMarkers} {
		for _, c := range src {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				cands = append(cands, c)
			}
		}
	}
	for _, c := range cands {
		enc, err := tok.Encode(ctx, c, false)
		if err != nil {
			return nil, err
		}
		if len(enc) == 1 {
			ids[enc[0]] = c
		}
	}
	for text, id := range sp.Added {
		if _, ok := ids[id]; !ok {
			ids[id] = text
		}
	}
	for _, id := range []int{sp.BOSID, sp.EOSID, sp.PADID} {
		if id >= 0 {
			delete(ids, id)
		}
	}
	return ids, nil
}

func sortedIDs(m map[int]string) []int {
	out := make([]int, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
