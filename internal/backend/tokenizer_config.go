package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// TokenizerConfig is the subset of a HF tokenizer_config.json that matters
// for template contamination checks.
type TokenizerConfig struct {
	ChatTemplate string
	BOS          string
	EOS          string
	PAD          string
	// Special maps special added-token content to its ID.
	Special map[string]int
}

type rawTokenizerConfig struct {
	ChatTemplate json.RawMessage `json:"chat_template"`
	BOSToken     json.RawMessage `json:"bos_token"`
	EOSToken     json.RawMessage `json:"eos_token"`
	PADToken     json.RawMessage `json:"pad_token"`
	AddedTokens  map[string]struct {
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens_decoder"`
}

// LoadTokenizerConfig reads a tokenizer_config.json file.
func LoadTokenizerConfig(path string) (TokenizerConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return TokenizerConfig{}, err
	}
	return ParseTokenizerConfig(b)
}

// ParseTokenizerConfig decodes tokenizer_config.json content. Token fields
// may be plain strings or {"content": ...} objects; chat_template may be a
// string or a list of named templates (the "default" one wins).
func ParseTokenizerConfig(b []byte) (TokenizerConfig, error) {
	var raw rawTokenizerConfig
	if err := json.Unmarshal(b, &raw); err != nil {
		return TokenizerConfig{}, fmt.Errorf("tokenizer config: %w", err)
	}
	tc := TokenizerConfig{Special: map[string]int{}}
	tc.ChatTemplate = chatTemplateString(raw.ChatTemplate)
	tc.BOS = tokenString(raw.BOSToken)
	tc.EOS = tokenString(raw.EOSToken)
	tc.PAD = tokenString(raw.PADToken)
	for k, v := range raw.AddedTokens {
		if !v.Special || v.Content == "" {
			continue
		}
		id, err := strconv.Atoi(k)
		if err != nil {
			return TokenizerConfig{}, fmt.Errorf("tokenizer config: bad added token id %q", k)
		}
		tc.Special[v.Content] = id
	}
	return tc, nil
}

func tokenString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Content
	}
	return ""
}

func chatTemplateString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var named []struct {
		Name     string `json:"name"`
		Template string `json:"template"`
	}
	if err := json.Unmarshal(raw, &named); err == nil {
		for _, n := range named {
			if n.Name == "default" {
				return n.Template
			}
		}
		if len(named) > 0 {
			return named[0].Template
		}
	}
	return ""
}

// Merge fills gaps in sp from the tokenizer config. Values the runtime
// reported take precedence.
func (tc TokenizerConfig) Merge(sp SpecialTokens) SpecialTokens {
	if sp.Added == nil {
		sp.Added = map[string]int{}
	}
	for k, v := range tc.Special {
		if _, ok := sp.Added[k]; !ok {
			sp.Added[k] = v
		}
	}
	if sp.ChatTemplate == "" {
		sp.ChatTemplate = tc.ChatTemplate
	}
	if sp.BOS == "" {
		sp.BOS = tc.BOS
	}
	if sp.EOS == "" {
		sp.EOS = tc.EOS
	}
	if sp.PAD == "" {
		sp.PAD = tc.PAD
	}
	if id, ok := tc.Special[sp.BOS]; ok && sp.BOSID < 0 {
		sp.BOSID = id
	}
	if id, ok := tc.Special[sp.EOS]; ok && sp.EOSID < 0 {
		sp.EOSID = id
	}
	if id, ok := tc.Special[sp.PAD]; ok && sp.PADID < 0 {
		sp.PADID = id
	}
	return sp
}
