package types

import "time"

// TokenizerSnapshot records the special-token configuration a handle was
// verified against.
type TokenizerSnapshot struct {
	BOS   string `json:"bos_token,omitempty"`
	EOS   string `json:"eos_token,omitempty"`
	BOSID int    `json:"bos_token_id"`
	EOSID int    `json:"eos_token_id"`
	// ChatTokenIDs is the sorted set of chat-template token IDs scanned for.
	ChatTokenIDs []int `json:"chat_token_ids"`
	// TemplateSHA256 fingerprints the chat template the tokenizer shipped
	// with before it was cleared. Empty when it had none.
	TemplateSHA256  string `json:"chat_template_sha256,omitempty"`
	TemplateCleared bool   `json:"chat_template_cleared"`
}

// Provenance describes how an artifact was produced. It is a value type:
// callers receive copies and a new load always creates a new record.
type Provenance struct {
	LoaderRevision   string            `json:"loader_revision" validate:"required"`
	LoaderDirty      bool              `json:"loader_dirty"`
	ModelName        string            `json:"model_name" validate:"required"`
	ModelID          string            `json:"model_id,omitempty"`
	ModelDigest      string            `json:"model_digest,omitempty"`
	Quantization     Quantization      `json:"quantization" validate:"required,oneof=none 8bit 4bit"`
	TemplateDisabled bool              `json:"template_disabled" validate:"eq=true"`
	Tokenizer        TokenizerSnapshot `json:"tokenizer"`
	SentinelVersion  string            `json:"sentinel_version" validate:"required"`
	Backend          string            `json:"backend,omitempty"`
	CreatedAt        time.Time         `json:"created_at" validate:"required"`
}

// Clone returns a deep copy so callers never share the ID slice.
func (p Provenance) Clone() Provenance {
	out := p
	out.Tokenizer.ChatTokenIDs = append([]int(nil), p.Tokenizer.ChatTokenIDs...)
	return out
}

// IsZero reports whether no provenance was attached.
func (p Provenance) IsZero() bool {
	return p.LoaderRevision == "" && p.ModelName == "" && p.CreatedAt.IsZero()
}
