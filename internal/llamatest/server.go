// Package llamatest provides an in-process fake llama-server for tests. It
// implements the native endpoints the backends use (/health, /props,
// /tokenize, /detokenize, /completion) over a small deterministic
// vocabulary.
package llamatest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
)

// Fixed special token IDs of the fake vocabulary.
const (
	BOSID      = 1
	EOSID      = 2
	ImStartID  = 3
	ImEndID    = 4
	firstWord  = 100
	BOS        = "<s>"
	EOS        = "</s>"
	ImStart    = "<|im_start|>"
	ImEnd      = "<|im_end|>"
	ChatMLTmpl = "{% for message in messages %}<|im_start|>{{ message['role'] }}\n{{ message['content'] }}<|im_end|>\n{% endfor %}"
)

// CompletionRequest is the subset of a /completion body the fake reads.
// Token-ID prompts are decoded into Prompt and kept in PromptTokens.
type CompletionRequest struct {
	Prompt       string `json:"-"`
	PromptTokens []int  `json:"-"`

	RawPrompt   json.RawMessage `json:"prompt"`
	NPredict    int             `json:"n_predict"`
	Temperature float64         `json:"temperature"`
	Seed        int64           `json:"seed"`
	Stop        []string        `json:"stop"`
	NProbs      int             `json:"n_probs"`
}

// Options configures the fake.
type Options struct {
	// ChatTemplate is reported by /props.
	ChatTemplate string
	// AddBOS prepends BOS when add_special is true.
	AddBOS bool
	// InjectTemplate wraps the text in <|im_start|> ... <|im_end|> when
	// add_special is true, the way a contaminated tokenizer does.
	InjectTemplate bool
	// WrapAlways wraps every encoding in chat tokens regardless of
	// add_special.
	WrapAlways bool
	// Complete produces the completion text. Default: a deterministic echo
	// of the last prompt line, varied by seed when temperature > 0.
	Complete func(CompletionRequest) (string, error)
	// Logprob is reported for each generated token when n_probs > 0.
	Logprob float64
}

// Server is a running fake.
type Server struct {
	*httptest.Server

	opts    Options
	mu      sync.Mutex
	vocab   map[string]int
	words   []string
	prompts []CompletionRequest

	completions atomic.Int64
	tokenizes   atomic.Int64
}

// New starts a fake llama-server. Callers must Close it.
func New(opts Options) *Server {
	s := &Server{opts: opts, vocab: map[string]int{}}
	s.Server = httptest.NewServer(s.Router())
	return s
}

// Handler returns the fake's routes without starting a listener, for
// binaries that serve on a fixed address.
func Handler(opts Options) http.Handler {
	s := &Server{opts: opts, vocab: map[string]int{}}
	return s.Router()
}

// Router returns the chi router serving the fake endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/props", s.handleProps)
	r.Post("/tokenize", s.handleTokenize)
	r.Post("/detokenize", s.handleDetokenize)
	r.Post("/completion", s.handleCompletion)
	return r
}

// Completions returns how many /completion calls were served.
func (s *Server) Completions() int { return int(s.completions.Load()) }

// Requests returns the /completion requests served so far.
func (s *Server) Requests() []CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CompletionRequest(nil), s.prompts...)
}

// Tokenizes returns how many /tokenize calls were served.
func (s *Server) Tokenizes() int { return int(s.tokenizes.Load()) }

func (s *Server) handleProps(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"chat_template": s.opts.ChatTemplate,
		"bos_token":     BOS,
		"eos_token":     EOS,
		"model_path":    "fake.gguf",
	})
}

func (s *Server) handleTokenize(w http.ResponseWriter, r *http.Request) {
	s.tokenizes.Add(1)
	var req struct {
		Content    string `json:"content"`
		AddSpecial bool   `json:"add_special"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": s.Encode(req.Content, req.AddSpecial)})
}

func (s *Server) handleDetokenize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tokens []int `json:"tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": s.Decode(req.Tokens)})
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	s.completions.Add(1)
	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := json.Unmarshal(req.RawPrompt, &req.PromptTokens); err == nil {
		req.Prompt = s.Decode(req.PromptTokens)
	} else if err := json.Unmarshal(req.RawPrompt, &req.Prompt); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt must be a string or token ids"})
		return
	}
	s.mu.Lock()
	s.prompts = append(s.prompts, req)
	s.mu.Unlock()
	complete := s.opts.Complete
	if complete == nil {
		complete = DefaultCompletion
	}
	text, err := complete(req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	stoppedWord := false
	for _, st := range req.Stop {
		if i := strings.Index(text, st); st != "" && i >= 0 {
			text = text[:i]
			stoppedWord = true
		}
	}
	ids := s.Encode(text, false)
	if req.NPredict > 0 && len(ids) > req.NPredict {
		ids = ids[:req.NPredict]
		text = s.Decode(ids)
	}
	resp := map[string]any{
		"content":          text,
		"tokens_predicted": len(ids),
		"tokens_evaluated": len(s.Encode(req.Prompt, false)),
		"stopped_word":     stoppedWord,
		"stopped_limit":    !stoppedWord,
	}
	if req.NProbs > 0 {
		probs := make([]map[string]any, len(ids))
		for i := range ids {
			probs[i] = map[string]any{"content": s.Decode(ids[i : i+1]), "logprob": s.opts.Logprob}
		}
		resp["completion_probabilities"] = probs
	}
	writeJSON(w, http.StatusOK, resp)
}

// Words and single punctuation marks, each with its leading whitespace.
var pieceRE = regexp.MustCompile(`\s*\w+|\s*[^\w\s]|\s+`)

var specials = []struct {
	text string
	id   int
}{
	{ImStart, ImStartID},
	{ImEnd, ImEndID},
	{BOS, BOSID},
	{EOS, EOSID},
}

// Encode tokenizes text with the fake vocabulary. Special token text is
// parsed into its special ID; other pieces get stable IDs from 100 up.
// Texts of a single token are never wrapped, so special-token lookups stay
// exact under InjectTemplate and WrapAlways.
func (s *Server) Encode(text string, addSpecial bool) []int {
	plain := s.encodePlain(text)
	var ids []int
	if addSpecial && s.opts.AddBOS {
		ids = append(ids, BOSID)
	}
	wrap := len(plain) > 1 && (s.opts.WrapAlways || (addSpecial && s.opts.InjectTemplate))
	if wrap {
		ids = append(ids, ImStartID)
	}
	ids = append(ids, plain...)
	if wrap {
		ids = append(ids, ImEndID)
	}
	return ids
}

func (s *Server) encodePlain(text string) []int {
	var ids []int
	for text != "" {
		next, nextID, nextLen := len(text), 0, 0
		for _, sp := range specials {
			if i := strings.Index(text, sp.text); i >= 0 && i < next {
				next, nextID, nextLen = i, sp.id, len(sp.text)
			}
		}
		ids = append(ids, s.words2ids(text[:next])...)
		if nextLen == 0 {
			break
		}
		ids = append(ids, nextID)
		text = text[next+nextLen:]
	}
	return ids
}

func (s *Server) words2ids(text string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int
	for _, p := range pieceRE.FindAllString(text, -1) {
		id, ok := s.vocab[p]
		if !ok {
			id = firstWord + len(s.words)
			s.vocab[p] = id
			s.words = append(s.words, p)
		}
		ids = append(ids, id)
	}
	return ids
}

// Decode maps IDs back to text.
func (s *Server) Decode(ids []int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, id := range ids {
		switch {
		case id == BOSID:
			b.WriteString(BOS)
		case id == EOSID:
			b.WriteString(EOS)
		case id == ImStartID:
			b.WriteString(ImStart)
		case id == ImEndID:
			b.WriteString(ImEnd)
		case id >= firstWord && id-firstWord < len(s.words):
			b.WriteString(s.words[id-firstWord])
		}
	}
	return b.String()
}

// DefaultCompletion answers with a deterministic response derived from the
// last "Instruction:" line of the prompt, followed by the canonical
// delimiter. With temperature > 0 the seed is folded into the text.
func DefaultCompletion(req CompletionRequest) (string, error) {
	instr := ""
	for _, line := range strings.Split(req.Prompt, "\n") {
		if strings.HasPrefix(line, "Instruction:") {
			instr = strings.TrimSpace(strings.TrimPrefix(line, "Instruction:"))
		}
	}
	if instr == "" {
		instr = "text"
	}
	out := " A response about " + instr + "."
	if req.Temperature > 0 {
		out += " Variant " + strconv.FormatInt(req.Seed, 10) + "."
	}
	return out + "\n###END###\nInstruction: next", nil
}

// ErrInjected is a convenience error for Complete hooks.
var ErrInjected = errors.New("injected failure")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TokenizerConfigJSON renders a tokenizer_config.json matching the fake
// vocabulary, with the given chat template.
func TokenizerConfigJSON(chatTemplate string) []byte {
	b, _ := json.MarshalIndent(map[string]any{
		"bos_token":     BOS,
		"eos_token":     map[string]any{"content": EOS},
		"chat_template": chatTemplate,
		"added_tokens_decoder": map[string]any{
			strconv.Itoa(BOSID):     map[string]any{"content": BOS, "special": true},
			strconv.Itoa(EOSID):     map[string]any{"content": EOS, "special": true},
			strconv.Itoa(ImStartID): map[string]any{"content": ImStart, "special": true},
			strconv.Itoa(ImEndID):   map[string]any{"content": ImEnd, "special": true},
		},
	}, "", "  ")
	return b
}
