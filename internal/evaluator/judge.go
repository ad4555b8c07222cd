package evaluator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"basecai/internal/generator"
)

// Check lists the success criteria of one held-out item. Empty fields are
// not checked.
type Check struct {
	Contains    []string `json:"contains,omitempty" yaml:"contains"`
	NotContains []string `json:"not_contains,omitempty" yaml:"not_contains"`
	Regex       string   `json:"regex,omitempty" yaml:"regex"`
	MinWords    int      `json:"min_words,omitempty" yaml:"min_words"`
	MaxWords    int      `json:"max_words,omitempty" yaml:"max_words"`
	ListItems   int      `json:"list_items,omitempty" yaml:"list_items"`
	// Language is an ISO 639-1 hint (en, fr, es, de, it, pt).
	Language string `json:"language_hint,omitempty" yaml:"language_hint"`
}

// Item is one held-out instruction.
type Item struct {
	ID          string `json:"id" yaml:"id"`
	Instruction string `json:"instruction" yaml:"instruction"`
	Type        string `json:"type,omitempty" yaml:"type"`
	Check       Check  `json:"check" yaml:"check"`
}

// LoadItems reads held-out items from .jsonl or .yaml/.yml. Missing IDs
// become item-<n>; missing types are classified.
func LoadItems(path string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var items []Item
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(f).Decode(&items); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case ".jsonl":
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
		line := 0
		for sc.Scan() {
			line++
			b := strings.TrimSpace(sc.Text())
			if b == "" {
				continue
			}
			var it Item
			if err := json.Unmarshal([]byte(b), &it); err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			items = append(items, it)
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported eval set extension: %s", filepath.Ext(path))
	}
	seen := map[string]bool{}
	for i := range items {
		it := &items[i]
		if strings.TrimSpace(it.Instruction) == "" {
			return nil, fmt.Errorf("%s: item %d has no instruction", path, i+1)
		}
		if it.ID == "" {
			it.ID = fmt.Sprintf("item-%d", i+1)
		}
		if seen[it.ID] {
			return nil, fmt.Errorf("%s: duplicate item id %q", path, it.ID)
		}
		seen[it.ID] = true
		if it.Type == "" {
			it.Type = generator.Classify(it.Instruction)
		}
		if it.Check.Regex != "" {
			if _, err := regexp.Compile(it.Check.Regex); err != nil {
				return nil, fmt.Errorf("%s: item %s: %w", path, it.ID, err)
			}
		}
	}
	return items, nil
}

var (
	listItemRE = regexp.MustCompile(`(?m)^\s*(\d+[.)]|[-*•])\s+\S`)
	wordRE     = regexp.MustCompile(`[\p{L}']+`)
)

// Function words per language, lowercase.
var languageWords = map[string][]string{
	"en": {"the", "and", "is", "are", "of", "to", "in", "it", "you", "hello", "yes"},
	"fr": {"le", "la", "les", "et", "est", "un", "une", "de", "des", "je", "vous", "bonjour", "merci", "oui", "non", "au", "du"},
	"es": {"el", "la", "los", "las", "y", "es", "un", "una", "de", "que", "hola", "gracias", "sí", "por"},
	"de": {"der", "die", "das", "und", "ist", "ein", "eine", "nicht", "ich", "sie", "hallo", "danke", "ja", "mit"},
	"it": {"il", "lo", "la", "gli", "e", "è", "un", "una", "di", "che", "ciao", "grazie", "per"},
	"pt": {"o", "a", "os", "as", "e", "é", "um", "uma", "de", "que", "olá", "obrigado", "não", "com"},
}

// languageScore counts words of lang in text.
func languageScore(text, lang string) int {
	set := map[string]bool{}
	for _, w := range languageWords[lang] {
		set[w] = true
	}
	n := 0
	for _, w := range wordRE.FindAllString(strings.ToLower(text), -1) {
		if set[w] {
			n++
		}
	}
	return n
}

// Judge decides whether response satisfies item. Reasons name every
// failed criterion.
func Judge(it Item, response, delimiter string) (bool, []string) {
	resp := strings.TrimSpace(response)
	var reasons []string
	fail := func(format string, a ...any) { reasons = append(reasons, fmt.Sprintf(format, a...)) }

	if resp == "" {
		return false, []string{"empty"}
	}
	if normalize(resp) == normalize(it.Instruction) {
		fail("echo")
	}
	if delimiter != "" && strings.Contains(resp, delimiter) {
		fail("delimiter_leak")
	}
	lower := strings.ToLower(resp)
	c := it.Check
	for _, s := range c.Contains {
		if !strings.Contains(lower, strings.ToLower(s)) {
			fail("missing %q", s)
		}
	}
	for _, s := range c.NotContains {
		if strings.Contains(lower, strings.ToLower(s)) {
			fail("contains %q", s)
		}
	}
	if c.Regex != "" {
		re, err := regexp.Compile(c.Regex)
		if err != nil || !re.MatchString(resp) {
			fail("regex %q", c.Regex)
		}
	}
	words := len(strings.Fields(resp))
	if c.MinWords > 0 && words < c.MinWords {
		fail("min_words %d > %d", c.MinWords, words)
	}
	if c.MaxWords > 0 && words > c.MaxWords {
		fail("max_words %d < %d", c.MaxWords, words)
	}
	if c.ListItems > 0 {
		n := len(listItemRE.FindAllString(resp, -1))
		if n == 0 {
			// inline lists: "red, green and blue"
			n = len(strings.FieldsFunc(strings.ReplaceAll(lower, " and ", ","), func(r rune) bool { return r == ',' || r == ';' }))
		}
		if n < c.ListItems {
			fail("list_items %d > %d", c.ListItems, n)
		}
	}
	if c.Language != "" {
		lang := strings.ToLower(c.Language)
		if _, ok := languageWords[lang]; !ok {
			fail("unknown language_hint %q", c.Language)
		} else {
			got := languageScore(resp, lang)
			en := 0
			if lang != "en" {
				en = languageScore(resp, "en")
			}
			if got == 0 || got < en {
				fail("language_hint %s", lang)
			}
		}
	}
	return len(reasons) == 0, reasons
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.Trim(s, " .!?")), " "))
}
