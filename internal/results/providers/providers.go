package providers

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Unclassified is the resource type given to evidence that matched no rule.
const Unclassified = "Unclassified"

// OtherCategory is the category of resource types no rule covers.
const OtherCategory = "other"

//go:embed classifications.yaml
var builtinTable []byte

// Define sentinel errors for better error handling by the caller.
var (
	ErrInvalidInput  = errors.New("rule needs a resource type, a category and at least one keyword")
	ErrAlreadyExists = errors.New("resource type already has a rule")
)

// Rule maps whole-word keywords to a resource type.
type Rule struct {
	ResourceType string   `yaml:"resource_type"`
	Category     string   `yaml:"category"`
	Keywords     []string `yaml:"keywords"`
}

type table struct {
	Classifications []Rule `yaml:"classifications"`
}

// Evidence is what a finding offers for classification, strongest first.
type Evidence struct {
	Title        string
	Evidence     string
	ResourceType string
}

// Classification is the outcome of classifying one finding.
type Classification struct {
	ResourceType string `json:"resource_type"`
	Category     string `json:"category"`
	// Keyword is the keyword that decided the match, empty when unclassified.
	Keyword string `json:"keyword,omitempty"`
	// Field is where the keyword was found: title, evidence or resource_type.
	Field string `json:"field,omitempty"`
	// Alternatives lists other resource types matched in the same field.
	Alternatives []string `json:"alternatives,omitempty"`
}

// Ambiguous reports whether more than one resource type matched.
func (c Classification) Ambiguous() bool { return len(c.Alternatives) > 0 }

// Classified reports whether any rule matched.
func (c Classification) Classified() bool { return c.ResourceType != Unclassified }

// Classifier holds an ordered rule table. It is safe for concurrent use.
type Classifier struct {
	mu    sync.RWMutex
	rules []Rule
	types map[string]bool
}

// NewClassifier creates a classifier loaded with the built-in table.
func NewClassifier() *Classifier {
	c := &Classifier{types: make(map[string]bool)}
	if err := c.load(builtinTable); err != nil {
		// The table is compiled in; failing here is a build defect.
		panic(fmt.Sprintf("providers: invalid built-in classification table: %v", err))
	}
	return c
}

// validateRule checks if the rule has all required fields.
func validateRule(r Rule) error {
	if strings.TrimSpace(r.ResourceType) == "" || strings.TrimSpace(r.Category) == "" {
		return ErrInvalidInput
	}
	for _, kw := range r.Keywords {
		if normalize(kw) != "" {
			return nil
		}
	}
	return ErrInvalidInput
}

// Add appends a rule after the existing ones.
func (c *Classifier) Add(r Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.types[r.ResourceType] {
		return ErrAlreadyExists
	}
	c.rules = append(c.rules, r)
	c.types[r.ResourceType] = true
	return nil
}

// Extend merges rules into the table. Keywords for a known resource type
// are appended to its rule; new resource types are appended as new rules.
func (c *Classifier) Extend(rules ...Rule) error {
	for _, r := range rules {
		if err := validateRule(r); err != nil {
			return fmt.Errorf("rule %q: %w", r.ResourceType, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range rules {
		if !c.types[r.ResourceType] {
			c.rules = append(c.rules, r)
			c.types[r.ResourceType] = true
			continue
		}
		for i := range c.rules {
			if c.rules[i].ResourceType == r.ResourceType {
				c.rules[i].Keywords = append(c.rules[i].Keywords, r.Keywords...)
			}
		}
	}
	return nil
}

// LoadFile extends the table with the rules of a YAML file laid out like
// the built-in table.
func (c *Classifier) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read classification file: %w", err)
	}
	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("failed to parse classification file %s: %w", path, err)
	}
	return c.Extend(t.Classifications...)
}

func (c *Classifier) load(data []byte) error {
	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return err
	}
	for _, r := range t.Classifications {
		if err := c.Add(r); err != nil {
			return fmt.Errorf("rule %q: %w", r.ResourceType, err)
		}
	}
	return nil
}

// Rules returns a copy of the table in evaluation order.
func (c *Classifier) Rules() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		r.Keywords = append([]string(nil), r.Keywords...)
		out[i] = r
	}
	return out
}

// Classify looks for an explicit service name in the title, then in the
// evidence, then in the linked resource's type. Inside one field the
// earliest mention wins and any other matched types are reported as
// alternatives. Nothing matching anywhere yields Unclassified.
func (c *Classifier) Classify(ev Evidence) Classification {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fields := []struct{ name, text string }{
		{"title", ev.Title},
		{"evidence", ev.Evidence},
		{"resource_type", ev.ResourceType},
	}
	for _, field := range fields {
		if cl, ok := c.match(field.text); ok {
			cl.Field = field.name
			return cl
		}
	}
	return Classification{ResourceType: Unclassified, Category: OtherCategory}
}

// CategoryFor maps an open resource type string (for example
// "azurerm_mssql_server" or "Microsoft.Sql/servers") to a category.
func (c *Classifier) CategoryFor(resourceType string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if cl, ok := c.match(resourceType); ok {
		return cl.Category
	}
	return OtherCategory
}

type hit struct {
	pos     int
	rule    int
	keyword string
}

func (c *Classifier) match(text string) (Classification, bool) {
	norm := normalize(text)
	if norm == "" {
		return Classification{}, false
	}
	padded := " " + norm + " "

	var best *hit
	seen := map[string]bool{}
	var order []string
	for i, r := range c.rules {
		for _, kw := range r.Keywords {
			k := normalize(kw)
			if k == "" {
				continue
			}
			pos := strings.Index(padded, " "+k+" ")
			if pos < 0 {
				continue
			}
			if !seen[r.ResourceType] {
				seen[r.ResourceType] = true
				order = append(order, r.ResourceType)
			}
			// Earliest mention wins; at the same position the longer
			// keyword is more specific.
			if best == nil || pos < best.pos || (pos == best.pos && len(k) > len(best.keyword)) {
				best = &hit{pos: pos, rule: i, keyword: k}
			}
		}
	}
	if best == nil {
		return Classification{}, false
	}

	winner := c.rules[best.rule]
	cl := Classification{ResourceType: winner.ResourceType, Category: winner.Category, Keyword: best.keyword}
	for _, t := range order {
		if t != winner.ResourceType {
			cl.Alternatives = append(cl.Alternatives, t)
		}
	}
	return cl, true
}

// normalize lowercases text and turns every run of non-alphanumerics into a
// single space, so keywords match whole words in free text and in
// identifiers such as "azurerm_key_vault".
func normalize(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

var (
	defaultOnce       sync.Once
	defaultClassifier *Classifier
)

// Default returns a shared classifier with the built-in table.
func Default() *Classifier {
	defaultOnce.Do(func() { defaultClassifier = NewClassifier() })
	return defaultClassifier
}

// CategoryFor maps a resource type to a category using the built-in table.
func CategoryFor(resourceType string) string {
	return Default().CategoryFor(resourceType)
}
