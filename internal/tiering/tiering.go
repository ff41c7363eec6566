// Package tiering routes chat requests to content-tier models based on an
// explicit client hint or pattern rules over the last user message.
package tiering

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"go.yaml.in/yaml/v3"
)

// Tier names recognized in hints and rules.
const (
	TierClassification = "classification"
	TierReasoning      = "reasoning"
	TierDefault        = "default"
)

// Rule matches message content against a pattern and assigns a tier.
type Rule struct {
	Tier    string
	Model   string // optional per-rule override of the tier's model
	pattern *regexp.Regexp
}

// Pattern returns the rule's source expression.
func (r Rule) Pattern() string {
	return r.pattern.String()
}

// config is an immutable snapshot of the tiering block from the catalog file.
type config struct {
	enabled bool
	models  map[string]string // tier name -> model name
	rules   []Rule
}

// Router selects a tier and model for each request. Zero rules and an empty
// model map make every decision a no-op, which is the state before Reload.
type Router struct {
	path string
	cfg  atomic.Pointer[config]
}

// New creates a Router reading the tiering block from the given catalog file.
func New(path string) *Router {
	r := &Router{path: path}
	r.cfg.Store(&config{models: map[string]string{}})
	return r
}

// ruleEntry mirrors one rule in the catalog's tiering block. route_to is the
// declared field name; tier is accepted as an alias.
type ruleEntry struct {
	RouteTo string `yaml:"route_to"`
	Tier    string `yaml:"tier"`
	Pattern string `yaml:"pattern"`
	Model   string `yaml:"model"`
}

type tieringFile struct {
	Tiering struct {
		Enabled             *bool       `yaml:"enabled"`
		ClassificationModel string      `yaml:"classification_model"`
		ReasoningModel      string      `yaml:"reasoning_model"`
		DefaultModel        string      `yaml:"default_model"`
		Rules               []ruleEntry `yaml:"rules"`
	} `yaml:"tiering"`
}

// Reload re-reads the tiering block. A catalog without a tiering block
// disables tiering; a parse failure leaves the previous config serving.
func (r *Router) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read tiering config: %w", err)
	}
	var file tieringFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse tiering config: %w", err)
	}

	t := file.Tiering
	next := &config{
		enabled: t.Enabled == nil || *t.Enabled,
		models:  map[string]string{},
	}
	if t.ClassificationModel != "" {
		next.models[TierClassification] = t.ClassificationModel
	}
	if t.ReasoningModel != "" {
		next.models[TierReasoning] = t.ReasoningModel
	}
	if t.DefaultModel != "" {
		next.models[TierDefault] = t.DefaultModel
	}
	for _, re := range t.Rules {
		pat, err := regexp.Compile("(?i)" + re.Pattern)
		if err != nil {
			return fmt.Errorf("compile tiering rule %q: %w", re.Pattern, err)
		}
		tier := re.RouteTo
		if tier == "" {
			tier = re.Tier
		}
		if norm := normalizeHint(tier); norm != "" {
			tier = norm
		}
		next.rules = append(next.rules, Rule{Tier: tier, Model: re.Model, pattern: pat})
	}
	r.cfg.Store(next)
	return nil
}

// Decision is the outcome of a tiering resolution.
type Decision struct {
	Tier  string // resolved tier name, "" when tiering did not apply
	Model string // model override, "" when the requested model stands
}

// Resolve picks a tier for the request. An explicit hint (X-Gonka-Tier header)
// wins; otherwise pattern rules run against the last user message in the raw
// request body. Returns the zero Decision when nothing applies.
func (r *Router) Resolve(body []byte, hint string) Decision {
	cfg := r.cfg.Load()
	if !cfg.enabled {
		return Decision{}
	}

	if tier := normalizeHint(hint); tier != "" {
		return Decision{Tier: tier, Model: cfg.models[tier]}
	}

	text := lastUserText(body)
	if text == "" {
		return Decision{}
	}
	for _, rule := range cfg.rules {
		if rule.pattern.MatchString(text) {
			model := rule.Model
			if model == "" {
				model = cfg.models[rule.Tier]
			}
			return Decision{Tier: rule.Tier, Model: model}
		}
	}
	return Decision{}
}

// Models returns the tier-to-model mapping for the admin surface.
func (r *Router) Models() map[string]string {
	cfg := r.cfg.Load()
	out := make(map[string]string, len(cfg.models))
	for k, v := range cfg.models {
		out[k] = v
	}
	return out
}

// Rules returns the active rules for the admin surface.
func (r *Router) Rules() []Rule {
	return r.cfg.Load().rules
}

// normalizeHint maps hint values to a tier name. Both bare tier names and the
// "_model"-suffixed aliases the original clients sent are accepted.
func normalizeHint(hint string) string {
	h := strings.ToLower(strings.TrimSpace(hint))
	h = strings.TrimSuffix(h, "_model")
	switch h {
	case TierClassification, TierReasoning, TierDefault:
		return h
	}
	return ""
}

// lastUserText extracts the text of the last user message from a chat request
// body. String content is returned as-is; multimodal content concatenates the
// text parts, space separated.
func lastUserText(body []byte) string {
	msgs := gjson.GetBytes(body, "messages")
	if !msgs.IsArray() {
		return ""
	}
	arr := msgs.Array()
	for i := len(arr) - 1; i >= 0; i-- {
		if arr[i].Get("role").String() != "user" {
			continue
		}
		content := arr[i].Get("content")
		if content.Type == gjson.String {
			return content.String()
		}
		if content.IsArray() {
			var parts []string
			for _, part := range content.Array() {
				if part.Get("type").String() == "text" {
					parts = append(parts, part.Get("text").String())
				}
			}
			return strings.Join(parts, " ")
		}
		return ""
	}
	return ""
}
