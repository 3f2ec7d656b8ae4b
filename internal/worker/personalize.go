package worker

import (
	"regexp"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

var namePlaceholder = regexp.MustCompile(`(?i)\{\{\s*name\s*\}\}`)

// Personalizer renders a campaign message template for one customer.
//
// Templates are Liquid. The {{name}} placeholder is matched in any case and
// falls back to domain.DefaultDisplayName. A template Liquid cannot parse, or
// one referring to a variable the customer has no binding for, is
// personalized by substituting the name placeholder only, so the rest of the
// text is sent as written.
type Personalizer struct {
	engine *liquid.Engine
	cache  sync.Map // template text -> *liquid.Template
}

// NewPersonalizer creates a Personalizer with an empty template cache.
func NewPersonalizer() *Personalizer {
	engine := liquid.NewEngine()
	engine.StrictVariables()
	return &Personalizer{engine: engine}
}

// Render returns the message body for c.
func (p *Personalizer) Render(template string, c domain.Customer) string {
	tpl, err := p.parse(template)
	if err != nil {
		logger.Debug("personalize: template not parseable, using plain substitution", "error", err)
		return substituteName(template, c)
	}
	out, rerr := tpl.RenderString(bindings(c))
	if rerr != nil {
		logger.Debug("personalize: render failed, using plain substitution",
			"customer_id", c.CustomerID,
			"error", rerr)
		return substituteName(template, c)
	}
	return out
}

// Forget drops a cached template once its campaign is finished.
func (p *Personalizer) Forget(template string) {
	p.cache.Delete(template)
}

func (p *Personalizer) parse(template string) (*liquid.Template, error) {
	if cached, ok := p.cache.Load(template); ok {
		return cached.(*liquid.Template), nil
	}
	normalized := namePlaceholder.ReplaceAllString(template, "{{ name }}")
	tpl, err := p.engine.ParseString(normalized)
	if err != nil {
		return nil, err
	}
	p.cache.Store(template, tpl)
	return tpl, nil
}

func bindings(c domain.Customer) map[string]any {
	b := map[string]any{
		"name":        c.DisplayName(),
		"customer_id": c.CustomerID,
		"email":       c.Email,
		"total_spend": c.TotalSpend,
		"visits":      c.Visits,
	}
	if len(c.CustomAttributes) > 0 {
		b["attributes"] = c.CustomAttributes
	}
	return b
}

func substituteName(template string, c domain.Customer) string {
	name := c.DisplayName()
	return namePlaceholder.ReplaceAllLiteralString(template, name)
}
