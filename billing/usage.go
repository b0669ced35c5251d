package billing

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	pricingKeyPrefix = "solgate:pricing:"
	pricingCacheTTL  = time.Hour
)

// Usage is a model invocation's token counts. Cached input tokens are
// reported by providers as a subset of input tokens.
type Usage struct {
	InputTokens       int64
	OutputTokens      int64
	CachedInputTokens int64
}

// ModelPricing is the per-token USD pricing for one model.
type ModelPricing struct {
	ModelID                 string   `json:"modelId"`
	InputCostPerToken       float64  `json:"inputCostPerToken"`
	OutputCostPerToken      float64  `json:"outputCostPerToken"`
	CachedInputCostPerToken *float64 `json:"cachedInputCostPerToken,omitempty"`
}

// CalculatedCost is the USD cost of one model invocation.
type CalculatedCost struct {
	ModelID        string
	MatchedModelID string
	UsdCost        float64
}

func rate(perMillion float64) float64 { return perMillion / 1_000_000 }

func ptr(f float64) *float64 { return &f }

// defaultPricing is the built-in pricing table, USD per token. Upstream
// providers rename models frequently, which is why lookup is fuzzy.
var defaultPricing = map[string]ModelPricing{
	"gpt-4o":            {ModelID: "gpt-4o", InputCostPerToken: rate(2.50), OutputCostPerToken: rate(10.00), CachedInputCostPerToken: ptr(rate(1.25))},
	"gpt-4o-mini":       {ModelID: "gpt-4o-mini", InputCostPerToken: rate(0.15), OutputCostPerToken: rate(0.60), CachedInputCostPerToken: ptr(rate(0.075))},
	"gpt-4-turbo":       {ModelID: "gpt-4-turbo", InputCostPerToken: rate(10.00), OutputCostPerToken: rate(30.00)},
	"o1":                {ModelID: "o1", InputCostPerToken: rate(15.00), OutputCostPerToken: rate(60.00), CachedInputCostPerToken: ptr(rate(7.50))},
	"o1-mini":           {ModelID: "o1-mini", InputCostPerToken: rate(1.10), OutputCostPerToken: rate(4.40), CachedInputCostPerToken: ptr(rate(0.55))},
	"claude-3-5-sonnet": {ModelID: "claude-3-5-sonnet", InputCostPerToken: rate(3.00), OutputCostPerToken: rate(15.00), CachedInputCostPerToken: ptr(rate(0.30))},
	"claude-3-5-haiku":  {ModelID: "claude-3-5-haiku", InputCostPerToken: rate(0.80), OutputCostPerToken: rate(4.00), CachedInputCostPerToken: ptr(rate(0.08))},
	"claude-3-opus":     {ModelID: "claude-3-opus", InputCostPerToken: rate(15.00), OutputCostPerToken: rate(75.00)},
	"gemini-1-5-pro":    {ModelID: "gemini-1-5-pro", InputCostPerToken: rate(1.25), OutputCostPerToken: rate(5.00)},
	"gemini-1-5-flash":  {ModelID: "gemini-1-5-flash", InputCostPerToken: rate(0.075), OutputCostPerToken: rate(0.30)},
}

// providerPrefixes are tried when a bare model id has no table entry.
var providerPrefixes = []string{"openai/", "anthropic/", "google/", "meta/"}

// dateSuffix matches upstream release-date suffixes like -20240620 or
// -2024-06-20 that churn without a pricing change.
var dateSuffix = regexp.MustCompile(`-(20\d{2}-\d{2}-\d{2}|20\d{6})$`)

type cachedPricing struct {
	Pricing  *ModelPricing `json:"pricing"` // nil caches a confirmed miss
	CachedAt time.Time     `json:"cachedAt"`
}

// CostCalculator converts model token usage into USD cost using a cached,
// fuzzy-matched pricing table.
type CostCalculator struct {
	pricing map[string]ModelPricing
	shared  recordStore // nil without redis
	log     *logrus.Entry

	mu    sync.RWMutex
	local map[string]cachedPricing
}

// NewCostCalculator creates a calculator over the built-in pricing table.
// client may be nil; the shared cache tier is then skipped.
func NewCostCalculator(client *redis.Client, log *logrus.Entry) *CostCalculator {
	c := &CostCalculator{
		pricing: defaultPricing,
		log:     log,
		local:   make(map[string]cachedPricing),
	}
	if client != nil {
		c.shared = newRedisStore(client)
	}
	return c
}

// SetPricing overrides the pricing entry for a model id.
func (c *CostCalculator) SetPricing(p ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pricing == nil {
		c.pricing = make(map[string]ModelPricing)
	}
	c.pricing[p.ModelID] = p
	// Resolved lookups may now be stale.
	c.local = make(map[string]cachedPricing)
}

// CalculateCost returns the USD cost for a model invocation, or nil when no
// pricing can be resolved for the model id. Cached input tokens are
// subtracted from billed input tokens to avoid double counting.
func (c *CostCalculator) CalculateCost(ctx context.Context, modelID string, usage Usage) *CalculatedCost {
	pricing := c.resolve(ctx, modelID)
	if pricing == nil {
		c.log.WithField("model", modelID).Warn("no pricing found for model")
		return nil
	}

	cached := usage.CachedInputTokens
	if cached > usage.InputTokens {
		cached = usage.InputTokens
	}
	billedInput := usage.InputTokens - cached

	cachedRate := pricing.InputCostPerToken
	if pricing.CachedInputCostPerToken != nil {
		cachedRate = *pricing.CachedInputCostPerToken
	}

	cost := float64(billedInput)*pricing.InputCostPerToken +
		float64(usage.OutputTokens)*pricing.OutputCostPerToken +
		float64(cached)*cachedRate

	return &CalculatedCost{
		ModelID:        modelID,
		MatchedModelID: pricing.ModelID,
		UsdCost:        cost,
	}
}

// resolve finds pricing for a model id, consulting the process-local cache,
// then the shared cache, then the fuzzy lookup chain.
func (c *CostCalculator) resolve(ctx context.Context, modelID string) *ModelPricing {
	c.mu.RLock()
	entry, ok := c.local[modelID]
	c.mu.RUnlock()
	if ok && time.Since(entry.CachedAt) < pricingCacheTTL {
		return entry.Pricing
	}

	if c.shared != nil {
		if data, err := c.shared.Get(ctx, pricingKeyPrefix+modelID); err == nil && data != nil {
			var cached cachedPricing
			if json.Unmarshal(data, &cached) == nil && time.Since(cached.CachedAt) < pricingCacheTTL {
				c.storeLocal(modelID, cached)
				return cached.Pricing
			}
		}
	}

	pricing := c.lookup(modelID)
	cached := cachedPricing{Pricing: pricing, CachedAt: time.Now()}
	c.storeLocal(modelID, cached)
	if c.shared != nil {
		if data, err := json.Marshal(cached); err == nil {
			_ = c.shared.Save(ctx, pricingKeyPrefix+modelID, data, pricingCacheTTL)
		}
	}
	return pricing
}

func (c *CostCalculator) storeLocal(modelID string, entry cachedPricing) {
	c.mu.Lock()
	c.local[modelID] = entry
	c.mu.Unlock()
}

// lookup is the fuzzy match chain: exact id, provider-prefix variants, a
// normalized id tolerant of version-separator and date-suffix churn, then a
// prefix match on the bare model name.
func (c *CostCalculator) lookup(modelID string) *ModelPricing {
	if p, ok := c.pricing[modelID]; ok {
		return &p
	}

	bare := modelID
	if idx := strings.LastIndexAny(bare, "/:"); idx >= 0 {
		bare = bare[idx+1:]
	}
	if p, ok := c.pricing[bare]; ok {
		return &p
	}
	for _, prefix := range providerPrefixes {
		if p, ok := c.pricing[prefix+bare]; ok {
			return &p
		}
	}

	normalized := normalizeModelID(bare)
	if p, ok := c.pricing[normalized]; ok {
		return &p
	}

	for key, p := range c.pricing {
		if strings.HasPrefix(normalized, key) || strings.HasPrefix(key, normalized) {
			pricing := p
			return &pricing
		}
	}
	return nil
}

// normalizeModelID collapses version-separator punctuation and strips
// trailing date suffixes, so "claude-3.5-sonnet-20240620" matches
// "claude-3-5-sonnet".
func normalizeModelID(id string) string {
	id = strings.ToLower(id)
	id = dateSuffix.ReplaceAllString(id, "")
	id = strings.NewReplacer(".", "-", "_", "-").Replace(id)
	return id
}
