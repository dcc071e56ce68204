package rule

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rule_cache_hits_total",
		Help: "Compiled rule set lookups served from cache.",
	})
	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rule_cache_miss_total",
		Help: "Compiled rule set lookups that loaded from the database.",
	})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMiss)
}

type RuleSetKey struct {
	OrgID   string
	Trigger string
}

func (k RuleSetKey) String() string {
	return k.OrgID + "/" + k.Trigger
}

type CompiledRuleSet struct {
	Rules    []*CompiledRule
	LoadedAt time.Time
}

// RuleCache holds compiled rule sets per (org, trigger). Concurrent misses
// for the same key share one load.
type RuleCache struct {
	lru   *expirable.LRU[RuleSetKey, *CompiledRuleSet]
	group singleflight.Group
}

func NewRuleCache(size int, ttl time.Duration) *RuleCache {
	if size <= 0 {
		size = 1024
	}
	return &RuleCache{
		lru: expirable.NewLRU[RuleSetKey, *CompiledRuleSet](size, nil, ttl),
	}
}

func (c *RuleCache) Get(key RuleSetKey) (*CompiledRuleSet, bool) {
	return c.lru.Get(key)
}

func (c *RuleCache) Set(key RuleSetKey, v *CompiledRuleSet) {
	c.lru.Add(key, v)
}

func (c *RuleCache) Invalidate(key RuleSetKey) {
	c.lru.Remove(key)
	c.group.Forget(key.String())
}

// GetOrLoad returns the cached set for key, calling load on a miss.
func (c *RuleCache) GetOrLoad(key RuleSetKey, load func() (*CompiledRuleSet, error)) (*CompiledRuleSet, error) {
	if v, ok := c.Get(key); ok {
		cacheHits.Inc()
		return v, nil
	}
	cacheMiss.Inc()

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		set, err := load()
		if err != nil {
			return nil, err
		}
		c.Set(key, set)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CompiledRuleSet), nil
}
