package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
)

const redisDecisionKeyPrefix = "bastion:decision:"

// DecisionCache memoizes batch evaluation outcomes keyed by a
// fingerprint of the evaluation context, the options and the ruleset
// version. Because the version participates in the fingerprint,
// replacing the ruleset invalidates every prior entry without an
// explicit purge.
type DecisionCache struct {
	local  *expirable.LRU[string, EvalResult]
	redis  *core.RedisCache
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// NewDecisionCache builds a two-tier decision cache. redis may be nil,
// in which case only the in-process tier is used.
func NewDecisionCache(size int, ttl time.Duration, redis *core.RedisCache, logger *zap.SugaredLogger) *DecisionCache {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DecisionCache{
		local:  expirable.NewLRU[string, EvalResult](size, nil, ttl),
		redis:  redis,
		ttl:    ttl,
		logger: logger,
	}
}

// Get returns a cached decision for the fingerprint, consulting the
// local tier first and falling back to Redis when configured. Redis
// errors degrade to a miss.
func (dc *DecisionCache) Get(ctx context.Context, fingerprint string) (EvalResult, bool) {
	if result, ok := dc.local.Get(fingerprint); ok {
		metrics.DecisionCacheHits.WithLabelValues("hit").Inc()
		result.Cached = true
		return result, true
	}

	if dc.redis != nil {
		var result EvalResult
		found, err := dc.redis.Get(ctx, redisDecisionKeyPrefix+fingerprint, &result)
		if err != nil {
			dc.logger.Warnw("Decision cache redis lookup failed", "error", err)
		} else if found {
			metrics.DecisionCacheHits.WithLabelValues("hit").Inc()
			result.Cached = true
			dc.local.Add(fingerprint, result)
			return result, true
		}
	}

	metrics.DecisionCacheHits.WithLabelValues("miss").Inc()
	return EvalResult{}, false
}

// Put stores the full decision, per-rule results included, so a hit
// is indistinguishable from the evaluation that produced it.
func (dc *DecisionCache) Put(ctx context.Context, fingerprint string, result EvalResult) {
	dc.local.Add(fingerprint, result)

	if dc.redis != nil {
		if err := dc.redis.Set(ctx, redisDecisionKeyPrefix+fingerprint, result, dc.ttl); err != nil {
			dc.logger.Warnw("Decision cache redis store failed", "error", err)
		}
	}
}

// Purge drops the local tier. Redis entries age out on their TTL and
// are unreachable anyway once the ruleset version moves on.
func (dc *DecisionCache) Purge() {
	dc.local.Purge()
}

// Len reports the number of live local entries.
func (dc *DecisionCache) Len() int {
	return dc.local.Len()
}

// Fingerprint derives the cache key for one evaluation. The ruleset
// version is folded in so stale decisions cannot outlive a rule
// replacement.
func Fingerprint(version uint64, ec *EvalContext, opts EvalOptions) (string, error) {
	payload := struct {
		Version uint64       `json:"version"`
		Kind    ContextKind  `json:"kind"`
		Context *EvalContext `json:"context"`
		Options EvalOptions  `json:"options"`
	}{
		Version: version,
		Kind:    ec.Kind,
		Context: ec,
		Options: normalizeOptions(opts),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint evaluation: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// normalizeOptions sorts the slice-valued filters so two semantically
// identical option sets always fingerprint the same.
func normalizeOptions(opts EvalOptions) EvalOptions {
	if len(opts.Types) > 1 {
		types := make([]RuleType, len(opts.Types))
		copy(types, opts.Types)
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		opts.Types = types
	}
	if len(opts.IncludeIDs) > 1 {
		opts.IncludeIDs = sortedCopy(opts.IncludeIDs)
	}
	if len(opts.ExcludeIDs) > 1 {
		opts.ExcludeIDs = sortedCopy(opts.ExcludeIDs)
	}
	return opts
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
