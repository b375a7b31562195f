package payoutd

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// ErrDailyCapExceeded indicates that applying a payout would exceed the configured window cap.
var ErrDailyCapExceeded = errors.New("payoutd: daily cap exceeded")

// ErrPolicyInvalid reports a malformed policy set.
var ErrPolicyInvalid = errors.New("payoutd: invalid policy")

// Policy caps how much a job kind may disburse per UTC day. A zero cap disables the kind.
type Policy struct {
	Kind     string
	DailyCap *big.Int
}

// policyFile mirrors the YAML representation of a policy entry.
type policyFile struct {
	Kind     string `yaml:"kind"`
	DailyCap string `yaml:"daily_cap"`
}

// LoadPolicies reads policies from the provided YAML file on disk.
func LoadPolicies(path string) ([]Policy, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policies: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	var entries []policyFile
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	policies := make([]Policy, 0, len(entries))
	seen := make(map[string]struct{})
	for _, entry := range entries {
		kind := normaliseKind(entry.Kind)
		if kind == "" {
			return nil, fmt.Errorf("%w: kind required", ErrPolicyInvalid)
		}
		if _, exists := seen[kind]; exists {
			return nil, fmt.Errorf("%w: duplicate policy for kind %s", ErrPolicyInvalid, kind)
		}
		capAmount, err := parseDecimal(entry.DailyCap)
		if err != nil {
			return nil, fmt.Errorf("kind %s daily_cap: %w", kind, err)
		}
		policies = append(policies, Policy{Kind: kind, DailyCap: capAmount})
		seen[kind] = struct{}{}
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Kind < policies[j].Kind })
	return policies, nil
}

func parseDecimal(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return value, nil
}

// normaliseKind folds compatibility forms so that kinds typed in manifests and policy files
// compare equal.
func normaliseKind(kind string) string {
	return norm.NFKC.String(strings.ToLower(strings.TrimSpace(kind)))
}

// PolicyEnforcer tracks disbursed totals per kind and day. Kinds without a policy are not
// capped; a nil enforcer allows everything.
type PolicyEnforcer struct {
	mu       sync.Mutex
	policies map[string]Policy
	totals   map[string]map[string]*big.Int
}

// NewPolicyEnforcer constructs an enforcer for the supplied policies.
func NewPolicyEnforcer(policies []Policy) (*PolicyEnforcer, error) {
	registry := make(map[string]Policy, len(policies))
	totals := make(map[string]map[string]*big.Int, len(policies))
	for _, policy := range policies {
		kind := normaliseKind(policy.Kind)
		if kind == "" {
			return nil, fmt.Errorf("%w: kind required", ErrPolicyInvalid)
		}
		if _, exists := registry[kind]; exists {
			return nil, fmt.Errorf("%w: duplicate policy for kind %s", ErrPolicyInvalid, kind)
		}
		capAmount := big.NewInt(0)
		if policy.DailyCap != nil {
			if policy.DailyCap.Sign() < 0 {
				return nil, fmt.Errorf("%w: kind %s cap must be non-negative", ErrPolicyInvalid, kind)
			}
			capAmount = new(big.Int).Set(policy.DailyCap)
		}
		registry[kind] = Policy{Kind: kind, DailyCap: capAmount}
		totals[kind] = make(map[string]*big.Int)
	}
	return &PolicyEnforcer{policies: registry, totals: totals}, nil
}

// Validate ensures a payout of amount for kind fits into today's remaining cap.
func (p *PolicyEnforcer) Validate(kind string, amount *big.Int, now time.Time) error {
	if p == nil {
		return nil
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("payout amount must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := normaliseKind(kind)
	if _, ok := p.policies[key]; !ok {
		return nil
	}
	if p.remainingLocked(key, now).Cmp(amount) < 0 {
		return ErrDailyCapExceeded
	}
	return nil
}

// Record notes a settled payout against the kind's cap.
func (p *PolicyEnforcer) Record(kind string, amount *big.Int, now time.Time) {
	if p == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := normaliseKind(kind)
	if _, ok := p.policies[key]; !ok {
		return
	}
	dayKey := dayBucket(now)
	if _, ok := p.totals[key][dayKey]; !ok {
		p.totals[key][dayKey] = big.NewInt(0)
	}
	p.totals[key][dayKey].Add(p.totals[key][dayKey], amount)
	for bucket := range p.totals[key] {
		if bucket < dayBucket(now.AddDate(0, 0, -2)) {
			delete(p.totals[key], bucket)
		}
	}
}

// Capped reports whether kind has a policy.
func (p *PolicyEnforcer) Capped(kind string) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.policies[normaliseKind(kind)]
	return ok
}

// RemainingCap reports the remaining allowance for the kind in the current window.
func (p *PolicyEnforcer) RemainingCap(kind string, now time.Time) *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := normaliseKind(kind)
	if _, ok := p.policies[key]; !ok {
		return big.NewInt(0)
	}
	return p.remainingLocked(key, now)
}

func (p *PolicyEnforcer) remainingLocked(key string, now time.Time) *big.Int {
	policy := p.policies[key]
	spent := p.totals[key][dayBucket(now)]
	if spent == nil {
		spent = big.NewInt(0)
	}
	remaining := new(big.Int).Sub(policy.DailyCap, spent)
	if remaining.Sign() < 0 {
		remaining = big.NewInt(0)
	}
	return remaining
}

// DailyCap returns the configured total cap for the kind.
func (p *PolicyEnforcer) DailyCap(kind string) *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	policy, ok := p.policies[normaliseKind(kind)]
	if !ok || policy.DailyCap == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(policy.DailyCap)
}

// Snapshot returns the remaining cap per kind for observability endpoints.
func (p *PolicyEnforcer) Snapshot(now time.Time) map[string]*big.Int {
	out := make(map[string]*big.Int)
	if p == nil {
		return out
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for kind := range p.policies {
		out[kind] = p.remainingLocked(kind, now)
	}
	return out
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
