// Package catalog holds the language profiles the engine can run and the
// tier rules that gate them.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var defaultProfiles []byte

var (
	ErrNotFound       = errors.New("unsupported language")
	ErrTierNotAllowed = errors.New("language not available for tier")
)

// Cost is the resource class of a language.
type Cost string

const (
	CostLow    Cost = "low"
	CostMedium Cost = "medium"
	CostHigh   Cost = "high"
)

// Tier is the user's subscription level.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

var tierCosts = map[Tier][]Cost{
	TierFree:       {CostLow},
	TierPro:        {CostLow, CostMedium},
	TierEnterprise: {CostLow, CostMedium, CostHigh},
}

// NormalizeTier maps unknown or empty tiers to free.
func NormalizeTier(t string) Tier {
	tier := Tier(strings.ToLower(strings.TrimSpace(t)))
	if _, ok := tierCosts[tier]; !ok {
		return TierFree
	}
	return tier
}

// Allows reports whether a tier may use languages of the given cost.
func (t Tier) Allows(c Cost) bool {
	for _, allowed := range tierCosts[NormalizeTier(string(t))] {
		if allowed == c {
			return true
		}
	}
	return false
}

type file struct {
	Profiles []Profile `yaml:"profiles"`
}

// Catalog is an immutable set of language profiles keyed by id.
type Catalog struct {
	profiles map[string]Profile
}

// Default returns the built-in profiles.
func Default() (*Catalog, error) {
	return Parse(defaultProfiles)
}

// Load reads profiles from path, or the built-in set when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a profiles document.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(f.Profiles) == 0 {
		return nil, errors.New("catalog has no profiles")
	}

	c := &Catalog{profiles: make(map[string]Profile, len(f.Profiles))}
	for _, p := range f.Profiles {
		p.ID = strings.ToLower(strings.TrimSpace(p.ID))
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.profiles[p.ID]; dup {
			return nil, fmt.Errorf("duplicate profile %q", p.ID)
		}
		c.profiles[p.ID] = p
	}
	return c, nil
}

// Resolve looks up an active profile by case-insensitive name.
func (c *Catalog) Resolve(name string) (Profile, error) {
	p, ok := c.profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok || !p.Active() {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// ResolveForTier resolves name and checks it against the tier.
func (c *Catalog) ResolveForTier(name string, tier Tier) (Profile, error) {
	p, err := c.Resolve(name)
	if err != nil {
		return Profile{}, err
	}
	if !tier.Allows(p.Cost) {
		return Profile{}, fmt.Errorf("%w: %s requires a higher tier than %s", ErrTierNotAllowed, p.ID, NormalizeTier(string(tier)))
	}
	return p, nil
}

// AllowedForTier lists the active profiles a tier may use, sorted by id.
func (c *Catalog) AllowedForTier(tier Tier) []Profile {
	var out []Profile
	for _, p := range c.Active() {
		if tier.Allows(p.Cost) {
			out = append(out, p)
		}
	}
	return out
}

// Active lists every active profile, sorted by id.
func (c *Catalog) Active() []Profile {
	out := make([]Profile, 0, len(c.profiles))
	for _, p := range c.profiles {
		if p.Active() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
