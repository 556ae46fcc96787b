// Package moe implements the gating and dispatch engine of a Hierarchical
// Attention-Gated Mixture-of-Experts layer.
//
// A forward pass is a strict chain:
//
//	tokens → Scorer → Select → Allocate → Dispatch (experts) → Combine
//
// with the load-balancing auxiliary loss computed from the scorer's and
// allocator's state. Experts are opaque functions supplied by the host;
// only the gate's own parameters live here.
package moe

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// DropPolicy selects what a token receives for candidate assignments that
// were rejected by the capacity allocator.
type DropPolicy string

// Supported drop policies.
const (
	// DropIdentity passes a fully-dropped token's input through unchanged.
	DropIdentity DropPolicy = "identity-fallback"
	// DropZero emits a zero vector for a fully-dropped token.
	DropZero DropPolicy = "zero-fallback"
	// DropResidualScaled adds gate_weight * input for every dropped
	// candidate, so the rejected gate mass flows through the residual path.
	DropResidualScaled DropPolicy = "residual-scaled"
)

// Valid reports whether p names a supported policy.
func (p DropPolicy) Valid() bool {
	switch p {
	case DropIdentity, DropZero, DropResidualScaled:
		return true
	}
	return false
}

// Config describes one HAG-MoE layer.
type Config struct {
	NumExperts     int        `yaml:"num_experts" json:"num_experts"`         // E
	NumGroups      int        `yaml:"num_groups" json:"num_groups"`           // G
	TopKGroups     int        `yaml:"top_k_groups" json:"top_k_groups"`       // m, groups kept by the coarse stage
	TopKExperts    int        `yaml:"top_k_experts" json:"top_k_experts"`     // k, experts per token
	CapacityFactor float64    `yaml:"capacity_factor" json:"capacity_factor"` // C = ceil(factor * N / E)
	DropPolicy     DropPolicy `yaml:"drop_policy" json:"drop_policy"`

	LoadBalanceWeight float64 `yaml:"load_balance_weight" json:"load_balance_weight"`
	RouterZLossWeight float64 `yaml:"router_z_loss_weight" json:"router_z_loss_weight"`

	ModelDim int `yaml:"model_dim" json:"model_dim"` // d, token and expert width
	KeyDim   int `yaml:"key_dim" json:"key_dim"`     // d_k, attention width; 0 means ModelDim

	// Groups lists the experts of each group. Empty means the contiguous
	// partition where group g owns experts [g*E/G, (g+1)*E/G).
	Groups [][]int `yaml:"groups,omitempty" json:"groups,omitempty"`

	Workers int   `yaml:"workers" json:"workers"` // dispatch concurrency; 0 means one per CPU
	Seed    int64 `yaml:"seed" json:"seed"`       // gate parameter initialisation seed
}

// DefaultConfig returns a small, valid configuration: 8 experts in 2 groups,
// one group and two experts per token.
func DefaultConfig() Config {
	return Config{
		NumExperts:        8,
		NumGroups:         2,
		TopKGroups:        1,
		TopKExperts:       2,
		CapacityFactor:    1.25,
		DropPolicy:        DropIdentity,
		LoadBalanceWeight: 0.01,
		ModelDim:          16,
	}
}

// KeyWidth returns the attention width d_k.
func (c Config) KeyWidth() int {
	if c.KeyDim > 0 {
		return c.KeyDim
	}
	return c.ModelDim
}

// Validate checks every option and the relationships between them.
// It returns a *ConfigurationError describing the first problem found.
func (c Config) Validate() error {
	switch {
	case c.NumExperts <= 0:
		return configError("num_experts", "must be positive, got %d", c.NumExperts)
	case c.NumGroups <= 0:
		return configError("num_groups", "must be positive, got %d", c.NumGroups)
	case c.NumGroups > c.NumExperts:
		return configError("num_groups", "%d groups cannot be filled by %d experts", c.NumGroups, c.NumExperts)
	case c.TopKGroups < 1:
		return configError("top_k_groups", "must be at least 1, got %d", c.TopKGroups)
	case c.TopKGroups > c.NumGroups:
		return configError("top_k_groups", "%d exceeds num_groups %d", c.TopKGroups, c.NumGroups)
	case c.TopKExperts < 1:
		return configError("top_k_experts", "must be at least 1, got %d", c.TopKExperts)
	case c.TopKExperts > c.NumExperts:
		return configError("top_k_experts", "%d exceeds num_experts %d", c.TopKExperts, c.NumExperts)
	case !(c.CapacityFactor > 0) || math.IsInf(c.CapacityFactor, 1):
		return configError("capacity_factor", "must be positive and finite, got %v", c.CapacityFactor)
	case !c.DropPolicy.Valid():
		return configError("drop_policy", "unknown policy %q", c.DropPolicy)
	case !finiteNonNegative(c.LoadBalanceWeight):
		return configError("load_balance_weight", "must be non-negative and finite, got %v", c.LoadBalanceWeight)
	case !finiteNonNegative(c.RouterZLossWeight):
		return configError("router_z_loss_weight", "must be non-negative and finite, got %v", c.RouterZLossWeight)
	case c.ModelDim <= 0:
		return configError("model_dim", "must be positive, got %d", c.ModelDim)
	case c.KeyDim < 0:
		return configError("key_dim", "must be non-negative, got %d", c.KeyDim)
	case c.Workers < 0:
		return configError("workers", "must be non-negative, got %d", c.Workers)
	}
	_, err := c.groupTable()
	return err
}

func finiteNonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 1)
}

// groupTable resolves group membership and checks that it partitions the
// experts. It returns the group of each expert.
func (c Config) groupTable() ([]int, error) {
	groups := c.Groups
	if len(groups) == 0 {
		groups = contiguousGroups(c.NumExperts, c.NumGroups)
	}
	if len(groups) != c.NumGroups {
		return nil, configError("groups", "%d groups listed, num_groups is %d", len(groups), c.NumGroups)
	}

	owner := make([]int, c.NumExperts)
	for e := range owner {
		owner[e] = -1
	}
	for g, members := range groups {
		if len(members) == 0 {
			return nil, configError("groups", "group %d has no experts", g)
		}
		for _, e := range members {
			if e < 0 || e >= c.NumExperts {
				return nil, configError("groups", "group %d lists expert %d outside [0, %d)", g, e, c.NumExperts)
			}
			if owner[e] >= 0 {
				return nil, configError("groups", "expert %d is in groups %d and %d", e, owner[e], g)
			}
			owner[e] = g
		}
	}
	for e, g := range owner {
		if g < 0 {
			return nil, configError("groups", "expert %d is not assigned to a group", e)
		}
	}
	return owner, nil
}

// contiguousGroups splits [0, e) into g nearly equal contiguous runs.
func contiguousGroups(e, g int) [][]int {
	groups := make([][]int, g)
	for i := range groups {
		lo, hi := i*e/g, (i+1)*e/g
		for x := lo; x < hi; x++ {
			groups[i] = append(groups[i], x)
		}
	}
	return groups
}

// LoadConfig reads a YAML layer configuration from path, applies it over
// DefaultConfig, and validates the result.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
