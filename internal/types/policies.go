package types

import "fmt"

// FillingMode selects how the warmup phase lays down and invalidates data.
type FillingMode uint8

const (
	// FillingSeq fills sequentially and invalidates sequentially.
	FillingSeq FillingMode = iota
	// FillingSeqRand fills sequentially and invalidates at random within the
	// warmed range.
	FillingSeqRand
	// FillingRandRand fills and invalidates at random over the whole space.
	FillingRandRand
)

// ParseFillingMode maps a configuration string to a FillingMode.
func ParseFillingMode(s string) (FillingMode, error) {
	switch s {
	case "seq":
		return FillingSeq, nil
	case "seqrand":
		return FillingSeqRand, nil
	case "randrand":
		return FillingRandRand, nil
	}
	return 0, fmt.Errorf("unknown filling mode %q", s)
}

func (m FillingMode) String() string {
	switch m {
	case FillingSeq:
		return "seq"
	case FillingSeqRand:
		return "seqrand"
	case FillingRandRand:
		return "randrand"
	}
	return fmt.Sprintf("fillingmode(%d)", uint8(m))
}

// EvictPolicy selects how garbage-collection victims are weighted.
type EvictPolicy uint8

const (
	EvictGreedy EvictPolicy = iota
	EvictRandom
	EvictDChoice
	EvictCostBenefit
)

// ParseEvictPolicy maps a configuration string to an EvictPolicy.
func ParseEvictPolicy(s string) (EvictPolicy, error) {
	switch s {
	case "greedy":
		return EvictGreedy, nil
	case "random":
		return EvictRandom, nil
	case "dchoice":
		return EvictDChoice, nil
	case "costbenefit":
		return EvictCostBenefit, nil
	}
	return 0, fmt.Errorf("unknown evict policy %q", s)
}

func (p EvictPolicy) String() string {
	switch p {
	case EvictGreedy:
		return "greedy"
	case EvictRandom:
		return "random"
	case EvictDChoice:
		return "dchoice"
	case EvictCostBenefit:
		return "costbenefit"
	}
	return fmt.Sprintf("evictpolicy(%d)", uint8(p))
}

// GCMode selects how many blocks a reclaim pass targets.
type GCMode uint8

const (
	// GCModeFixed reclaims a configured fixed number of blocks.
	GCModeFixed GCMode = iota
	// GCModeThreshold reclaims enough blocks to restore the free ratio.
	GCModeThreshold
)

// RefreshPolicy selects the policy-driven (non Bloom-filter) refresh victim
// scan.
type RefreshPolicy uint8

const (
	// RefreshPolicyThreshold refreshes every block whose data retention age
	// exceeds the configured threshold.
	RefreshPolicyThreshold RefreshPolicy = iota
)
