// Package config loads the simulator configuration through viper: defaults
// first, then an optional yaml file, then SIMPLESSD_* environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/wooks1998/simplessd/internal/types"
)

// Device describes the simulated NAND geometry.
type Device struct {
	PagesInBlock   uint32 `yaml:"pages_in_block"`
	IOUnitInPage   uint32 `yaml:"io_unit_in_page"`
	PageSize       uint32 `yaml:"page_size"`
	PhysicalBlocks uint32 `yaml:"physical_blocks"`
	LogicalBlocks  uint32 `yaml:"logical_blocks"`
	Parallelism    uint32 `yaml:"parallelism"`
}

// FTL groups the mapping, warmup and garbage-collection knobs.
type FTL struct {
	FillRatio          float64           `yaml:"fill_ratio"`
	InvalidPageRatio   float64           `yaml:"invalid_page_ratio"`
	FillingMode        types.FillingMode `yaml:"filling_mode"`
	GCThresholdRatio   float64           `yaml:"gc_threshold_ratio"`
	GCReclaimThreshold float64           `yaml:"gc_reclaim_threshold"`
	GCReclaimBlocks    uint64            `yaml:"gc_reclaim_blocks"`
	GCMode             types.GCMode      `yaml:"gc_mode"`
	EvictPolicy        types.EvictPolicy `yaml:"gc_evict_policy"`
	DChoiceParam       uint64            `yaml:"gc_d_choice_param"`
	BadBlockThreshold  uint32            `yaml:"bad_block_threshold"`
	UseRandomIOTweak   bool              `yaml:"use_random_io_tweak"`
	InitialEraseCount  uint32            `yaml:"initial_erase_count"`
}

// Refresh groups the retention-driven refresh engine knobs.
type Refresh struct {
	// Period is the scheduler firing period in seconds; 0 disables refresh.
	Period     uint64 `yaml:"period"`
	FilterNum  uint32 `yaml:"filter_num"`
	FilterSize uint32 `yaml:"filter_size"`
	// Threshold is the retention age in nanoseconds used by the
	// policy-driven refresh victim scan.
	Threshold    uint64              `yaml:"threshold"`
	Policy       types.RefreshPolicy `yaml:"policy"`
	ECCThreshold float64             `yaml:"ecc_threshold"`
}

// Error holds the analytic RBER model terms.
type Error struct {
	Temperature float64 `yaml:"temperature"`
	Epsilon     float64 `yaml:"epsilon"`
	Alpha       float64 `yaml:"alpha"`
	Beta        float64 `yaml:"beta"`
	KTerm       float64 `yaml:"k_term"`
	MTerm       float64 `yaml:"m_term"`
	NTerm       float64 `yaml:"n_term"`
	Sigma       float64 `yaml:"sigma"`
}

// Timing holds the PAL and DRAM latency constants in nanoseconds.
type Timing struct {
	PALReadLatency    uint64 `yaml:"pal_read_latency"`
	PALWriteLatency   uint64 `yaml:"pal_write_latency"`
	PALEraseLatency   uint64 `yaml:"pal_erase_latency"`
	DRAMAccessLatency uint64 `yaml:"dram_access_latency"`
}

// Workload drives the synthetic workload of the simulate command.
type Workload struct {
	RequestCount uint64  `yaml:"request_count"`
	WriteRatio   float64 `yaml:"write_ratio"`
}

// Config is the effective simulator configuration.
type Config struct {
	Device     Device   `yaml:"device"`
	FTL        FTL      `yaml:"ftl"`
	Refresh    Refresh  `yaml:"refresh"`
	Error      Error    `yaml:"error"`
	Timing     Timing   `yaml:"timing"`
	Workload   Workload `yaml:"workload"`
	RandomSeed int64    `yaml:"random_seed"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device.pages_in_block", 512)
	v.SetDefault("device.io_unit_in_page", 1)
	v.SetDefault("device.page_size", 16384)
	v.SetDefault("device.physical_blocks", 1024)
	v.SetDefault("device.logical_blocks", 896)
	v.SetDefault("device.parallelism", 4)

	v.SetDefault("ftl.fill_ratio", 0.8)
	v.SetDefault("ftl.invalid_page_ratio", 0.0)
	v.SetDefault("ftl.filling_mode", "seq")
	v.SetDefault("ftl.gc_threshold_ratio", 0.05)
	v.SetDefault("ftl.gc_reclaim_threshold", 0.1)
	v.SetDefault("ftl.gc_reclaim_blocks", 1)
	v.SetDefault("ftl.gc_mode", 0)
	v.SetDefault("ftl.gc_evict_policy", "greedy")
	v.SetDefault("ftl.gc_d_choice_param", 3)
	v.SetDefault("ftl.bad_block_threshold", 100000)
	v.SetDefault("ftl.use_random_io_tweak", true)
	v.SetDefault("ftl.initial_erase_count", 0)

	v.SetDefault("refresh.period", 0)
	v.SetDefault("refresh.filter_num", 4)
	v.SetDefault("refresh.filter_size", 0)
	v.SetDefault("refresh.threshold", 2592000000000000) // 30 days in ns
	v.SetDefault("refresh.policy", 0)
	v.SetDefault("refresh.ecc_threshold", 0.01)

	v.SetDefault("error.temperature", 358.15)
	v.SetDefault("error.epsilon", 1e-5)
	v.SetDefault("error.alpha", 2e-9)
	v.SetDefault("error.beta", 1e-11)
	v.SetDefault("error.k_term", 1.0)
	v.SetDefault("error.m_term", 0.5)
	v.SetDefault("error.n_term", 1.1)
	v.SetDefault("error.sigma", 0.1)

	v.SetDefault("timing.pal_read_latency", 50000)
	v.SetDefault("timing.pal_write_latency", 600000)
	v.SetDefault("timing.pal_erase_latency", 3000000)
	v.SetDefault("timing.dram_access_latency", 50)

	v.SetDefault("workload.request_count", 100000)
	v.SetDefault("workload.write_ratio", 0.7)

	v.SetDefault("random_seed", 84735)
}

// Load builds the effective configuration. path may be empty to run on
// defaults and environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SIMPLESSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	fillingMode, err := types.ParseFillingMode(v.GetString("ftl.filling_mode"))
	if err != nil {
		return nil, fmt.Errorf("invalid ftl.filling_mode: %w", err)
	}
	evictPolicy, err := types.ParseEvictPolicy(v.GetString("ftl.gc_evict_policy"))
	if err != nil {
		return nil, fmt.Errorf("invalid ftl.gc_evict_policy: %w", err)
	}

	cfg := &Config{
		Device: Device{
			PagesInBlock:   v.GetUint32("device.pages_in_block"),
			IOUnitInPage:   v.GetUint32("device.io_unit_in_page"),
			PageSize:       v.GetUint32("device.page_size"),
			PhysicalBlocks: v.GetUint32("device.physical_blocks"),
			LogicalBlocks:  v.GetUint32("device.logical_blocks"),
			Parallelism:    v.GetUint32("device.parallelism"),
		},
		FTL: FTL{
			FillRatio:          v.GetFloat64("ftl.fill_ratio"),
			InvalidPageRatio:   v.GetFloat64("ftl.invalid_page_ratio"),
			FillingMode:        fillingMode,
			GCThresholdRatio:   v.GetFloat64("ftl.gc_threshold_ratio"),
			GCReclaimThreshold: v.GetFloat64("ftl.gc_reclaim_threshold"),
			GCReclaimBlocks:    v.GetUint64("ftl.gc_reclaim_blocks"),
			GCMode:             types.GCMode(v.GetUint32("ftl.gc_mode")),
			EvictPolicy:        evictPolicy,
			DChoiceParam:       v.GetUint64("ftl.gc_d_choice_param"),
			BadBlockThreshold:  v.GetUint32("ftl.bad_block_threshold"),
			UseRandomIOTweak:   v.GetBool("ftl.use_random_io_tweak"),
			InitialEraseCount:  v.GetUint32("ftl.initial_erase_count"),
		},
		Refresh: Refresh{
			Period:       v.GetUint64("refresh.period"),
			FilterNum:    v.GetUint32("refresh.filter_num"),
			FilterSize:   v.GetUint32("refresh.filter_size"),
			Threshold:    v.GetUint64("refresh.threshold"),
			Policy:       types.RefreshPolicy(v.GetUint32("refresh.policy")),
			ECCThreshold: v.GetFloat64("refresh.ecc_threshold"),
		},
		Error: Error{
			Temperature: v.GetFloat64("error.temperature"),
			Epsilon:     v.GetFloat64("error.epsilon"),
			Alpha:       v.GetFloat64("error.alpha"),
			Beta:        v.GetFloat64("error.beta"),
			KTerm:       v.GetFloat64("error.k_term"),
			MTerm:       v.GetFloat64("error.m_term"),
			NTerm:       v.GetFloat64("error.n_term"),
			Sigma:       v.GetFloat64("error.sigma"),
		},
		Timing: Timing{
			PALReadLatency:    v.GetUint64("timing.pal_read_latency"),
			PALWriteLatency:   v.GetUint64("timing.pal_write_latency"),
			PALEraseLatency:   v.GetUint64("timing.pal_erase_latency"),
			DRAMAccessLatency: v.GetUint64("timing.dram_access_latency"),
		},
		Workload: Workload{
			RequestCount: v.GetUint64("workload.request_count"),
			WriteRatio:   v.GetFloat64("workload.write_ratio"),
		},
		RandomSeed: v.GetInt64("random_seed"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the simulator cannot run.
func (c *Config) Validate() error {
	if err := c.Parameter().Validate(); err != nil {
		return fmt.Errorf("invalid device geometry: %w", err)
	}

	for _, r := range []struct {
		name  string
		value float64
	}{
		{"ftl.fill_ratio", c.FTL.FillRatio},
		{"ftl.invalid_page_ratio", c.FTL.InvalidPageRatio},
		{"ftl.gc_threshold_ratio", c.FTL.GCThresholdRatio},
		{"ftl.gc_reclaim_threshold", c.FTL.GCReclaimThreshold},
		{"workload.write_ratio", c.Workload.WriteRatio},
	} {
		if r.value < 0 || r.value > 1 {
			return fmt.Errorf("%s must be in [0, 1], got %g", r.name, r.value)
		}
	}

	if c.FTL.GCMode != types.GCModeFixed && c.FTL.GCMode != types.GCModeThreshold {
		return fmt.Errorf("ftl.gc_mode must be 0 or 1, got %d", c.FTL.GCMode)
	}
	if c.FTL.EvictPolicy == types.EvictDChoice && c.FTL.DChoiceParam == 0 {
		return fmt.Errorf("ftl.gc_d_choice_param must be nonzero for the dchoice policy")
	}
	if c.Refresh.Period > 0 && c.Refresh.FilterNum == 0 {
		return fmt.Errorf("refresh.filter_num must be nonzero when refresh is enabled")
	}
	if c.Refresh.ECCThreshold <= 0 || c.Refresh.ECCThreshold >= 1 {
		return fmt.Errorf("refresh.ecc_threshold must be in (0, 1), got %g", c.Refresh.ECCThreshold)
	}
	if c.Error.Temperature <= 0 {
		return fmt.Errorf("error.temperature must be positive kelvin, got %g", c.Error.Temperature)
	}

	return nil
}

// Parameter derives the FTL geometry block from the device section.
func (c *Config) Parameter() types.Parameter {
	return types.Parameter{
		PagesInBlock:        c.Device.PagesInBlock,
		IOUnitInPage:        c.Device.IOUnitInPage,
		PageSize:            c.Device.PageSize,
		TotalPhysicalBlocks: c.Device.PhysicalBlocks,
		TotalLogicalBlocks:  c.Device.LogicalBlocks,
		PageCountToMaxPerf:  c.Device.Parallelism,
	}
}
