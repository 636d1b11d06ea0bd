package surge

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EsurgeConfig groups KV paging and admission parameters.
type EsurgeConfig struct {
	PageSize            int     `yaml:"page_size"`             // tokens per page
	HBMUtilization      float64 `yaml:"hbm_utilization"`       // fraction of pages reservable, (0, 1]
	MaxNumSeqs          int     `yaml:"max_num_seqs"`          // max sequences holding pages (prefill + decode)
	MinInputPad         int     `yaml:"min_input_pad"`         // prefill lengths are padded to a multiple of this
	EnablePrefixCaching bool    `yaml:"enable_prefix_caching"` // share full pages across sequences
	MaxModelLen         int     `yaml:"max_model_len"`         // max prompt + generated tokens per sequence
	KernelBlockSize     int     `yaml:"kernel_block_size"`     // kernel block granularity in tokens (0 = page_size)
	HashSeed            string  `yaml:"hash_seed"`             // seed mixed into the root prefix key
	Verbose             bool    `yaml:"verbose"`
}

// VsurgeConfig groups per-step concurrency limits.
type VsurgeConfig struct {
	MaxConcurrentDecodes int   `yaml:"max_concurrent_decodes"`
	MaxConcurrentPrefill int   `yaml:"max_concurrent_prefill"`
	InterleavedMode      bool  `yaml:"interleaved_mode"` // alternate prefill-only and decode-only steps
	BytecodeDecode       bool  `yaml:"bytecode_decode"`  // accepted and ignored; kernels are external
	Seed                 int64 `yaml:"seed"`
	Verbose              bool  `yaml:"verbose"`
}

// SchedulerConfig groups scheduling policy knobs.
type SchedulerConfig struct {
	// MaxSkipAhead bounds how many steps later arrivals may be admitted ahead
	// of a waiting sequence that failed its budget check. 0 = strict FIFO.
	MaxSkipAhead int `yaml:"max_skip_ahead"`
	// MaxPrefillTokens bounds the padded packed prefill length per step. 0 = unlimited.
	MaxPrefillTokens int    `yaml:"max_prefill_tokens"`
	QueueOrder       string `yaml:"queue_order"` // "fcfs" (default) or "priority-fcfs"
}

// DeviceConfig describes the memory the page pool is carved from.
// TotalPages wins when set; otherwise pages are derived from memory size.
type DeviceConfig struct {
	TotalPages      int   `yaml:"total_pages"`
	MemoryBytes     int64 `yaml:"memory_bytes"`
	KVBytesPerToken int64 `yaml:"kv_bytes_per_token"`
}

// Config is the full configuration surface consumed by the engine.
type Config struct {
	Esurge    EsurgeConfig    `yaml:"esurge"`
	Vsurge    VsurgeConfig    `yaml:"vsurge"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Device    DeviceConfig    `yaml:"device"`
}

// DefaultConfig returns the process-wide defaults user configuration is merged over.
func DefaultConfig() Config {
	return Config{
		Esurge: EsurgeConfig{
			PageSize:            128,
			HBMUtilization:      0.80,
			MaxNumSeqs:          32,
			MinInputPad:         16,
			EnablePrefixCaching: true,
			MaxModelLen:         8192,
			KernelBlockSize:     128,
		},
		Vsurge: VsurgeConfig{
			MaxConcurrentDecodes: 8,
			MaxConcurrentPrefill: 1,
			BytecodeDecode:       true,
			Seed:                 448,
		},
		Scheduler: SchedulerConfig{
			MaxSkipAhead: 4,
			QueueOrder:   "fcfs",
		},
		Device: DeviceConfig{
			MemoryBytes:     16 << 30,
			KVBytesPerToken: 128 << 10,
		},
	}
}

// LoadConfig reads a YAML file and merges it over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig merges a YAML document over DefaultConfig. Nested sections
// merge key by key; values present in data always win. Unknown keys are errors.
func ParseConfig(data []byte) (Config, error) {
	base, err := toMap(DefaultConfig())
	if err != nil {
		return Config{}, err
	}
	var user map[string]any
	if err := yaml.Unmarshal(data, &user); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	merged := MergeMaps(base, user)

	out, err := yaml.Marshal(merged)
	if err != nil {
		return Config{}, fmt.Errorf("encoding merged config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(out))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// MergeMaps deep-merges src over dst and returns dst. Nested maps merge
// recursively; any other src value replaces the dst value.
func MergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, sv := range src {
		srcMap, srcIsMap := sv.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[k] = MergeMaps(dstMap, srcMap)
			continue
		}
		dst[k] = sv
	}
	return dst
}

func toMap(cfg Config) (map[string]any, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding defaults: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding defaults: %w", err)
	}
	return m, nil
}

// TotalPages returns the size of the page pool.
func (c Config) TotalPages() int {
	if c.Device.TotalPages > 0 {
		return c.Device.TotalPages
	}
	perPage := int64(c.Esurge.PageSize) * c.Device.KVBytesPerToken
	if perPage <= 0 {
		return 0
	}
	return int(c.Device.MemoryBytes / perPage)
}

// ValidQueueOrders is the set of recognized wait queue orderings.
var ValidQueueOrders = map[string]bool{"": true, "fcfs": true, "priority-fcfs": true}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	e := c.Esurge
	if e.PageSize <= 0 {
		return fmt.Errorf("page_size must be > 0, got %d", e.PageSize)
	}
	if e.HBMUtilization <= 0 || e.HBMUtilization > 1 {
		return fmt.Errorf("hbm_utilization must be in (0, 1], got %v", e.HBMUtilization)
	}
	if e.MaxNumSeqs <= 0 {
		return fmt.Errorf("max_num_seqs must be > 0, got %d", e.MaxNumSeqs)
	}
	if e.MinInputPad < 0 {
		return fmt.Errorf("min_input_pad must be >= 0, got %d", e.MinInputPad)
	}
	if e.MaxModelLen <= 0 {
		return fmt.Errorf("max_model_len must be > 0, got %d", e.MaxModelLen)
	}
	if e.KernelBlockSize < 0 || (e.KernelBlockSize > 0 && e.KernelBlockSize%e.PageSize != 0) {
		return fmt.Errorf("page_size %d must divide kernel_block_size %d", e.PageSize, e.KernelBlockSize)
	}
	if c.Vsurge.MaxConcurrentDecodes <= 0 {
		return fmt.Errorf("max_concurrent_decodes must be > 0, got %d", c.Vsurge.MaxConcurrentDecodes)
	}
	if c.Vsurge.MaxConcurrentPrefill <= 0 {
		return fmt.Errorf("max_concurrent_prefill must be > 0, got %d", c.Vsurge.MaxConcurrentPrefill)
	}
	if c.Scheduler.MaxSkipAhead < 0 {
		return fmt.Errorf("max_skip_ahead must be >= 0, got %d", c.Scheduler.MaxSkipAhead)
	}
	if c.Scheduler.MaxPrefillTokens < 0 {
		return fmt.Errorf("max_prefill_tokens must be >= 0, got %d", c.Scheduler.MaxPrefillTokens)
	}
	if !ValidQueueOrders[c.Scheduler.QueueOrder] {
		return fmt.Errorf("unknown queue_order %q", c.Scheduler.QueueOrder)
	}
	total := c.TotalPages()
	if total <= 0 {
		return fmt.Errorf("device provides no KV pages (total_pages=%d, memory_bytes=%d, kv_bytes_per_token=%d)",
			c.Device.TotalPages, c.Device.MemoryBytes, c.Device.KVBytesPerToken)
	}
	if int(float64(total)*e.HBMUtilization) < 1 {
		return fmt.Errorf("hbm_utilization %v leaves no pages out of %d", e.HBMUtilization, total)
	}
	return nil
}
