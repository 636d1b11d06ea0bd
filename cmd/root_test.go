package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/pagedserve/surge"
)

func smallConfig() surge.Config {
	cfg := surge.DefaultConfig()
	cfg.Esurge.PageSize = 16
	cfg.Esurge.KernelBlockSize = 16
	cfg.Esurge.HBMUtilization = 1
	cfg.Esurge.MaxModelLen = 1024
	cfg.Device.TotalPages = 64
	return cfg
}

func TestWorkload_Generate_SameSeedIdentical(t *testing.T) {
	w := Workload{NumRequests: 8, PrefixTokens: 4, PromptTokensMean: 20, PromptTokensStdev: 5,
		PromptTokensMin: 10, PromptTokensMax: 30, OutputTokensMean: 8, OutputTokensStdev: 2,
		OutputTokensMin: 1, OutputTokensMax: 16}

	assert.Equal(t, w.Generate(1), w.Generate(1))
	assert.NotEqual(t, w.Generate(1), w.Generate(2))
}

func TestWorkload_Generate_SharesPrefixAndClampsLengths(t *testing.T) {
	// GIVEN a workload with a 6-token shared prefix
	w := Workload{NumRequests: 20, PrefixTokens: 6, PromptTokensMean: 50, PromptTokensStdev: 100,
		PromptTokensMin: 3, PromptTokensMax: 9, OutputTokensMin: 4, OutputTokensMax: 4}

	// WHEN generated
	reqs := w.Generate(42)

	// THEN every prompt starts with the same prefix and lengths stay in bounds
	require.Len(t, reqs, 20)
	for _, r := range reqs {
		assert.Equal(t, reqs[0].Prompt[:6], r.Prompt[:6])
		assert.GreaterOrEqual(t, len(r.Prompt), 9)
		assert.LessOrEqual(t, len(r.Prompt), 15)
		assert.Equal(t, 4, r.MaxNewTokens)
		for _, tok := range r.Prompt {
			assert.Less(t, tok, MaxTokenID)
		}
	}
}

func TestLoadWorkload_Preset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workloads.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workloads:
  chat:
    num_requests: 3
    prefix_tokens: 10
    prompt_tokens_min: 5
    prompt_tokens_max: 5
`), 0o644))

	w, err := LoadWorkload(path, "chat")
	require.NoError(t, err)
	assert.Equal(t, 3, w.NumRequests)
	assert.Equal(t, 10, w.PrefixTokens)

	_, err = LoadWorkload(path, "summarize")
	assert.Error(t, err)
}

func TestLoadRequests_FirstHumanGPTPair(t *testing.T) {
	// GIVEN a dump whose second entry has no human turn
	path := filepath.Join(t.TempDir(), "requests.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
  {"id": "a", "conversations": [
    {"from": "system", "value": [9]},
    {"from": "human", "value": [1, 2, 3]},
    {"from": "gpt", "value": [4, 5]},
    {"from": "human", "value": [6]},
    {"from": "gpt", "value": [7]}
  ]},
  {"id": "b", "conversations": [{"from": "gpt", "value": [1]}]}
]`), 0o644))

	// WHEN loaded
	reqs, err := LoadRequests(path)

	// THEN only the first pair of the first entry becomes a request
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, Request{ID: "a", Prompt: []int{1, 2, 3}, MaxNewTokens: 2}, reqs[0])
}

func TestRunWorkload_PrintsSummary(t *testing.T) {
	// GIVEN a shared-prefix workload and one request too long for the model
	w := Workload{NumRequests: 6, PrefixTokens: 32, PromptTokensMin: 8, PromptTokensMax: 24,
		PromptTokensMean: 16, PromptTokensStdev: 4, OutputTokensMin: 2, OutputTokensMax: 6,
		OutputTokensMean: 4, OutputTokensStdev: 1}
	reqs := append(w.Generate(7), Request{ID: "huge", Prompt: make([]int, 2048), MaxNewTokens: 1})
	vocab = 1000
	var out bytes.Buffer

	// WHEN run to completion
	require.NoError(t, runWorkload(context.Background(), smallConfig(), reqs, &out))

	// THEN the summary reports the finished and rejected requests
	s := out.String()
	assert.Contains(t, s, "=== Engine Summary ===")
	assert.Contains(t, s, "Rejected Requests    : 1")
}

func TestConfigCmd_PrintsMergedConfigWithSeedOverride(t *testing.T) {
	// GIVEN a config file overriding the page size
	path := filepath.Join(t.TempDir(), "surge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("esurge:\n  page_size: 64\n"), 0o644))
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "--config", path, "--seed", "7"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		configPath = ""
	})

	// WHEN the config command runs
	require.NoError(t, rootCmd.Execute())

	// THEN the printed YAML carries both overrides over the defaults
	var got surge.Config
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, 64, got.Esurge.PageSize)
	assert.Equal(t, int64(7), got.Vsurge.Seed)
	assert.Equal(t, surge.DefaultConfig().Vsurge.MaxConcurrentDecodes, got.Vsurge.MaxConcurrentDecodes)
}
