package cmd

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"

	"gopkg.in/yaml.v3"
)

// MaxTokenID bounds generated token ids.
const MaxTokenID = 32000

// Workload describes a synthetic request mix. Every request shares a prefix
// of PrefixTokens tokens followed by a Gaussian-length unique suffix.
type Workload struct {
	NumRequests       int `yaml:"num_requests"`
	PrefixTokens      int `yaml:"prefix_tokens"`
	PromptTokensMean  int `yaml:"prompt_tokens"`
	PromptTokensStdev int `yaml:"prompt_tokens_stdev"`
	PromptTokensMin   int `yaml:"prompt_tokens_min"`
	PromptTokensMax   int `yaml:"prompt_tokens_max"`
	OutputTokensMean  int `yaml:"output_tokens"`
	OutputTokensStdev int `yaml:"output_tokens_stdev"`
	OutputTokensMin   int `yaml:"output_tokens_min"`
	OutputTokensMax   int `yaml:"output_tokens_max"`
}

// WorkloadFile is a set of named preset workloads.
type WorkloadFile struct {
	Workloads map[string]Workload `yaml:"workloads"`
}

// Request is one generation request fed to the engine.
type Request struct {
	ID           string
	Prompt       []int
	MaxNewTokens int
}

// LoadWorkload returns the named preset from a workloads YAML file.
func LoadWorkload(path, name string) (Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Workload{}, fmt.Errorf("reading workloads: %w", err)
	}
	var wf WorkloadFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return Workload{}, fmt.Errorf("parsing workloads: %w", err)
	}
	w, ok := wf.Workloads[name]
	if !ok {
		return Workload{}, fmt.Errorf("workload %q not found in %s", name, path)
	}
	return w, nil
}

// Generate builds the requests of w. The same seed yields the same requests.
func (w Workload) Generate(seed int64) []Request {
	rng := rand.New(rand.NewSource(seed))
	prefix := randomTokenIDs(rng, w.PrefixTokens)

	reqs := make([]Request, 0, w.NumRequests)
	for i := 0; i < w.NumRequests; i++ {
		promptLen := lengthGauss(rng, w.PromptTokensMean, w.PromptTokensStdev, w.PromptTokensMin, w.PromptTokensMax)
		prompt := append(append([]int(nil), prefix...), randomTokenIDs(rng, promptLen)...)
		outLen := lengthGauss(rng, w.OutputTokensMean, w.OutputTokensStdev, w.OutputTokensMin, w.OutputTokensMax)
		reqs = append(reqs, Request{
			ID:           fmt.Sprintf("request_%d", i),
			Prompt:       prompt,
			MaxNewTokens: outLen,
		})
	}
	return reqs
}

// lengthGauss samples a Gaussian length clamped to [lengthMin, lengthMax].
func lengthGauss(rng *rand.Rand, lengthMean, lengthStd, lengthMin, lengthMax int) int {
	if lengthMin == lengthMax {
		return lengthMin
	}
	val := rng.NormFloat64()*float64(lengthStd) + float64(lengthMean)
	clamped := math.Min(float64(lengthMax), math.Max(float64(lengthMin), val))
	return int(math.Round(clamped))
}

func randomTokenIDs(rng *rand.Rand, n int) []int {
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = rng.Intn(MaxTokenID)
	}
	return tokens
}

// Conversation is a single tokenized chat turn.
type Conversation struct {
	From  string `json:"from"`
	Value []int  `json:"value"`
}

// DataEntry is one top-level object of a tokenized conversation dump.
type DataEntry struct {
	ID            string         `json:"id"`
	Conversations []Conversation `json:"conversations"`
}

// LoadRequests reads a tokenized conversation dump and turns the first
// human/gpt pair of each entry into a request. The gpt turn length becomes
// the generation limit.
func LoadRequests(path string) ([]Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading requests: %w", err)
	}
	var entries []DataEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing requests: %w", err)
	}

	var reqs []Request
	for _, entry := range entries {
		for i := 0; i+1 < len(entry.Conversations); i++ {
			human, gpt := entry.Conversations[i], entry.Conversations[i+1]
			if human.From != "human" || gpt.From != "gpt" || len(human.Value) == 0 {
				continue
			}
			reqs = append(reqs, Request{ID: entry.ID, Prompt: human.Value, MaxNewTokens: len(gpt.Value)})
			break
		}
	}
	return reqs, nil
}
