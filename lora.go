package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Low-rank adaptation
// ===========================================================================
//
// Fine-tuning every weight of a model needs optimizer state for every
// weight. LoRA freezes the base model and learns a low-rank update for a
// chosen set of projections instead:
//
//	W' = W + (alpha / r) · A · B        A: (in, r)   B: (r, out)
//
// With r much smaller than in and out, the trainable parameter count drops
// by orders of magnitude. Only the adapters are saved after training, and
// MergeAndUnload folds them back into W for inference.
//
// Target modules are matched against Linear names. "q_proj" matches every
// blocks.<i>.attn.q_proj; a full dotted name matches only that layer.
// ===========================================================================

const (
	adapterConfigFile  = "adapter_config.json"
	adapterWeightsFile = "adapter_model.bin"

	defaultLoraDropout = 0.05
)

// ErrTargetModulesNotFound is returned when no Linear matches any target.
var ErrTargetModulesNotFound = errors.New("not found in the base model")

// LoraConfig describes the adapters to inject. It is saved as
// adapter_config.json next to the adapter weights.
type LoraConfig struct {
	PeftType            string   `json:"peft_type"`
	TaskType            string   `json:"task_type"`
	R                   int      `json:"r"`
	Alpha               float64  `json:"lora_alpha"`
	Dropout             float64  `json:"lora_dropout"`
	TargetModules       []string `json:"target_modules"`
	Bias                string   `json:"bias"`
	BaseModelNameOrPath string   `json:"base_model_name_or_path,omitempty"`
}

// NewLoraConfig returns a causal-LM adapter config with dropout 0.05 and
// no bias training.
func NewLoraConfig(r int, alpha float64, targets []string) LoraConfig {
	return LoraConfig{
		PeftType:      "LORA",
		TaskType:      "CAUSAL_LM",
		R:             r,
		Alpha:         alpha,
		Dropout:       defaultLoraDropout,
		TargetModules: targets,
		Bias:          "none",
	}
}

// Validate rejects configurations the adapter layer cannot build.
func (c LoraConfig) Validate() error {
	if c.R <= 0 {
		return fmt.Errorf("lora: r must be positive, got %d", c.R)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("lora: dropout must be in [0, 1), got %g", c.Dropout)
	}
	if len(c.TargetModules) == 0 {
		return fmt.Errorf("lora: target_modules is empty")
	}
	if c.Bias != "" && c.Bias != "none" {
		return fmt.Errorf("lora: bias %q is not supported", c.Bias)
	}
	if c.TaskType != "" && c.TaskType != "CAUSAL_LM" {
		return fmt.Errorf("lora: task type %q is not supported", c.TaskType)
	}
	return nil
}

// matchesTarget reports whether a dotted module name is selected by a
// target: exact match or a match on a dotted suffix.
func matchesTarget(name, target string) bool {
	return name == target || strings.HasSuffix(name, "."+target)
}

// PeftModel is a base model with adapters attached. Everything except the
// adapters is frozen.
type PeftModel struct {
	*GPT

	config  LoraConfig
	targets []*Linear
}

var _ CausalLM = (*PeftModel)(nil)

// GetPeftModel freezes model and injects adapters into every Linear that
// matches cfg.TargetModules. rng initializes the A matrices.
func GetPeftModel(model *GPT, cfg LoraConfig, rng *rand.Rand) (*PeftModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var targets []*Linear
	for _, l := range model.NamedLinears() {
		for _, t := range cfg.TargetModules {
			if matchesTarget(l.name, t) {
				targets = append(targets, l)
				break
			}
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("target modules %v %w", cfg.TargetModules, ErrTargetModulesNotFound)
	}

	for _, p := range model.Parameters() {
		p.SetRequiresGrad(false)
	}
	for _, l := range targets {
		l.attachLoRA(cfg.R, cfg.Alpha, cfg.Dropout, rng)
	}

	return &PeftModel{GPT: model, config: cfg, targets: targets}, nil
}

// LoraConfig returns the adapter configuration.
func (m *PeftModel) LoraConfig() LoraConfig {
	return m.config
}

// ParameterCounts returns the trainable and total parameter counts,
// adapters included in both.
func (m *PeftModel) ParameterCounts() (trainable, all int) {
	for _, p := range m.Parameters() {
		all += p.Size()
		if p.requiresGrad {
			trainable += p.Size()
		}
	}
	return trainable, all
}

// PrintTrainableParameters writes the trainable parameter summary.
func (m *PeftModel) PrintTrainableParameters(w io.Writer) {
	trainable, all := m.ParameterCounts()
	pct := 0.0
	if all > 0 {
		pct = 100 * float64(trainable) / float64(all)
	}
	fmt.Fprintf(w, "trainable params: %s || all params: %s || trainable%%: %.4f\n",
		humanize.Comma(int64(trainable)), humanize.Comma(int64(all)), pct)
}

func (m *PeftModel) adapterTensors() []namedTensor {
	var out []namedTensor
	for _, l := range m.targets {
		out = append(out,
			namedTensor{l.name + ".lora_A.weight", l.lora.a},
			namedTensor{l.name + ".lora_B.weight", l.lora.b},
		)
	}
	return out
}

// SavePretrained writes only the adapter: adapter_config.json and
// adapter_model.bin.
func (m *PeftModel) SavePretrained(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("lora: create %s: %w", dir, err)
	}

	cfg, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return fmt.Errorf("lora: marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, adapterConfigFile), cfg, 0o644); err != nil {
		return fmt.Errorf("lora: write config: %w", err)
	}

	if err := writeWeights(filepath.Join(dir, adapterWeightsFile), m.adapterTensors()); err != nil {
		return fmt.Errorf("lora: %w", err)
	}
	return nil
}

// LoadAdapter attaches a saved adapter to model.
func LoadAdapter(model *GPT, dir string) (*PeftModel, error) {
	raw, err := os.ReadFile(filepath.Join(dir, adapterConfigFile))
	if err != nil {
		return nil, fmt.Errorf("lora: read config: %w", err)
	}

	var cfg LoraConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("lora: parse %s: %w", adapterConfigFile, err)
	}

	// A is overwritten from the file; the seed only fills it in between.
	peft, err := GetPeftModel(model, cfg, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}

	weights, err := readWeights(filepath.Join(dir, adapterWeightsFile))
	if err != nil {
		return nil, fmt.Errorf("lora: %w", err)
	}
	if err := assignWeights(peft.adapterTensors(), weights); err != nil {
		return nil, fmt.Errorf("lora: %w", err)
	}
	return peft, nil
}

// MergeAndUnload folds every adapter into its base weight and returns the
// plain model. Base weights stay frozen.
func (m *PeftModel) MergeAndUnload() *GPT {
	for _, l := range m.targets {
		l.merge()
	}
	m.targets = nil
	return m.GPT
}
