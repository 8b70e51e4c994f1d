package main

import (
	"fmt"
	"math/rand"
	"sort"
)

// SampleConfig holds configuration for text generation sampling.
type SampleConfig struct {
	Temperature float64 // 0 = greedy
	TopK        int     // 0 = disabled
	TopP        float64 // 0 = disabled
	MaxTokens   int
	StopToken   int // generation ends after this token; -1 disables
}

// DefaultSampleConfig returns moderate sampling settings.
func DefaultSampleConfig() SampleConfig {
	return SampleConfig{
		Temperature: 0.8,
		TopK:        40,
		TopP:        0.9,
		MaxTokens:   128,
		StopToken:   eosTokenID,
	}
}

// Generate extends prompt autoregressively and returns only the new
// tokens. With UseCache set in the model config each step feeds a single
// token through the KV cache; otherwise the whole context is recomputed.
func (g *GPT) Generate(prompt []int, cfg SampleConfig, rng *rand.Rand) ([]int, error) {
	if len(prompt) == 0 {
		return nil, fmt.Errorf("generate: empty prompt")
	}

	maxLen := g.config.MaxPositionEmbeddings
	if len(prompt) >= maxLen {
		prompt = prompt[len(prompt)-maxLen+1:]
	}

	var kv *KVCache
	if g.config.UseCache {
		kv = NewKVCache(len(g.blocks), maxLen, g.config.HiddenSize)
	}

	context := append([]int(nil), prompt...)
	pending := context
	var out []int

	for len(out) < cfg.MaxTokens && len(context) < maxLen {
		var logits *Tensor
		if kv != nil {
			var err error
			logits, err = g.forwardCached(pending, kv)
			if err != nil {
				return out, err
			}
		} else {
			logits = g.Forward(context)
		}

		last := logits.Row(logits.shape[0] - 1)
		next := sample(last, cfg, rng)

		out = append(out, next)
		context = append(context, next)
		pending = []int{next}

		if next == cfg.StopToken {
			break
		}
	}

	return out, nil
}

// sample picks a token from logits using temperature, top-k and top-p.
func sample(logits []float64, cfg SampleConfig, rng *rand.Rand) int {
	if cfg.Temperature == 0.0 {
		return argmax(logits)
	}

	scaled := make([]float64, len(logits))
	for i, logit := range logits {
		scaled[i] = logit / cfg.Temperature
	}

	probs := make([]float64, len(scaled))
	softmaxInto(probs, scaled)

	if cfg.TopK > 0 {
		probs = applyTopK(probs, cfg.TopK)
	}
	if cfg.TopP > 0.0 && cfg.TopP < 1.0 {
		probs = applyTopP(probs, cfg.TopP)
	}

	return sampleFromDistribution(probs, rng)
}

func argmax(data []float64) int {
	best := 0
	for i := 1; i < len(data); i++ {
		if data[i] > data[best] {
			best = i
		}
	}
	return best
}

// rankByProb returns token indices ordered by descending probability.
// Ties keep index order so results are reproducible.
func rankByProb(probs []float64) []int {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return probs[idx[a]] > probs[idx[b]]
	})
	return idx
}

// applyTopK keeps the k most likely tokens and renormalizes.
func applyTopK(probs []float64, k int) []float64 {
	if k <= 0 || k >= len(probs) {
		return probs
	}

	filtered := make([]float64, len(probs))
	total := 0.0
	for _, i := range rankByProb(probs)[:k] {
		filtered[i] = probs[i]
		total += probs[i]
	}
	return renormalize(filtered, total)
}

// applyTopP keeps the smallest set of tokens whose cumulative probability
// reaches p (nucleus sampling).
func applyTopP(probs []float64, p float64) []float64 {
	if p <= 0.0 || p >= 1.0 {
		return probs
	}

	filtered := make([]float64, len(probs))
	total := 0.0
	for _, i := range rankByProb(probs) {
		if total >= p {
			break
		}
		filtered[i] = probs[i]
		total += probs[i]
	}
	return renormalize(filtered, total)
}

func renormalize(probs []float64, total float64) []float64 {
	if total > 0 {
		for i := range probs {
			probs[i] /= total
		}
	}
	return probs
}

// sampleFromDistribution draws an index from a probability distribution.
func sampleFromDistribution(probs []float64, rng *rand.Rand) int {
	r := rng.Float64()

	cum := 0.0
	last := 0
	for i, p := range probs {
		if p == 0 {
			continue
		}
		cum += p
		last = i
		if r < cum {
			return i
		}
	}
	return last
}
