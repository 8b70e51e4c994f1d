package main

import (
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// tinyConfig is small enough for finite-difference gradient checks.
func tinyConfig() ModelConfig {
	c := DefaultModelConfig()
	c.VocabSize = 11
	c.MaxPositionEmbeddings = 16
	c.HiddenSize = 8
	c.NumAttentionHeads = 2
	c.NumHiddenLayers = 2
	c.IntermediateSize = 16
	c.InitializerRange = 0.2
	return c
}

func newTinyGPT(t *testing.T, seed int64) *GPT {
	t.Helper()
	g, err := NewGPT(tinyConfig(), rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return g
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lossOf returns the summed token loss of one sequence without touching
// gradients the caller cares about.
func lossOf(m CausalLM, ids, labels []int) float64 {
	loss, _ := m.LossAndGrad(ids, labels, 0)
	return loss
}

// checkGradients compares analytic gradients of the summed loss against
// central differences on a sample of entries of every tensor in params.
func checkGradients(t *testing.T, m CausalLM, params []*Tensor, ids, labels []int) {
	t.Helper()

	m.ZeroGrad()
	m.LossAndGrad(ids, labels, 1.0)

	analytic := make([][]float64, len(params))
	for i, p := range params {
		require.NotNil(t, p.grad, "parameter %d has no gradient buffer", i)
		analytic[i] = append([]float64(nil), p.grad...)
	}

	const h = 1e-5
	for i, p := range params {
		step := max(1, len(p.data)/5)
		for j := 0; j < len(p.data); j += step {
			orig := p.data[j]
			p.data[j] = orig + h
			plus := lossOf(m, ids, labels)
			p.data[j] = orig - h
			minus := lossOf(m, ids, labels)
			p.data[j] = orig

			numeric := (plus - minus) / (2 * h)
			tol := 1e-5 + 1e-3*math.Abs(numeric)
			require.InDeltaf(t, numeric, analytic[i][j], tol, "param %d entry %d", i, j)
		}
	}
}

// writeTestBaseModel saves a small random model and a BPE tokenizer
// trained on the test corpus into dir. The model vocabulary matches the
// tokenizer.
func writeTestBaseModel(t *testing.T, dir string) (*GPT, *Tokenizer) {
	t.Helper()

	corpus := readTestCorpus(t)
	bpe := NewBPE()
	require.NoError(t, bpe.Train(corpus, 300))
	tok := NewTokenizer(bpe, 48)

	cfg := tinyConfig()
	cfg.VocabSize = tok.VocabSize()
	cfg.MaxPositionEmbeddings = 48
	g, err := NewGPT(cfg, rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	require.NoError(t, g.SavePretrained(dir))
	require.NoError(t, tok.SavePretrained(dir))
	return g, tok
}

func readTestCorpus(t *testing.T) []string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join("testdata", "corpus", "*.go"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	var docs []string
	for _, p := range paths {
		b, err := os.ReadFile(p)
		require.NoError(t, err)
		docs = append(docs, string(b))
	}
	return docs
}
