package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestAdapter trains nothing but saves a LoRA adapter with a
// non-zero update, plus the tokenizer, into a fresh directory.
func writeTestAdapter(t *testing.T, modelDir string) string {
	t.Helper()
	base, err := LoadGPT(modelDir)
	require.NoError(t, err)
	peft, err := GetPeftModel(base, NewLoraConfig(2, 4, []string{"q_proj", "v_proj"}), rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	randomizeB(peft, 4)

	dir := filepath.Join(t.TempDir(), "adapter")
	require.NoError(t, peft.SavePretrained(dir))
	tok, err := LoadTokenizer(TokenizerOptions{ModelName: modelDir})
	require.NoError(t, err)
	require.NoError(t, tok.SavePretrained(dir))
	return dir
}

func TestRunGenerateCommandWithAdapter(t *testing.T) {
	restoreComputeConfig(t)
	modelDir := filepath.Join(t.TempDir(), "base")
	_, tok := writeTestBaseModel(t, modelDir)
	adapterDir := writeTestAdapter(t, modelDir)

	var stdout bytes.Buffer
	err := RunGenerateCommand([]string{
		"-model", modelDir,
		"-adapter", adapterDir,
		"-prompt", "func main",
		"-temperature", "0",
		"-max-tokens", "6",
		"-seed", "1",
	}, &stdout, discardLogger())
	require.NoError(t, err)

	// Same result computed directly from the merged model.
	base, err := LoadGPT(modelDir)
	require.NoError(t, err)
	peft, err := LoadAdapter(base, adapterDir)
	require.NoError(t, err)
	merged := peft.MergeAndUnload()
	merged.SetUseCache(true)
	merged.Eval()

	cfg := DefaultSampleConfig()
	cfg.Temperature = 0
	cfg.MaxTokens = 6
	want, err := generateText(merged, tok, "func main", cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, want+"\n", stdout.String())
}

func TestRunGenerateCommandErrors(t *testing.T) {
	restoreComputeConfig(t)
	var stdout bytes.Buffer
	assert.ErrorContains(t, RunGenerateCommand(nil, &stdout, discardLogger()), "--model is required")

	modelDir := filepath.Join(t.TempDir(), "base")
	writeTestBaseModel(t, modelDir)
	err := RunGenerateCommand([]string{"-model", modelDir}, &stdout, discardLogger())
	assert.ErrorContains(t, err, "--prompt")
}

func TestRunGenerateCommandTiktokenNeedsTrust(t *testing.T) {
	restoreComputeConfig(t)
	modelDir := filepath.Join(t.TempDir(), "base")
	writeTestBaseModel(t, modelDir)

	cfg, err := json.Marshal(tokenizerConfig{
		TokenizerClass: tokenizerClassTiktoken,
		Encoding:       "cl100k_base",
		ModelMaxLength: 48,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, tokenizerConfigFile), cfg, 0o644))

	err = RunGenerateCommand([]string{"-model", modelDir, "-prompt", "func"}, &bytes.Buffer{}, discardLogger())
	assert.True(t, errors.Is(err, ErrRemoteCodeNotTrusted), "got %v", err)
}

func TestInstructionPrompt(t *testing.T) {
	assert.Equal(t, "### Instruction:\nAdd two numbers\n\n### Response:\n", instructionPrompt("Add two numbers"))
}

func TestHandleCommand(t *testing.T) {
	cfg := DefaultSampleConfig()
	var out bytes.Buffer

	require.NoError(t, handleCommand("/temp 0.5", &cfg, &out))
	require.NoError(t, handleCommand("/topk 7", &cfg, &out))
	require.NoError(t, handleCommand("/topp 0.75", &cfg, &out))
	require.NoError(t, handleCommand("/tokens 12", &cfg, &out))
	assert.Equal(t, 0.5, cfg.Temperature)
	assert.Equal(t, 7, cfg.TopK)
	assert.Equal(t, 0.75, cfg.TopP)
	assert.Equal(t, 12, cfg.MaxTokens)

	out.Reset()
	require.NoError(t, handleCommand("/config", &cfg, &out))
	assert.Equal(t, "temperature=0.50 top-k=7 top-p=0.75 max-tokens=12\n", out.String())

	assert.ErrorContains(t, handleCommand("/temp", &cfg, &out), "usage")
	assert.ErrorContains(t, handleCommand("/topk many", &cfg, &out), "invalid top-k")
	assert.ErrorContains(t, handleCommand("/beam 4", &cfg, &out), "unknown command")
}

func TestRunInteractive(t *testing.T) {
	modelDir := filepath.Join(t.TempDir(), "base")
	model, tok := writeTestBaseModel(t, modelDir)
	model.Eval()

	cfg := DefaultSampleConfig()
	in := strings.NewReader("/temp 0\n/tokens 3\n\n/bogus 1\nreverse a string\nquit\nnever reached\n")
	var out bytes.Buffer
	require.NoError(t, runInteractive(model, tok, &cfg, rand.New(rand.NewSource(1)), in, &out))

	text := out.String()
	assert.Contains(t, text, "temperature=0.00")
	assert.Contains(t, text, "Error: unknown command: /bogus")
	assert.Equal(t, 3, cfg.MaxTokens)
	assert.GreaterOrEqual(t, strings.Count(text, "> "), 6, text)
}
