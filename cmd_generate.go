package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RunGenerateCommand implements the text generation CLI.
func RunGenerateCommand(args []string, stdout io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)

	// Model and adapter directories
	modelDir := fs.String("model", "", "Base model directory (required)")
	adapterDir := fs.String("adapter", "", "LoRA adapter directory to merge into the base model")
	tokenizerDir := fs.String("tokenizer", "", "Tokenizer directory (defaults to the adapter, then the model directory)")
	trustRemote := fs.Bool("trust-remote-code", false, "Allow tokenizers that fetch encodings from the network (tiktoken)")

	// Generation parameters
	prompt := fs.String("prompt", "", "Text prompt for generation")
	instruction := fs.String("instruction", "", "Instruction; formatted with the fine-tuning template")
	interactive := fs.Bool("interactive", false, "Interactive mode (REPL)")
	maxTokens := fs.Int("max-tokens", 128, "Maximum number of tokens to generate")
	seed := fs.Int64("seed", 0, "Sampling seed (0 = time based)")

	// Sampling parameters
	defaults := DefaultSampleConfig()
	temperature := fs.Float64("temperature", defaults.Temperature, "Temperature for sampling (0=greedy, higher=more random)")
	topK := fs.Int("top-k", defaults.TopK, "Top-k sampling (0=disabled)")
	topP := fs.Float64("top-p", defaults.TopP, "Top-p (nucleus) sampling (0=disabled)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *modelDir == "" {
		return fmt.Errorf("--model is required")
	}

	model, _, err := LoadModel(ModelOptions{ModelName: *modelDir, DeviceMap: "auto", Logger: logger})
	if err != nil {
		return err
	}

	if *adapterDir != "" {
		peft, err := LoadAdapter(model, *adapterDir)
		if err != nil {
			return err
		}
		model = peft.MergeAndUnload()
		logger.Info("merged adapter", "adapter", *adapterDir)
	}
	model.SetUseCache(true)
	model.Eval()

	tokDir := *tokenizerDir
	if tokDir == "" {
		tokDir = *modelDir
		if *adapterDir != "" {
			if _, err := os.Stat(filepath.Join(*adapterDir, tokenizerConfigFile)); err == nil {
				tokDir = *adapterDir
			}
		}
	}
	tok, err := LoadTokenizer(TokenizerOptions{ModelName: tokDir, TrustRemoteCode: *trustRemote})
	if err != nil {
		return err
	}

	cfg := SampleConfig{
		Temperature: *temperature,
		TopK:        *topK,
		TopP:        *topP,
		MaxTokens:   *maxTokens,
		StopToken:   tok.EOSTokenID,
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	if *interactive {
		return runInteractive(model, tok, &cfg, rng, os.Stdin, stdout)
	}

	text := *prompt
	if *instruction != "" {
		text = instructionPrompt(*instruction)
	}
	if text == "" {
		return fmt.Errorf("one of --prompt, --instruction or --interactive is required")
	}

	out, err := generateText(model, tok, text, cfg, rng)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, out)
	return nil
}

// instructionPrompt renders an instruction with an empty response, so the
// model continues where the fine-tuning targets began.
func instructionPrompt(instruction string) string {
	return FormatPrompt(Record{Instruction: instruction})
}

// generateText encodes prompt, samples a continuation and decodes it.
func generateText(model *GPT, tok *Tokenizer, prompt string, cfg SampleConfig, rng *rand.Rand) (string, error) {
	ids := tok.Encode(prompt)
	if len(ids) == 0 {
		return "", fmt.Errorf("prompt encoding resulted in zero tokens")
	}

	out, err := model.Generate(ids, cfg, rng)
	if err != nil {
		return "", err
	}
	return tok.Decode(out), nil
}

// runInteractive runs an interactive text generation REPL.
func runInteractive(model *GPT, tok *Tokenizer, cfg *SampleConfig, rng *rand.Rand, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "Enter instructions to generate a response. Type 'quit' or 'exit' to stop.")
	fmt.Fprintln(out, "Commands: /temp <v>, /topk <n>, /topp <v>, /tokens <n>, /config")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}

		if strings.HasPrefix(line, "/") {
			if err := handleCommand(line, cfg, out); err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
			}
			continue
		}

		text, err := generateText(model, tok, instructionPrompt(line), *cfg, rng)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, text)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading input: %w", err)
	}
	return nil
}

// handleCommand handles interactive mode commands.
func handleCommand(cmd string, cfg *SampleConfig, out io.Writer) error {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return nil
	}
	if parts[0] != "/config" && len(parts) < 2 {
		return fmt.Errorf("usage: %s <value>", parts[0])
	}

	switch parts[0] {
	case "/temp":
		if _, err := fmt.Sscanf(parts[1], "%f", &cfg.Temperature); err != nil {
			return fmt.Errorf("invalid temperature value: %w", err)
		}
	case "/topk":
		if _, err := fmt.Sscanf(parts[1], "%d", &cfg.TopK); err != nil {
			return fmt.Errorf("invalid top-k value: %w", err)
		}
	case "/topp":
		if _, err := fmt.Sscanf(parts[1], "%f", &cfg.TopP); err != nil {
			return fmt.Errorf("invalid top-p value: %w", err)
		}
	case "/tokens":
		if _, err := fmt.Sscanf(parts[1], "%d", &cfg.MaxTokens); err != nil {
			return fmt.Errorf("invalid max tokens value: %w", err)
		}
	case "/config":
	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}

	fmt.Fprintf(out, "temperature=%.2f top-k=%d top-p=%.2f max-tokens=%d\n",
		cfg.Temperature, cfg.TopK, cfg.TopP, cfg.MaxTokens)
	return nil
}
