package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// ===========================================================================
// BASE MODEL CLI
// ===========================================================================
//
// Fine-tuning starts from a saved base model directory. This command
// creates one from a directory of text:
//
//  1. Read every file with a matching extension.
//  2. Train a tokenizer on it: byte-level BPE, or a tiktoken encoding
//     remapped onto the tokens the corpus actually uses.
//  3. Create a randomly initialized GPT sized to that vocabulary.
//  4. Optionally pretrain it with the same trainer fine-tuning uses, on
//     fixed-length windows of the tokenized corpus.
//  5. Save config.json, model.bin, tokenizer.txt, tokenizer_config.json.
//
// ===========================================================================

// RunInitCommand implements the base model CLI.
func RunInitCommand(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)

	// I/O
	dataDir := flags.String("data", ".", "Directory of training text")
	exts := flags.String("ext", ".go,.md,.txt", "Comma-separated file extensions to read")
	outDir := flags.String("out", "base_model", "Output model directory")

	// Tokenizer
	tokClass := flags.String("tokenizer", tokenizerClassBPE, "Tokenizer: bpe or tiktoken")
	encoding := flags.String("encoding", "cl100k_base", "tiktoken encoding (with -tokenizer=tiktoken)")
	vocab := flags.Int("vocab", 1024, "Vocabulary size")

	// Model
	defaults := DefaultModelConfig()
	layers := flags.Int("layers", defaults.NumHiddenLayers, "Number of transformer layers")
	hidden := flags.Int("hidden", defaults.HiddenSize, "Hidden size")
	heads := flags.Int("heads", defaults.NumAttentionHeads, "Number of attention heads")
	ctxLen := flags.Int("ctx", defaults.MaxPositionEmbeddings, "Context window")

	// Pretraining
	steps := flags.Int("pretrain-steps", 0, "Pretraining optimizer steps (0 = none)")
	batch := flags.Int("batch", 4, "Pretraining batch size")
	lr := flags.Float64("lr", 1e-3, "Pretraining learning rate")
	seed := flags.Int64("seed", 42, "Random seed")

	if err := flags.Parse(args); err != nil {
		return err
	}

	corpus, err := loadCorpus(*dataDir, strings.Split(*exts, ","))
	if err != nil {
		return err
	}
	chars := 0
	for _, doc := range corpus {
		chars += len(doc)
	}
	logger.Info("loaded corpus", "dir", *dataDir, "files", len(corpus), "bytes", humanize.Bytes(uint64(chars)))

	backend, err := trainTokenizer(*tokClass, *encoding, corpus, *vocab)
	if err != nil {
		return err
	}
	tok := NewTokenizer(backend, *ctxLen)
	logger.Info("trained tokenizer", "class", *tokClass, "vocab_size", tok.VocabSize())

	config := defaults
	config.VocabSize = tok.VocabSize()
	config.NumHiddenLayers = *layers
	config.HiddenSize = *hidden
	config.NumAttentionHeads = *heads
	config.IntermediateSize = 4 * *hidden
	config.MaxPositionEmbeddings = *ctxLen

	model, err := NewGPT(config, rand.New(rand.NewSource(*seed)))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Created model with %s parameters\n", humanize.Comma(int64(countElements(model.Parameters()))))

	if *steps > 0 {
		targs := DefaultTrainingArguments(*outDir)
		targs.PerDeviceTrainBatchSize = *batch
		targs.LearningRate = *lr
		targs.MaxSteps = *steps
		targs.WarmupSteps = min(100, *steps/10)
		targs.Seed = *seed
		targs.LoggingSteps = 10
		targs.SaveSteps = 0

		trainer, err := NewTrainer(model, targs, windowEncodings(tok, corpus, *ctxLen), NewDataCollator(tok), logger)
		if err != nil {
			return err
		}
		out, err := trainer.Train(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Pretrained %d steps, loss %.4f\n", out.GlobalStep, out.TrainingLoss)
	}

	if err := model.SavePretrained(*outDir); err != nil {
		return err
	}
	if err := tok.SavePretrained(*outDir); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Base model saved to %s\n", *outDir)
	return nil
}

// loadCorpus reads every regular file under dir whose extension is in exts.
func loadCorpus(dir string, exts []string) ([]string, error) {
	want := make(map[string]bool, len(exts))
	for _, e := range exts {
		if e = strings.TrimSpace(e); e != "" {
			want[strings.ToLower(e)] = true
		}
	}

	var docs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !want[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		docs = append(docs, string(content))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("corpus: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("corpus: no %s files found in %s", strings.Join(exts, "/"), dir)
	}
	return docs, nil
}

func trainTokenizer(class, encoding string, corpus []string, vocab int) (encoder, error) {
	switch class {
	case tokenizerClassBPE:
		bpe := NewBPE()
		if err := bpe.Train(corpus, vocab); err != nil {
			return nil, err
		}
		return bpe, nil
	case tokenizerClassTiktoken:
		return NewTiktokenBPE(encoding, corpus, vocab)
	default:
		return nil, fmt.Errorf("tokenizer: unknown tokenizer class %q", class)
	}
}

// windowEncodings tokenizes each document followed by EOS and cuts the
// stream into non-overlapping windows of ctxLen tokens. A short tail of
// at least two tokens is kept.
func windowEncodings(tok *Tokenizer, corpus []string, ctxLen int) []Encoding {
	var stream []int
	for _, doc := range corpus {
		stream = append(stream, tok.Encode(doc)...)
		stream = append(stream, tok.EOSTokenID)
	}

	var encs []Encoding
	for i := 0; i < len(stream); i += ctxLen {
		window := stream[i:min(i+ctxLen, len(stream))]
		if len(window) < 2 {
			break
		}
		ids := append([]int(nil), window...)
		encs = append(encs, Encoding{InputIDs: ids, Labels: append([]int(nil), ids...)})
	}
	return encs
}
