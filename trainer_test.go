package main

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyEncodings builds n sequences of the given length over the tiny
// vocabulary.
func tinyEncodings(n, length int) []Encoding {
	encs := make([]Encoding, n)
	for i := range encs {
		ids := make([]int, length)
		for j := range ids {
			ids[j] = (i+j)%(tinyConfig().VocabSize-1) + 1
		}
		encs[i] = Encoding{InputIDs: ids, Labels: append([]int(nil), ids...)}
	}
	return encs
}

func tinyArgs(t *testing.T) TrainingArguments {
	args := DefaultTrainingArguments(t.TempDir())
	args.PerDeviceTrainBatchSize = 2
	args.LearningRate = 1e-2
	args.MaxSteps = 4
	args.LoggingSteps = 2
	args.SaveSteps = 0
	return args
}

func newTinyTrainer(t *testing.T, model CausalLM, args TrainingArguments, encs []Encoding) *Trainer {
	t.Helper()
	tr, err := NewTrainer(model, args, encs, DataCollator{PadTokenID: eosTokenID}, discardLogger())
	require.NoError(t, err)
	return tr
}

func TestTrainingArgumentsValidate(t *testing.T) {
	ok := DefaultTrainingArguments("out")
	require.NoError(t, ok.Validate())

	tests := []struct {
		name   string
		mutate func(*TrainingArguments)
		want   string
	}{
		{"no output dir", func(a *TrainingArguments) { a.OutputDir = "" }, "output_dir"},
		{"zero batch", func(a *TrainingArguments) { a.PerDeviceTrainBatchSize = 0 }, "per_device_train_batch_size"},
		{"zero accumulation", func(a *TrainingArguments) { a.GradientAccumulationSteps = 0 }, "gradient_accumulation_steps"},
		{"negative lr", func(a *TrainingArguments) { a.LearningRate = -1 }, "learning_rate"},
		{"both precisions", func(a *TrainingArguments) { a.BF16, a.FP16 = true, true }, "mutually exclusive"},
		{"no budget", func(a *TrainingArguments) { a.MaxSteps, a.NumTrainEpochs = 0, 0 }, "max_steps"},
		{"external reporter", func(a *TrainingArguments) { a.ReportTo = "wandb" }, "report_to"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := ok
			tt.mutate(&args)
			assert.ErrorContains(t, args.Validate(), tt.want)
		})
	}
}

func TestTrainerRunsMaxSteps(t *testing.T) {
	args := tinyArgs(t)
	tr := newTinyTrainer(t, newTinyGPT(t, 50), args, tinyEncodings(6, 5))
	assert.Equal(t, StatusNotStarted, tr.Status())

	out, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, tr.Status())
	assert.Equal(t, 4, out.GlobalStep)
	assert.Greater(t, out.TrainingLoss, 0.0)

	st := tr.State()
	assert.Equal(t, 4, st.GlobalStep)
	assert.Equal(t, 4, st.MaxSteps)
	require.Len(t, st.LogHistory, 3)
	assert.Equal(t, 2, st.LogHistory[0].Step)
	assert.Equal(t, 4, st.LogHistory[1].Step)
	assert.Equal(t, out.TrainingLoss, st.LogHistory[2].TrainLoss)

	// 6 examples in batches of 2: three steps per epoch.
	assert.InDelta(t, 4.0/3.0, st.Epoch, 1e-12)

	saved, err := LoadTrainerState(args.OutputDir)
	require.NoError(t, err)
	assert.Equal(t, 4, saved.GlobalStep)
	assert.FileExists(t, filepath.Join(args.OutputDir, trainingReportFile))
}

func TestTrainerEpochBudgetCountsShortGroups(t *testing.T) {
	args := tinyArgs(t)
	args.MaxSteps = -1
	args.NumTrainEpochs = 2
	args.GradientAccumulationSteps = 2

	// 6 examples, batches of 2, groups of 2 batches: 2 steps per epoch.
	tr := newTinyTrainer(t, newTinyGPT(t, 51), args, tinyEncodings(6, 4))
	out, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, out.GlobalStep)
	assert.InDelta(t, 2.0, tr.State().Epoch, 1e-12)
	assert.Equal(t, 2, tr.State().NumTrainEpochs)
}

func TestGradientAccumulationMatchesLargerBatch(t *testing.T) {
	encs := tinyEncodings(4, 5)

	run := func(bs, accum int) (*GPT, TrainOutput) {
		args := tinyArgs(t)
		args.Optim = "sgd"
		args.MaxGradNorm = 0
		args.LRSchedulerType = "constant"
		args.MaxSteps = 1
		args.PerDeviceTrainBatchSize = bs
		args.GradientAccumulationSteps = accum
		g := newTinyGPT(t, 52)
		out, err := newTinyTrainer(t, g, args, encs).Train(context.Background())
		require.NoError(t, err)
		return g, out
	}

	big, bigOut := run(4, 1)
	small, smallOut := run(1, 4)

	assert.InDelta(t, bigOut.TrainingLoss, smallOut.TrainingLoss, 1e-12)
	bp, sp := big.Parameters(), small.Parameters()
	for i := range bp {
		assert.InDeltaSlice(t, bp[i].data, sp[i].data, 1e-12, "param %d", i)
	}
}

func TestTrainerLossDecreasesOnOneExample(t *testing.T) {
	args := tinyArgs(t)
	args.PerDeviceTrainBatchSize = 1
	args.LearningRate = 3e-2
	args.MaxSteps = 60
	args.LoggingSteps = 1
	args.LRSchedulerType = "constant"

	tr := newTinyTrainer(t, newTinyGPT(t, 53), args, tinyEncodings(1, 8))
	_, err := tr.Train(context.Background())
	require.NoError(t, err)

	hist := tr.State().LogHistory
	require.Len(t, hist, 61)
	assert.Less(t, hist[59].Loss, hist[0].Loss/2)
}

func TestTrainerCheckpointRotation(t *testing.T) {
	args := tinyArgs(t)
	args.MaxSteps = 5
	args.SaveSteps = 1
	args.SaveTotalLimit = 2

	tr := newTinyTrainer(t, newTinyGPT(t, 54), args, tinyEncodings(4, 4))
	_, err := tr.Train(context.Background())
	require.NoError(t, err)

	ckpts, err := listCheckpoints(args.OutputDir)
	require.NoError(t, err)
	assert.Equal(t, []string{checkpointDir(args.OutputDir, 4), checkpointDir(args.OutputDir, 5)}, ckpts)

	last := checkpointDir(args.OutputDir, 5)
	for _, f := range []string{modelConfigFile, modelWeightsFile, trainerStateFile, trainingArgsFile} {
		assert.FileExists(t, filepath.Join(last, f))
	}
	st, err := LoadTrainerState(last)
	require.NoError(t, err)
	assert.Equal(t, 5, st.GlobalStep)

	model, err := LoadGPT(last)
	require.NoError(t, err)
	assert.Equal(t, tinyConfig().HiddenSize, model.Config().HiddenSize)
}

func TestTrainerRunsOnce(t *testing.T) {
	tr := newTinyTrainer(t, newTinyGPT(t, 55), tinyArgs(t), tinyEncodings(2, 4))
	_, err := tr.Train(context.Background())
	require.NoError(t, err)

	_, err = tr.Train(context.Background())
	assert.ErrorContains(t, err, "status is finished")
}

func TestTrainerEmptyDatasetFails(t *testing.T) {
	tr := newTinyTrainer(t, newTinyGPT(t, 56), tinyArgs(t), nil)
	_, err := tr.Train(context.Background())
	assert.ErrorContains(t, err, "empty")
	assert.Equal(t, StatusFailed, tr.Status())
}

func TestTrainerStopsOnCancelledContext(t *testing.T) {
	tr := newTinyTrainer(t, newTinyGPT(t, 57), tinyArgs(t), tinyEncodings(2, 4))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Train(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StatusFailed, tr.Status())
	assert.Equal(t, 0, tr.State().GlobalStep)
}

func TestTrainerUnknownOptimizer(t *testing.T) {
	args := tinyArgs(t)
	args.Optim = "adafactor"
	tr := newTinyTrainer(t, newTinyGPT(t, 58), args, tinyEncodings(2, 4))

	_, err := tr.Train(context.Background())
	assert.True(t, errors.Is(err, ErrUnknownOptimizer))
}

func TestTrainerMixedPrecision(t *testing.T) {
	for _, fp16 := range []bool{false, true} {
		args := tinyArgs(t)
		args.BF16 = !fp16
		args.FP16 = fp16

		g := newTinyGPT(t, 59)
		out, err := newTinyTrainer(t, g, args, tinyEncodings(4, 5)).Train(context.Background())
		require.NoError(t, err, "fp16=%v", fp16)
		assert.Equal(t, 4, out.GlobalStep)
		for _, p := range g.Parameters() {
			for _, v := range p.data {
				require.False(t, math.IsNaN(v), "NaN weight with fp16=%v", fp16)
			}
		}
	}
}

func TestTrainerWithLoRAOnlyUpdatesAdapters(t *testing.T) {
	base := newTinyGPT(t, 60)
	before := base.lmHead.weight.Clone()

	cfg := NewLoraConfig(2, 4, []string{"q_proj", "v_proj"})
	peft, err := GetPeftModel(base, cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	args := tinyArgs(t)
	args.GradientCheckpointing = true
	tr := newTinyTrainer(t, peft, args, tinyEncodings(4, 5))
	_, err = tr.Train(context.Background())
	require.NoError(t, err)

	assert.Equal(t, before.data, base.lmHead.weight.data)
	moved := false
	for _, l := range peft.targets {
		for _, v := range l.lora.b.data {
			moved = moved || v != 0
		}
	}
	assert.True(t, moved, "adapter B matrices should have been trained")

	require.NoError(t, tr.SaveModel(""))
	assert.FileExists(t, filepath.Join(args.OutputDir, adapterConfigFile))
	assert.NoFileExists(t, filepath.Join(args.OutputDir, modelWeightsFile))
}

func TestNewSFTTrainer(t *testing.T) {
	tok := NewTokenizer(NewBPE(), 512)
	tok.SetPadToEOS()

	cfg := tinyConfig()
	cfg.VocabSize = tok.VocabSize()
	cfg.MaxPositionEmbeddings = 32
	g, err := NewGPT(cfg, rand.New(rand.NewSource(61)))
	require.NoError(t, err)

	ds, err := LoadDataset(context.Background(), filepath.Join("testdata", "instructions.jsonl"), "train", DatasetOptions{})
	require.NoError(t, err)

	args := tinyArgs(t)
	args.MaxSteps = 2
	args.SaveSteps = 2
	sft, err := NewSFTTrainer(SFTTrainerOptions{
		Model:        g,
		Args:         args,
		TrainDataset: ds,
		Tokenizer:    tok,
		Logger:       discardLogger(),
	})
	require.NoError(t, err)

	// Clamped to the model's 32 positions.
	require.Len(t, sft.train, ds.Len())
	for _, enc := range sft.train {
		assert.LessOrEqual(t, len(enc.InputIDs), 32)
	}
	assert.Equal(t, eosTokenID, sft.collator.PadTokenID)

	_, err = sft.Train(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(checkpointDir(args.OutputDir, 2), tokenizerConfigFile))
}

func TestNewSFTTrainerFormattingFunc(t *testing.T) {
	tok := NewTokenizer(NewBPE(), 16)
	cfg := tinyConfig()
	cfg.VocabSize = tok.VocabSize()
	g, err := NewGPT(cfg, rand.New(rand.NewSource(62)))
	require.NoError(t, err)

	ds := &Dataset{Records: []Record{{Instruction: "ab", Output: "cd"}}}
	sft, err := NewSFTTrainer(SFTTrainerOptions{
		Model:          g,
		Args:           tinyArgs(t),
		TrainDataset:   ds,
		Tokenizer:      tok,
		FormattingFunc: func(r Record) string { return r.Instruction + r.Output },
		MaxSeqLength:   8,
		Logger:         discardLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, append(tok.Encode("abcd"), eosTokenID), sft.train[0].InputIDs)
}

func TestNewSFTTrainerRejects(t *testing.T) {
	tok := NewTokenizer(NewBPE(), 16)
	ds := &Dataset{Records: []Record{{Instruction: "x"}}}

	_, err := NewSFTTrainer(SFTTrainerOptions{Model: newTinyGPT(t, 63), Args: tinyArgs(t), TrainDataset: ds, Tokenizer: tok, Packing: true})
	assert.True(t, errors.Is(err, ErrPackingUnsupported))

	// The byte-level tokenizer has far more tokens than the tiny model.
	_, err = NewSFTTrainer(SFTTrainerOptions{Model: newTinyGPT(t, 63), Args: tinyArgs(t), TrainDataset: ds, Tokenizer: tok})
	assert.ErrorContains(t, err, "vocabulary")

	_, err = NewSFTTrainer(SFTTrainerOptions{Model: newTinyGPT(t, 63), Args: tinyArgs(t), Tokenizer: tok})
	assert.ErrorContains(t, err, "required")
}

func TestTrainerStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "TrainerStatus(9)", TrainerStatus(9).String())
}

func TestSaveModelDefaultsToOutputDir(t *testing.T) {
	args := tinyArgs(t)
	tr := newTinyTrainer(t, newTinyGPT(t, 64), args, tinyEncodings(2, 4))

	require.NoError(t, tr.SaveModel(""))
	assert.FileExists(t, filepath.Join(args.OutputDir, modelWeightsFile))

	other := filepath.Join(t.TempDir(), "elsewhere")
	require.NoError(t, tr.SaveModel(other))
	_, err := os.Stat(filepath.Join(other, modelConfigFile))
	assert.NoError(t, err)
}
