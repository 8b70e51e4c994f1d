package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The supervised fine-tuning loop.
//
// ONE OPTIMIZER STEP:
//
//  1. Take gradient_accumulation_steps micro-batches of
//     per_device_train_batch_size sequences each.
//  2. For every sequence: forward, cross-entropy against the shifted
//     labels, backward. Each micro-batch's loss is the mean over its
//     target tokens, divided by the number of micro-batches, so the
//     accumulated gradient is the average over the step.
//  3. fp16 only: unscale gradients, skip the step if any overflowed.
//  4. Clip the global gradient norm to max_grad_norm.
//  5. Optimizer update with the scheduled learning rate.
//
// Every logging_steps updates the mean loss goes to the log and to
// log_history. Every save_steps updates a checkpoint-<step> directory is
// written and the oldest ones beyond save_total_limit are removed.
//
// PRECISION:
//
//   - bf16: projection outputs rounded to bfloat16.
//   - fp16: rounded to float16, loss scaled to keep gradients out of the
//     float16 underflow range.
//
// Master weights, gradients and optimizer state are always float64.
//
// ===========================================================================

// ErrPackingUnsupported is returned when packed sequences are requested.
var ErrPackingUnsupported = errors.New("packing is not supported")

// TrainingArguments configures a training run.
type TrainingArguments struct {
	OutputDir                 string  `json:"output_dir"`
	PerDeviceTrainBatchSize   int     `json:"per_device_train_batch_size"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps"`
	LearningRate              float64 `json:"learning_rate"`
	WeightDecay               float64 `json:"weight_decay"`
	MaxGradNorm               float64 `json:"max_grad_norm"`
	MaxSteps                  int     `json:"max_steps"`
	NumTrainEpochs            float64 `json:"num_train_epochs"`
	WarmupSteps               int     `json:"warmup_steps"`
	LRSchedulerType           string  `json:"lr_scheduler_type"`
	Optim                     string  `json:"optim"`
	Seed                      int64   `json:"seed"`
	LoggingSteps              int     `json:"logging_steps"`
	SaveSteps                 int     `json:"save_steps"`
	SaveTotalLimit            int     `json:"save_total_limit"`
	BF16                      bool    `json:"bf16"`
	FP16                      bool    `json:"fp16"`
	GradientCheckpointing     bool    `json:"gradient_checkpointing"`
	ReportTo                  string  `json:"report_to"`
}

// DefaultTrainingArguments returns the usual trainer defaults.
func DefaultTrainingArguments(outputDir string) TrainingArguments {
	return TrainingArguments{
		OutputDir:                 outputDir,
		PerDeviceTrainBatchSize:   8,
		GradientAccumulationSteps: 1,
		LearningRate:              5e-5,
		MaxGradNorm:               1.0,
		MaxSteps:                  -1,
		NumTrainEpochs:            3,
		LRSchedulerType:           "linear",
		Optim:                     "adamw_torch",
		Seed:                      42,
		LoggingSteps:              500,
		SaveSteps:                 500,
		ReportTo:                  "none",
	}
}

// Validate rejects inconsistent arguments.
func (a TrainingArguments) Validate() error {
	switch {
	case a.OutputDir == "":
		return fmt.Errorf("trainer: output_dir is required")
	case a.PerDeviceTrainBatchSize <= 0:
		return fmt.Errorf("trainer: per_device_train_batch_size must be positive, got %d", a.PerDeviceTrainBatchSize)
	case a.GradientAccumulationSteps <= 0:
		return fmt.Errorf("trainer: gradient_accumulation_steps must be positive, got %d", a.GradientAccumulationSteps)
	case a.LearningRate < 0:
		return fmt.Errorf("trainer: learning_rate must not be negative, got %g", a.LearningRate)
	case a.BF16 && a.FP16:
		return fmt.Errorf("trainer: bf16 and fp16 are mutually exclusive")
	case a.MaxSteps <= 0 && a.NumTrainEpochs <= 0:
		return fmt.Errorf("trainer: either max_steps or num_train_epochs must be positive")
	case a.ReportTo != "" && a.ReportTo != "none":
		return fmt.Errorf("trainer: report_to %q is not supported", a.ReportTo)
	}
	return nil
}

// TrainerStatus is the lifecycle state of a Trainer.
type TrainerStatus int

const (
	StatusNotStarted TrainerStatus = iota
	StatusRunning
	StatusFinished
	StatusFailed
)

func (s TrainerStatus) String() string {
	switch s {
	case StatusNotStarted:
		return "not started"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("TrainerStatus(%d)", int(s))
	}
}

// LogEntry is one record of log_history.
type LogEntry struct {
	Step         int     `json:"step"`
	Epoch        float64 `json:"epoch"`
	Loss         float64 `json:"loss,omitempty"`
	LearningRate float64 `json:"learning_rate,omitempty"`
	GradNorm     float64 `json:"grad_norm,omitempty"`

	// Final summary entry only.
	TrainLoss    float64 `json:"train_loss,omitempty"`
	TrainRuntime float64 `json:"train_runtime,omitempty"`
}

// TrainerState is the progress saved as trainer_state.json.
type TrainerState struct {
	GlobalStep     int        `json:"global_step"`
	MaxSteps       int        `json:"max_steps"`
	Epoch          float64    `json:"epoch"`
	NumTrainEpochs int        `json:"num_train_epochs"`
	LoggingSteps   int        `json:"logging_steps"`
	SaveSteps      int        `json:"save_steps"`
	TrainBatchSize int        `json:"train_batch_size"`
	LogHistory     []LogEntry `json:"log_history"`
}

// TrainOutput summarizes a finished run.
type TrainOutput struct {
	GlobalStep   int
	TrainingLoss float64
	Runtime      time.Duration
}

// Trainer runs causal LM training over pre-tokenized encodings.
type Trainer struct {
	model     CausalLM
	args      TrainingArguments
	train     []Encoding
	collator  DataCollator
	tokenizer *Tokenizer // saved into checkpoints when set
	logger    *slog.Logger

	state  TrainerState
	status TrainerStatus
}

// NewTrainer validates args and prepares a trainer. logger may be nil.
func NewTrainer(model CausalLM, args TrainingArguments, train []Encoding, collator DataCollator, logger *slog.Logger) (*Trainer, error) {
	if model == nil {
		return nil, fmt.Errorf("trainer: model is required")
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if args.LoggingSteps <= 0 {
		args.LoggingSteps = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Trainer{
		model:    model,
		args:     args,
		train:    train,
		collator: collator,
		logger:   logger.With("component", "trainer"),
	}, nil
}

// Args returns the training arguments.
func (t *Trainer) Args() TrainingArguments {
	return t.args
}

// State returns the current training state.
func (t *Trainer) State() TrainerState {
	return t.state
}

// Status returns the lifecycle state.
func (t *Trainer) Status() TrainerStatus {
	return t.status
}

// updatesPerEpoch is the number of optimizer steps one pass over the
// data takes, counting a trailing short group, and at least 1.
func (t *Trainer) updatesPerEpoch() int {
	bs, accum := t.args.PerDeviceTrainBatchSize, t.args.GradientAccumulationSteps
	batches := (len(t.train) + bs - 1) / bs
	return max(1, (batches+accum-1)/accum)
}

func (t *Trainer) totalSteps() int {
	if t.args.MaxSteps > 0 {
		return t.args.MaxSteps
	}
	return int(math.Ceil(t.args.NumTrainEpochs * float64(t.updatesPerEpoch())))
}

// Train runs the loop until the step budget is spent or ctx is done. A
// trainer runs once.
func (t *Trainer) Train(ctx context.Context) (TrainOutput, error) {
	if t.status != StatusNotStarted {
		return TrainOutput{}, fmt.Errorf("trainer: cannot train, status is %s", t.status)
	}
	t.status = StatusRunning

	out, err := t.run(ctx)
	if err != nil {
		t.status = StatusFailed
		return out, err
	}
	t.status = StatusFinished
	return out, nil
}

func (t *Trainer) run(ctx context.Context) (TrainOutput, error) {
	if len(t.train) == 0 {
		return TrainOutput{}, fmt.Errorf("trainer: training dataset is empty")
	}

	args := t.args
	total := t.totalSteps()
	perEpoch := t.updatesPerEpoch()

	opts := DefaultOptimizerOptions()
	opts.WeightDecay = args.WeightDecay
	optimizer, err := NewOptimizer(args.Optim, opts)
	if err != nil {
		return TrainOutput{}, fmt.Errorf("trainer: %w", err)
	}
	scheduler, err := NewLRScheduler(args.LRSchedulerType, args.LearningRate, args.WarmupSteps, total)
	if err != nil {
		return TrainOutput{}, fmt.Errorf("trainer: %w", err)
	}

	scaler := NewGradScaler(args.FP16)
	switch {
	case args.BF16:
		t.model.SetAutocast(DTypeBFloat16)
	case args.FP16:
		t.model.SetAutocast(DTypeFloat16)
	}
	if args.GradientCheckpointing {
		t.model.EnableGradientCheckpointing()
	}

	rng := rand.New(rand.NewSource(args.Seed))
	t.model.Train(rand.New(rand.NewSource(args.Seed + 1)))
	defer t.model.Eval()

	params := t.model.TrainableParameters()
	if len(params) == 0 {
		return TrainOutput{}, fmt.Errorf("trainer: model has no trainable parameters")
	}

	t.state = TrainerState{
		MaxSteps:       total,
		NumTrainEpochs: int(math.Ceil(float64(total) / float64(perEpoch))),
		LoggingSteps:   args.LoggingSteps,
		SaveSteps:      args.SaveSteps,
		TrainBatchSize: args.PerDeviceTrainBatchSize,
	}

	t.logger.Info("starting training",
		"examples", len(t.train),
		"batch_size", args.PerDeviceTrainBatchSize,
		"gradient_accumulation_steps", args.GradientAccumulationSteps,
		"max_steps", total,
		"optimizer", optimizer.Name(),
		"bf16", args.BF16,
		"fp16", args.FP16,
		"trainable_params", countElements(params),
	)

	start := time.Now()
	var (
		totalLoss  float64
		logLoss    float64
		logSteps   int
		lastNorm   float64
		epochIndex int
	)

	for t.state.GlobalStep < total {
		groups := t.epochGroups(rng)
		for gi, group := range groups {
			if err := ctx.Err(); err != nil {
				return TrainOutput{}, fmt.Errorf("trainer: interrupted at step %d: %w", t.state.GlobalStep, err)
			}

			stepLoss, err := t.accumulate(ctx, group, scaler.LossScale())
			if err != nil {
				return TrainOutput{}, err
			}

			finite := scaler.Unscale(params)
			if finite {
				lastNorm = clipGradNorm(params, args.MaxGradNorm)
				optimizer.Step(params, scheduler.LR(t.state.GlobalStep))
			} else {
				t.logger.Warn("gradient overflow, skipping step",
					"step", t.state.GlobalStep+1, "loss_scale", scaler.LossScale())
			}
			scaler.Update(!finite)

			t.state.GlobalStep++
			t.state.Epoch = float64(epochIndex) + float64(gi+1)/float64(len(groups))
			totalLoss += stepLoss
			logLoss += stepLoss
			logSteps++

			if t.state.GlobalStep%args.LoggingSteps == 0 {
				entry := LogEntry{
					Step:         t.state.GlobalStep,
					Epoch:        round4(t.state.Epoch),
					Loss:         round4(logLoss / float64(logSteps)),
					LearningRate: scheduler.LR(t.state.GlobalStep),
					GradNorm:     lastNorm,
				}
				t.state.LogHistory = append(t.state.LogHistory, entry)
				t.logger.Info("step",
					"step", entry.Step, "loss", entry.Loss, "learning_rate", entry.LearningRate,
					"grad_norm", entry.GradNorm, "epoch", entry.Epoch)
				logLoss, logSteps = 0, 0
			}

			if args.SaveSteps > 0 && t.state.GlobalStep%args.SaveSteps == 0 {
				if err := t.saveCheckpoint(); err != nil {
					return TrainOutput{}, err
				}
			}

			if t.state.GlobalStep >= total {
				break
			}
		}
		epochIndex++
	}

	runtime := time.Since(start)
	out := TrainOutput{
		GlobalStep:   t.state.GlobalStep,
		TrainingLoss: totalLoss / float64(t.state.GlobalStep),
		Runtime:      runtime,
	}
	t.state.LogHistory = append(t.state.LogHistory, LogEntry{
		Step:         out.GlobalStep,
		Epoch:        round4(t.state.Epoch),
		TrainLoss:    out.TrainingLoss,
		TrainRuntime: runtime.Seconds(),
	})
	t.logger.Info("training finished",
		"global_step", out.GlobalStep, "train_loss", out.TrainingLoss, "runtime", runtime.Round(time.Millisecond))

	if err := t.saveState(); err != nil {
		return out, err
	}
	return out, nil
}

// saveState writes trainer_state.json and, when any step was logged, the
// HTML training report into output_dir.
func (t *Trainer) saveState() error {
	if err := os.MkdirAll(t.args.OutputDir, checkpointDirPerm); err != nil {
		return fmt.Errorf("trainer: %w", err)
	}
	if err := writeJSONFile(filepath.Join(t.args.OutputDir, trainerStateFile), t.state); err != nil {
		return fmt.Errorf("trainer: %w", err)
	}
	if len(t.state.LogHistory) < 2 {
		return nil
	}
	return writeTrainingReport(filepath.Join(t.args.OutputDir, trainingReportFile), t.state.LogHistory)
}

// epochGroups shuffles the examples and groups them into micro-batches of
// example indices, gradient_accumulation_steps micro-batches per group.
// A trailing short group still produces an optimizer step.
func (t *Trainer) epochGroups(rng *rand.Rand) [][][]int {
	order := rng.Perm(len(t.train))
	bs := t.args.PerDeviceTrainBatchSize

	var batches [][]int
	for i := 0; i < len(order); i += bs {
		batches = append(batches, order[i:min(i+bs, len(order))])
	}

	var groups [][][]int
	accum := t.args.GradientAccumulationSteps
	for i := 0; i < len(batches); i += accum {
		groups = append(groups, batches[i:min(i+accum, len(batches))])
	}
	return groups
}

// accumulate runs forward/backward over one group of micro-batches and
// returns the step loss: the mean of the micro-batch token-mean losses.
func (t *Trainer) accumulate(ctx context.Context, group [][]int, lossScale float64) (float64, error) {
	t.model.ZeroGrad()

	stepLoss := 0.0
	for _, idx := range group {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("trainer: interrupted at step %d: %w", t.state.GlobalStep, err)
		}

		encs := make([]Encoding, len(idx))
		for i, j := range idx {
			encs[i] = t.train[j]
		}
		batch, err := t.collator.Collate(encs)
		if err != nil {
			return 0, fmt.Errorf("trainer: %w", err)
		}

		targets := batch.NumTargets()
		if targets == 0 {
			continue
		}
		scale := lossScale / (float64(targets) * float64(len(group)))

		sum := 0.0
		for i := 0; i < batch.Size(); i++ {
			ids, labels := batch.Sequence(i)
			s, _ := t.model.LossAndGrad(ids, labels, scale)
			sum += s
		}
		stepLoss += sum / float64(targets) / float64(len(group))
	}

	return stepLoss, nil
}

// SaveModel writes the model artifact to dir, or to output_dir when dir
// is empty. A LoRA-wrapped model writes only its adapter.
func (t *Trainer) SaveModel(dir string) error {
	if dir == "" {
		dir = t.args.OutputDir
	}
	if err := t.model.SavePretrained(dir); err != nil {
		return fmt.Errorf("trainer: save model: %w", err)
	}
	t.logger.Info("saved model", "dir", dir)
	return nil
}

func countElements(params []*Tensor) int {
	n := 0
	for _, p := range params {
		n += p.Size()
	}
	return n
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// SFTTrainerOptions configures supervised fine-tuning on instruction
// records.
type SFTTrainerOptions struct {
	Model          CausalLM
	Args           TrainingArguments
	TrainDataset   *Dataset
	Tokenizer      *Tokenizer
	FormattingFunc func(Record) string // FormatPrompt when nil
	MaxSeqLength   int                 // min(tokenizer max length, 1024) when <= 0
	Packing        bool
	Logger         *slog.Logger
}

// SFTTrainer formats and tokenizes records, then trains on them.
type SFTTrainer struct {
	*Trainer
}

// NewSFTTrainer formats every record, tokenizes it with truncation to
// MaxSeqLength, and builds the underlying Trainer.
func NewSFTTrainer(opts SFTTrainerOptions) (*SFTTrainer, error) {
	if opts.Packing {
		return nil, fmt.Errorf("trainer: %w", ErrPackingUnsupported)
	}
	if opts.Model == nil || opts.Tokenizer == nil || opts.TrainDataset == nil {
		return nil, fmt.Errorf("trainer: model, tokenizer and train dataset are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	format := opts.FormattingFunc
	if format == nil {
		format = FormatPrompt
	}

	cfg := opts.Model.Config()
	if v := opts.Tokenizer.VocabSize(); v > cfg.VocabSize {
		return nil, fmt.Errorf("trainer: tokenizer has %d tokens but the model vocabulary holds %d", v, cfg.VocabSize)
	}

	maxLen := opts.MaxSeqLength
	if maxLen <= 0 {
		maxLen = min(opts.Tokenizer.ModelMaxLength, 1024)
	}
	if maxLen <= 0 || maxLen > cfg.MaxPositionEmbeddings {
		logger.Warn("max_seq_length exceeds the model's context, clamping",
			"max_seq_length", maxLen, "max_position_embeddings", cfg.MaxPositionEmbeddings)
		maxLen = cfg.MaxPositionEmbeddings
	}

	encs := make([]Encoding, 0, opts.TrainDataset.Len())
	truncated := 0
	for _, rec := range opts.TrainDataset.Records {
		text := format(rec)
		enc := EncodeText(opts.Tokenizer, text, maxLen)
		if len(enc.InputIDs) == maxLen {
			truncated++
		}
		encs = append(encs, enc)
	}
	logger.Debug("tokenized dataset", "examples", len(encs), "max_seq_length", maxLen, "at_max_length", truncated)

	trainer, err := NewTrainer(opts.Model, opts.Args, encs, NewDataCollator(opts.Tokenizer), logger)
	if err != nil {
		return nil, err
	}
	trainer.tokenizer = opts.Tokenizer
	return &SFTTrainer{Trainer: trainer}, nil
}
