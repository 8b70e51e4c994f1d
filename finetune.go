package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The fine-tuning entry point, one straight line:
//
//	model.yaml → tokenizer → base model → [LoRA] → dataset → trainer
//	           → train → save model + tokenizer → "Model saved to ..."
//
// The four sections (model, data, training, peft) must all be present
// before anything is built. Keys inside them are read where they are used,
// so a missing key fails at that step and names its dotted path. The peft
// keys are only read when training.use_peft is true.
//
// Fixed choices: logging every 10 steps, a checkpoint every 100 steps
// with the newest 3 kept, gradient checkpointing on, no reporting
// backends. bf16 when the CPU has native bfloat16, fp16 otherwise.
//
// ===========================================================================

const (
	fineTuneLoggingSteps   = 10
	fineTuneSaveSteps      = 100
	fineTuneSaveTotalLimit = 3
)

// runFineTune runs the whole pipeline described by the config at
// configPath. Progress the user asked for goes to stdout; everything else
// is logged.
func runFineTune(ctx context.Context, configPath string, stdout io.Writer, logger *slog.Logger) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Require("model", "data", "training", "peft"); err != nil {
		return err
	}

	// Tokenizer.
	modelName, err := cfg.String("model.model_name")
	if err != nil {
		return err
	}
	trustRemote, err := cfg.Bool("model.trust_remote_code")
	if err != nil {
		return err
	}
	maxLen, err := cfg.Int("model.model_max_length")
	if err != nil {
		return err
	}
	tok, err := BuildTokenizer(TokenizerOptions{
		ModelName:       modelName,
		TrustRemoteCode: trustRemote,
		ModelMaxLength:  maxLen,
	})
	if err != nil {
		return err
	}

	// Base model.
	dtype, err := cfg.String("model.torch_dtype_str")
	if err != nil {
		return err
	}
	base, device, err := LoadModel(ModelOptions{
		ModelName:       modelName,
		TrustRemoteCode: trustRemote,
		DType:           dtype,
		DeviceMap:       "auto",
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	// Adapters.
	var model CausalLM = base
	usePeft, err := cfg.BoolOr("training.use_peft", false)
	if err != nil {
		return err
	}
	if usePeft {
		peft, err := wrapWithLoRA(cfg, base)
		if err != nil {
			return err
		}
		peft.PrintTrainableParameters(stdout)
		model = peft
	}

	// Dataset.
	datasetName, err := cfg.String("data.train.datasets.0.dataset_name")
	if err != nil {
		return err
	}
	split, err := cfg.String("data.train.datasets.0.split")
	if err != nil {
		return err
	}
	dataset, err := LoadDataset(ctx, datasetName, split, DatasetOptions{
		HubURL: os.Getenv("HF_DATASETS_SERVER"),
		Token:  os.Getenv("HF_TOKEN"),
	})
	if err != nil {
		return err
	}
	logger.Info("loaded dataset", "dataset", datasetName, "split", split, "records", dataset.Len())

	// Trainer.
	args, err := trainingArgumentsFromConfig(cfg, device)
	if err != nil {
		return err
	}
	trainer, err := NewSFTTrainer(SFTTrainerOptions{
		Model:          model,
		Args:           args,
		TrainDataset:   dataset,
		Tokenizer:      tok,
		FormattingFunc: FormatPrompt,
		MaxSeqLength:   maxLen,
		Packing:        false,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	if _, err := trainer.Train(ctx); err != nil {
		return err
	}

	if err := trainer.SaveModel(args.OutputDir); err != nil {
		return err
	}
	if err := tok.SavePretrained(args.OutputDir); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Model saved to %s\n", args.OutputDir)
	return nil
}

// wrapWithLoRA reads the peft section and injects adapters into base. The
// adapter initialization is seeded from training.seed.
func wrapWithLoRA(cfg Config, base *GPT) (*PeftModel, error) {
	r, err := cfg.Int("peft.lora_r")
	if err != nil {
		return nil, err
	}
	alpha, err := cfg.Float("peft.lora_alpha")
	if err != nil {
		return nil, err
	}
	targets, err := cfg.Strings("peft.lora_target_modules")
	if err != nil {
		return nil, err
	}
	seed, err := cfg.Int("training.seed")
	if err != nil {
		return nil, err
	}

	return GetPeftModel(base, NewLoraConfig(r, alpha, targets), rand.New(rand.NewSource(int64(seed))))
}

func trainingArgumentsFromConfig(cfg Config, device Device) (TrainingArguments, error) {
	args := DefaultTrainingArguments("")
	var err error

	if args.OutputDir, err = cfg.String("training.output_dir"); err != nil {
		return args, err
	}
	if args.PerDeviceTrainBatchSize, err = cfg.Int("training.per_device_train_batch_size"); err != nil {
		return args, err
	}
	if args.GradientAccumulationSteps, err = cfg.Int("training.gradient_accumulation_steps"); err != nil {
		return args, err
	}
	if args.LearningRate, err = cfg.Float("training.learning_rate"); err != nil {
		return args, err
	}
	if args.MaxSteps, err = cfg.Int("training.max_steps"); err != nil {
		return args, err
	}
	if args.Optim, err = cfg.String("training.optimizer"); err != nil {
		return args, err
	}
	seed, err := cfg.Int("training.seed")
	if err != nil {
		return args, err
	}
	args.Seed = int64(seed)

	args.LoggingSteps = fineTuneLoggingSteps
	args.SaveSteps = fineTuneSaveSteps
	args.SaveTotalLimit = fineTuneSaveTotalLimit
	args.BF16 = device.SupportsBF16
	args.FP16 = !device.SupportsBF16
	args.GradientCheckpointing = true
	args.ReportTo = "none"
	return args, nil
}
