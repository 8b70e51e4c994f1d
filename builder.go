package main

import (
	"fmt"
	"log/slog"
)

// BuildTokenizer loads the tokenizer for a model directory and prepares it
// for causal LM fine-tuning: padding reuses EOS, on the right.
func BuildTokenizer(opts TokenizerOptions) (*Tokenizer, error) {
	tok, err := LoadTokenizer(opts)
	if err != nil {
		return nil, err
	}
	tok.SetPadToEOS()
	tok.PaddingSide = "right"
	return tok, nil
}

// ModelOptions selects and places a saved base model.
type ModelOptions struct {
	ModelName       string
	TrustRemoteCode bool
	DType           string // "float32", "bfloat16", ...; empty keeps float64
	DeviceMap       string // "auto" or "cpu"
	Logger          *slog.Logger
}

// LoadModel reads a base model, casts its weights to the requested
// precision and places it on the host device. The KV cache is disabled,
// since training never reuses past keys.
func LoadModel(opts ModelOptions) (*GPT, Device, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var dtype DType
	if opts.DType != "" {
		d, err := ParseDType(opts.DType)
		if err != nil {
			return nil, Device{}, fmt.Errorf("model: %w", err)
		}
		dtype = d
	}

	model, err := LoadGPT(opts.ModelName)
	if err != nil {
		return nil, Device{}, err
	}

	if dtype != "" {
		for _, p := range model.Parameters() {
			dtype.RoundTensor(p)
		}
		model.config.TorchDType = string(dtype)
	}

	device := DetectDevice()
	if err := PlaceOnDevice(opts.DeviceMap, device); err != nil {
		return nil, Device{}, err
	}
	model.SetUseCache(false)

	logger.Info("loaded model",
		"model", opts.ModelName,
		"dtype", dtype,
		"layers", model.config.NumHiddenLayers,
		"hidden_size", model.config.HiddenSize,
		"device", device.String())
	return model, device, nil
}
