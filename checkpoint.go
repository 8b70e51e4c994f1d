package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	checkpointPrefix   = "checkpoint-"
	trainerStateFile   = "trainer_state.json"
	trainingArgsFile   = "training_args.json"
	checkpointFilePerm = 0o644
	checkpointDirPerm  = 0o755
)

// checkpointDir returns <output_dir>/checkpoint-<step>.
func checkpointDir(outputDir string, step int) string {
	return filepath.Join(outputDir, checkpointPrefix+strconv.Itoa(step))
}

// saveCheckpoint writes the model artifact, tokenizer, trainer state and
// arguments for the current step, then rotates old checkpoints.
func (t *Trainer) saveCheckpoint() error {
	dir := checkpointDir(t.args.OutputDir, t.state.GlobalStep)
	if err := os.MkdirAll(dir, checkpointDirPerm); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	if err := t.model.SavePretrained(dir); err != nil {
		return fmt.Errorf("checkpoint: save model: %w", err)
	}
	if t.tokenizer != nil {
		if err := t.tokenizer.SavePretrained(dir); err != nil {
			return fmt.Errorf("checkpoint: save tokenizer: %w", err)
		}
	}
	if err := writeJSONFile(filepath.Join(dir, trainerStateFile), t.state); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := writeJSONFile(filepath.Join(dir, trainingArgsFile), t.args); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	t.logger.Info("saved checkpoint", "step", t.state.GlobalStep, "dir", dir)

	removed, err := rotateCheckpoints(t.args.OutputDir, t.args.SaveTotalLimit)
	if err != nil {
		return err
	}
	for _, r := range removed {
		t.logger.Debug("removed old checkpoint", "dir", r)
	}
	return nil
}

// listCheckpoints returns the checkpoint directories under outputDir,
// oldest step first.
func listCheckpoints(outputDir string) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: %w", err)
	}

	type ckpt struct {
		step int
		path string
	}
	var found []ckpt
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), checkpointPrefix) {
			continue
		}
		step, err := strconv.Atoi(strings.TrimPrefix(e.Name(), checkpointPrefix))
		if err != nil {
			continue
		}
		found = append(found, ckpt{step: step, path: filepath.Join(outputDir, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].step < found[j].step })

	paths := make([]string, len(found))
	for i, c := range found {
		paths[i] = c.path
	}
	return paths, nil
}

// rotateCheckpoints deletes the oldest checkpoints so at most limit remain.
// A limit <= 0 keeps everything.
func rotateCheckpoints(outputDir string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	paths, err := listCheckpoints(outputDir)
	if err != nil {
		return nil, err
	}
	if len(paths) <= limit {
		return nil, nil
	}

	stale := paths[:len(paths)-limit]
	for _, p := range stale {
		if err := os.RemoveAll(p); err != nil {
			return nil, fmt.Errorf("checkpoint: remove %s: %w", p, err)
		}
	}
	return stale, nil
}

// LoadTrainerState reads trainer_state.json from a checkpoint directory.
func LoadTrainerState(dir string) (TrainerState, error) {
	var st TrainerState
	data, err := os.ReadFile(filepath.Join(dir, trainerStateFile))
	if err != nil {
		return st, fmt.Errorf("checkpoint: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("checkpoint: parse %s: %w", trainerStateFile, err)
	}
	return st, nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), checkpointFilePerm); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
