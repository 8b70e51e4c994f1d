package main

import "fmt"

// Encoding is one tokenized training example. Labels equal InputIDs; the
// model shifts them when computing the loss.
type Encoding struct {
	InputIDs []int
	Labels   []int
}

// EncodeText tokenizes text for causal LM training: EOS is appended when
// there is room, and the result is truncated to maxLen tokens.
func EncodeText(tok *Tokenizer, text string, maxLen int) Encoding {
	ids := tok.Encode(text)
	if maxLen <= 0 || len(ids) < maxLen {
		ids = append(ids, tok.EOSTokenID)
	}
	if maxLen > 0 && len(ids) > maxLen {
		ids = ids[:maxLen]
	}

	labels := make([]int, len(ids))
	copy(labels, ids)
	return Encoding{InputIDs: ids, Labels: labels}
}

// Batch is a padded group of encodings. AttentionMask is 1 for real tokens
// and 0 for padding; padded label positions hold -100.
type Batch struct {
	InputIDs      [][]int
	AttentionMask [][]int
	Labels        [][]int
}

// Size returns the number of sequences in the batch.
func (b Batch) Size() int {
	return len(b.InputIDs)
}

// Sequence returns the unpadded ids and labels of row i. Padding is
// located through the attention mask, never by comparing against the pad
// ID, since the pad token may be the EOS token.
func (b Batch) Sequence(i int) (ids, labels []int) {
	for j, m := range b.AttentionMask[i] {
		if m == 1 {
			ids = append(ids, b.InputIDs[i][j])
			labels = append(labels, b.Labels[i][j])
		}
	}
	return ids, labels
}

// NumTargets counts the label positions that contribute to the loss: every
// non-ignored label except each sequence's first, which nothing predicts.
func (b Batch) NumTargets() int {
	n := 0
	for i := range b.InputIDs {
		_, labels := b.Sequence(i)
		for j := 1; j < len(labels); j++ {
			if labels[j] != ignoreIndex {
				n++
			}
		}
	}
	return n
}

// DataCollator pads encodings into a batch.
type DataCollator struct {
	PadTokenID  int
	PaddingSide string // "right" (default) or "left"
}

// NewDataCollator builds a collator from a tokenizer's padding settings.
func NewDataCollator(tok *Tokenizer) DataCollator {
	return DataCollator{PadTokenID: tok.PadTokenID, PaddingSide: tok.PaddingSide}
}

// Collate pads every encoding to the longest one.
func (c DataCollator) Collate(encs []Encoding) (Batch, error) {
	if c.PaddingSide != "" && c.PaddingSide != "right" && c.PaddingSide != "left" {
		return Batch{}, fmt.Errorf("collator: unknown padding side %q", c.PaddingSide)
	}

	longest := 0
	for _, e := range encs {
		if len(e.InputIDs) != len(e.Labels) {
			return Batch{}, fmt.Errorf("collator: %d input ids but %d labels", len(e.InputIDs), len(e.Labels))
		}
		longest = max(longest, len(e.InputIDs))
	}

	b := Batch{
		InputIDs:      make([][]int, len(encs)),
		AttentionMask: make([][]int, len(encs)),
		Labels:        make([][]int, len(encs)),
	}

	for i, e := range encs {
		pad := longest - len(e.InputIDs)
		start := 0
		if c.PaddingSide == "left" {
			start = pad
		}

		ids := make([]int, longest)
		mask := make([]int, longest)
		labels := make([]int, longest)
		for j := range ids {
			ids[j] = c.PadTokenID
			labels[j] = ignoreIndex
		}
		for j := range e.InputIDs {
			ids[start+j] = e.InputIDs[j]
			labels[start+j] = e.Labels[j]
			mask[start+j] = 1
		}

		b.InputIDs[i], b.AttentionMask[i], b.Labels[i] = ids, mask, labels
	}

	return b, nil
}
