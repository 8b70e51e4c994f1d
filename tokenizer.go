package main

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// RECOMMENDED READING:
//
// Tokenization:
// - "Neural Machine Translation of Rare Words with Subword Units" (BPE paper)
//   Sennrich, Haddow, Birch (2016)
//   https://arxiv.org/abs/1508.07909
//
// - "SentencePiece: A simple and language independent approach to subword"
//   Kudo, Richardson (2018)
//   https://arxiv.org/abs/1808.06226

// Special tokens occupy the first IDs of every vocabulary.
const (
	PadToken = "<|pad|>"
	UnkToken = "<|unk|>"
	EosToken = "<|endoftext|>"

	padTokenID = 0
	unkTokenID = 1
	eosTokenID = 2

	numSpecialTokens = 3
)

var specialTokens = []string{PadToken, UnkToken, EosToken}

const (
	tokenizerFile       = "tokenizer.txt"
	tokenizerConfigFile = "tokenizer_config.json"

	tokenizerClassBPE      = "bpe"
	tokenizerClassTiktoken = "tiktoken"
)

// ErrRemoteCodeNotTrusted is returned when a tokenizer needs to fetch
// remote data and trust_remote_code is off.
var ErrRemoteCodeNotTrusted = errors.New("tokenizer requires trust_remote_code")

// encoder is a tokenization backend.
type encoder interface {
	Encode(text string) []int
	Decode(ids []int) string
	VocabSize() int
	Save(filename string) error
}

// ===========================================================================
// Byte-level BPE
// ===========================================================================

// BPE implements byte-level Byte-Pair Encoding.
//
// 1. Start with a vocabulary of the 256 byte values
// 2. Iteratively merge the most frequent adjacent pair of symbols
// 3. Encoding replays the merges, lowest rank first
//
// Any byte sequence can be encoded, so there are no unknown tokens.
type BPE struct {
	vocab    map[string]int // token -> ID
	vocabInv []string       // ID -> token
	merges   []pair         // ordered merge rules
	ranks    map[pair]int   // merge -> position in merges
}

// pair represents a bigram for BPE merging.
type pair struct {
	first  string
	second string
}

// NewBPE returns a BPE with special tokens and the byte alphabet.
func NewBPE() *BPE {
	t := &BPE{
		vocab: make(map[string]int),
		ranks: make(map[pair]int),
	}
	for _, tok := range specialTokens {
		t.addToken(tok)
	}
	for i := 0; i < 256; i++ {
		t.addToken(string(rune(i)))
	}
	return t
}

func (t *BPE) addToken(tok string) {
	t.vocab[tok] = len(t.vocabInv)
	t.vocabInv = append(t.vocabInv, tok)
}

func (t *BPE) addMerge(p pair) {
	t.ranks[p] = len(t.merges)
	t.merges = append(t.merges, p)
	t.addToken(p.first + p.second)
}

func byteSymbols(text string) []string {
	symbols := make([]string, 0, len(text))
	for _, b := range []byte(text) {
		symbols = append(symbols, string(rune(b)))
	}
	return symbols
}

// Train learns merges from corpus until the vocabulary reaches
// targetVocabSize or no pair occurs twice. Ties between equally frequent
// pairs go to the lexicographically smaller pair.
func (t *BPE) Train(corpus []string, targetVocabSize int) error {
	if targetVocabSize <= len(t.vocabInv) {
		return fmt.Errorf("tokenizer: target vocab size must be > %d (bytes and special tokens)", len(t.vocabInv))
	}

	words := make([][]string, 0, len(corpus))
	for _, text := range corpus {
		if symbols := byteSymbols(text); len(symbols) > 1 {
			words = append(words, symbols)
		}
	}

	for len(t.vocabInv) < targetVocabSize {
		counts := make(map[pair]int)
		for _, word := range words {
			for i := 0; i < len(word)-1; i++ {
				counts[pair{word[i], word[i+1]}]++
			}
		}

		var best pair
		bestCount := 0
		for p, c := range counts {
			if c > bestCount || (c == bestCount && pairLess(p, best)) {
				best, bestCount = p, c
			}
		}
		if bestCount < 2 {
			break
		}

		t.addMerge(best)
		for i, word := range words {
			words[i] = applyMerge(word, best)
		}
	}

	return nil
}

func pairLess(a, b pair) bool {
	if a.first != b.first {
		return a.first < b.first
	}
	return a.second < b.second
}

// applyMerge replaces every occurrence of merge in word, left to right.
func applyMerge(word []string, merge pair) []string {
	if len(word) < 2 {
		return word
	}

	merged := make([]string, 0, len(word))
	for i := 0; i < len(word); i++ {
		if i < len(word)-1 && word[i] == merge.first && word[i+1] == merge.second {
			merged = append(merged, merge.first+merge.second)
			i++
		} else {
			merged = append(merged, word[i])
		}
	}
	return merged
}

// Encode converts text to token IDs.
func (t *BPE) Encode(text string) []int {
	symbols := byteSymbols(text)

	for len(symbols) > 1 {
		bestRank := -1
		var best pair
		for i := 0; i < len(symbols)-1; i++ {
			p := pair{symbols[i], symbols[i+1]}
			if r, ok := t.ranks[p]; ok && (bestRank < 0 || r < bestRank) {
				bestRank, best = r, p
			}
		}
		if bestRank < 0 {
			break
		}
		symbols = applyMerge(symbols, best)
	}

	ids := make([]int, len(symbols))
	for i, s := range symbols {
		id, ok := t.vocab[s]
		if !ok {
			id = unkTokenID
		}
		ids[i] = id
	}
	return ids
}

// Decode converts token IDs back to text. Special tokens are skipped.
func (t *BPE) Decode(ids []int) string {
	var out []byte
	for _, id := range ids {
		if id < numSpecialTokens || id >= len(t.vocabInv) {
			continue
		}
		for _, r := range t.vocabInv[id] {
			if r < 256 {
				out = append(out, byte(r))
			}
		}
	}
	return string(out)
}

// VocabSize returns the current vocabulary size.
func (t *BPE) VocabSize() int {
	return len(t.vocabInv)
}

// Save writes special tokens and hex-encoded merges to a file.
func (t *BPE) Save(filename string) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("tokenizer: failed to create file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("tokenizer: failed to close file: %w", cerr)
		}
	}()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "SPECIAL_TOKENS\n")
	for id, tok := range specialTokens {
		fmt.Fprintf(w, "%s\t%d\n", tok, id)
	}
	fmt.Fprintf(w, "MERGES\n")
	for _, m := range t.merges {
		fmt.Fprintf(w, "%s %s\n", hex.EncodeToString([]byte(m.first)), hex.EncodeToString([]byte(m.second)))
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("tokenizer: failed to write %s: %w", filename, err)
	}
	return nil
}

// LoadBPE reads a tokenizer written by Save.
func LoadBPE(filename string) (*BPE, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: failed to open file: %w", err)
	}
	defer f.Close()

	t := NewBPE()
	scanner := bufio.NewScanner(f)
	section := ""
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "SPECIAL_TOKENS":
			section = "special"
			continue
		case "MERGES":
			section = "merges"
			continue
		}

		switch section {
		case "special":
			parts := strings.Split(line, "\t")
			if len(parts) != 2 {
				return nil, fmt.Errorf("tokenizer: line %d: malformed special token", lineNo)
			}
			id, err := strconv.Atoi(parts[1])
			if err != nil || id >= numSpecialTokens || specialTokens[id] != parts[0] {
				return nil, fmt.Errorf("tokenizer: line %d: unexpected special token %q", lineNo, line)
			}

		case "merges":
			parts := strings.Split(line, " ")
			if len(parts) != 2 {
				return nil, fmt.Errorf("tokenizer: line %d: malformed merge", lineNo)
			}
			first, err1 := hex.DecodeString(parts[0])
			second, err2 := hex.DecodeString(parts[1])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("tokenizer: line %d: invalid hex in merge", lineNo)
			}
			t.addMerge(pair{string(first), string(second)})

		default:
			return nil, fmt.Errorf("tokenizer: line %d: data before section header", lineNo)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("tokenizer: error reading file: %w", err)
	}
	return t, nil
}

// ===========================================================================
// tiktoken remapped to a local vocabulary
// ===========================================================================

// TiktokenBPE wraps a pretrained tiktoken encoding. Those vocabularies are
// far larger than a small model can afford, so only the encoding IDs seen
// in the training corpus get local IDs; everything else maps to UnkToken.
type TiktokenBPE struct {
	encoding  string
	enc       *tiktoken.Tiktoken
	toLocal   map[int]int
	fromLocal []int // local ID - numSpecialTokens -> encoding ID
}

// NewTiktokenBPE builds a local vocabulary from the maxVocab most frequent
// encoding IDs in corpus. Fetching the encoding may hit the network.
func NewTiktokenBPE(encoding string, corpus []string, maxVocab int) (*TiktokenBPE, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load encoding %s: %w", encoding, err)
	}

	counts := make(map[int]int)
	for _, text := range corpus {
		for _, id := range enc.EncodeOrdinary(text) {
			counts[id]++
		}
	}

	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		if counts[ids[a]] != counts[ids[b]] {
			return counts[ids[a]] > counts[ids[b]]
		}
		return ids[a] < ids[b]
	})
	if limit := maxVocab - numSpecialTokens; limit >= 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	return newTiktokenBPE(encoding, enc, ids), nil
}

func newTiktokenBPE(encoding string, enc *tiktoken.Tiktoken, fromLocal []int) *TiktokenBPE {
	toLocal := make(map[int]int, len(fromLocal))
	for i, id := range fromLocal {
		toLocal[id] = i + numSpecialTokens
	}
	return &TiktokenBPE{encoding: encoding, enc: enc, toLocal: toLocal, fromLocal: fromLocal}
}

// Encode converts text to local token IDs.
func (t *TiktokenBPE) Encode(text string) []int {
	raw := t.enc.EncodeOrdinary(text)
	out := make([]int, len(raw))
	for i, id := range raw {
		local, ok := t.toLocal[id]
		if !ok {
			local = unkTokenID
		}
		out[i] = local
	}
	return out
}

// Decode converts local IDs back to text. Special tokens are skipped.
func (t *TiktokenBPE) Decode(ids []int) string {
	raw := make([]int, 0, len(ids))
	for _, id := range ids {
		if i := id - numSpecialTokens; i >= 0 && i < len(t.fromLocal) {
			raw = append(raw, t.fromLocal[i])
		}
	}
	return t.enc.Decode(raw)
}

// VocabSize returns the local vocabulary size.
func (t *TiktokenBPE) VocabSize() int {
	return numSpecialTokens + len(t.fromLocal)
}

// Save writes the encoding name and the local-to-encoding ID table.
func (t *TiktokenBPE) Save(filename string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "TIKTOKEN %s\n", t.encoding)
	for _, id := range t.fromLocal {
		fmt.Fprintf(&b, "%d\n", id)
	}
	if err := os.WriteFile(filename, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("tokenizer: write %s: %w", filename, err)
	}
	return nil
}

// LoadTiktokenBPE reads a table written by Save and fetches its encoding.
func LoadTiktokenBPE(filename string) (*TiktokenBPE, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: failed to open file: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	encoding, ok := strings.CutPrefix(lines[0], "TIKTOKEN ")
	if !ok {
		return nil, fmt.Errorf("tokenizer: %s is not a tiktoken table", filename)
	}

	fromLocal := make([]int, 0, len(lines)-1)
	for i, line := range lines[1:] {
		id, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			return nil, fmt.Errorf("tokenizer: line %d: %w", i+2, err)
		}
		fromLocal = append(fromLocal, id)
	}

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load encoding %s: %w", encoding, err)
	}
	return newTiktokenBPE(encoding, enc, fromLocal), nil
}

// ===========================================================================
// Tokenizer
// ===========================================================================

// Tokenizer pairs a backend with the padding and length settings the
// trainer needs.
type Tokenizer struct {
	backend encoder

	PadToken       string
	PadTokenID     int
	EOSToken       string
	EOSTokenID     int
	PaddingSide    string
	ModelMaxLength int
}

// tokenizerConfig is the on-disk tokenizer_config.json.
type tokenizerConfig struct {
	TokenizerClass string `json:"tokenizer_class"`
	Encoding       string `json:"encoding,omitempty"`
	ModelMaxLength int    `json:"model_max_length"`
	PadToken       string `json:"pad_token"`
	EOSToken       string `json:"eos_token"`
	UnkToken       string `json:"unk_token"`
	PaddingSide    string `json:"padding_side"`
}

// NewTokenizer wraps a backend with default settings: a dedicated pad
// token and right padding.
func NewTokenizer(backend encoder, modelMaxLength int) *Tokenizer {
	return &Tokenizer{
		backend:        backend,
		PadToken:       PadToken,
		PadTokenID:     padTokenID,
		EOSToken:       EosToken,
		EOSTokenID:     eosTokenID,
		PaddingSide:    "right",
		ModelMaxLength: modelMaxLength,
	}
}

// Encode converts text to token IDs. No special tokens are added.
func (t *Tokenizer) Encode(text string) []int {
	return t.backend.Encode(text)
}

// Decode converts token IDs to text, skipping special tokens.
func (t *Tokenizer) Decode(ids []int) string {
	return t.backend.Decode(ids)
}

// VocabSize returns the number of token IDs the backend can produce.
func (t *Tokenizer) VocabSize() int {
	return t.backend.VocabSize()
}

// SetPadToEOS makes padding reuse the end-of-sequence token.
func (t *Tokenizer) SetPadToEOS() {
	t.PadToken = t.EOSToken
	t.PadTokenID = t.EOSTokenID
}

func (t *Tokenizer) class() (string, string) {
	if tk, ok := t.backend.(*TiktokenBPE); ok {
		return tokenizerClassTiktoken, tk.encoding
	}
	return tokenizerClassBPE, ""
}

// SavePretrained writes tokenizer.txt and tokenizer_config.json into dir.
func (t *Tokenizer) SavePretrained(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("tokenizer: create %s: %w", dir, err)
	}
	if err := t.backend.Save(filepath.Join(dir, tokenizerFile)); err != nil {
		return err
	}

	class, encoding := t.class()
	cfg, err := json.MarshalIndent(tokenizerConfig{
		TokenizerClass: class,
		Encoding:       encoding,
		ModelMaxLength: t.ModelMaxLength,
		PadToken:       t.PadToken,
		EOSToken:       t.EOSToken,
		UnkToken:       UnkToken,
		PaddingSide:    t.PaddingSide,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenizer: marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, tokenizerConfigFile), cfg, 0o644); err != nil {
		return fmt.Errorf("tokenizer: write config: %w", err)
	}
	return nil
}

// TokenizerOptions selects and configures a saved tokenizer.
type TokenizerOptions struct {
	ModelName       string
	TrustRemoteCode bool
	ModelMaxLength  int // overrides the saved value when positive
}

// LoadTokenizer reads a tokenizer saved with SavePretrained.
func LoadTokenizer(opts TokenizerOptions) (*Tokenizer, error) {
	raw, err := os.ReadFile(filepath.Join(opts.ModelName, tokenizerConfigFile))
	if err != nil {
		return nil, fmt.Errorf("tokenizer: read config: %w", err)
	}

	var cfg tokenizerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("tokenizer: parse %s: %w", tokenizerConfigFile, err)
	}

	path := filepath.Join(opts.ModelName, tokenizerFile)
	var backend encoder
	switch cfg.TokenizerClass {
	case tokenizerClassBPE, "":
		backend, err = LoadBPE(path)
	case tokenizerClassTiktoken:
		if !opts.TrustRemoteCode {
			return nil, fmt.Errorf("tokenizer: %s uses encoding %q: %w", opts.ModelName, cfg.Encoding, ErrRemoteCodeNotTrusted)
		}
		backend, err = LoadTiktokenBPE(path)
	default:
		return nil, fmt.Errorf("tokenizer: unknown tokenizer class %q", cfg.TokenizerClass)
	}
	if err != nil {
		return nil, err
	}

	tok := NewTokenizer(backend, cfg.ModelMaxLength)
	if opts.ModelMaxLength > 0 {
		tok.ModelMaxLength = opts.ModelMaxLength
	}
	if cfg.PaddingSide != "" {
		tok.PaddingSide = cfg.PaddingSide
	}
	if cfg.PadToken == EosToken {
		tok.SetPadToEOS()
	}
	return tok, nil
}
