package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A GPT-style causal language model with explicit forward and backward
// passes.
//
// Architecture (pre-norm, GPT-2 layout):
//
//	x = tok_embed[ids] + pos_embed[0:n]
//	for each block:
//	    h = x + Attention(LayerNorm(x))
//	    x = h + MLP(LayerNorm(h))
//	logits = lm_head(LayerNorm(x))
//
// Every projection is a named Linear, which is what adapter injection
// matches target modules against:
//
//	blocks.<i>.attn.q_proj   blocks.<i>.attn.k_proj
//	blocks.<i>.attn.v_proj   blocks.<i>.attn.o_proj
//	blocks.<i>.mlp.fc_in     blocks.<i>.mlp.fc_out
//	lm_head
//
// TRAINING STEP:
//
// forward() returns logits and a cache; backward() walks the blocks in
// reverse, handing each block its cache. With gradient checkpointing on,
// forward() keeps only each block's input (and the seed its dropout masks
// were drawn from) and backward() recomputes the block before
// differentiating it. Peak activation memory drops from all blocks to one
// block at the cost of a second forward pass.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "Attention Is All You Need" by Vaswani et al. (2017)
//   https://arxiv.org/abs/1706.03762
// - "Language Models are Unsupervised Multitask Learners" (GPT-2)
// - "Training Deep Nets with Sublinear Memory Cost" by Chen et al. (2016)
//   https://arxiv.org/abs/1604.06174
// ===========================================================================

const (
	modelConfigFile  = "config.json"
	modelWeightsFile = "model.bin"
)

// ModelConfig holds the hyperparameters stored in a model directory's
// config.json.
type ModelConfig struct {
	ModelType             string  `json:"model_type"`
	VocabSize             int     `json:"vocab_size"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	HiddenSize            int     `json:"hidden_size"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	NumHiddenLayers       int     `json:"num_hidden_layers"`
	IntermediateSize      int     `json:"intermediate_size"`
	LayerNormEpsilon      float64 `json:"layer_norm_epsilon"`
	InitializerRange      float64 `json:"initializer_range"`
	TorchDType            string  `json:"torch_dtype,omitempty"`
	UseCache              bool    `json:"use_cache"`
	EOSTokenID            int     `json:"eos_token_id"`
	PadTokenID            int     `json:"pad_token_id"`
}

// DefaultModelConfig returns a small configuration suitable for CPU
// training.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		ModelType:             "gpt",
		VocabSize:             2048,
		MaxPositionEmbeddings: 256,
		HiddenSize:            128,
		NumAttentionHeads:     4,
		NumHiddenLayers:       4,
		IntermediateSize:      512,
		LayerNormEpsilon:      1e-5,
		InitializerRange:      0.02,
		TorchDType:            string(DTypeFloat32),
		UseCache:              true,
		EOSTokenID:            eosTokenID,
		PadTokenID:            padTokenID,
	}
}

// Validate checks that the dimensions describe a buildable model.
func (c ModelConfig) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("model: vocab_size must be positive, got %d", c.VocabSize)
	case c.MaxPositionEmbeddings <= 0:
		return fmt.Errorf("model: max_position_embeddings must be positive, got %d", c.MaxPositionEmbeddings)
	case c.HiddenSize <= 0 || c.NumAttentionHeads <= 0:
		return fmt.Errorf("model: hidden_size and num_attention_heads must be positive")
	case c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("model: hidden_size (%d) must be divisible by num_attention_heads (%d)", c.HiddenSize, c.NumAttentionHeads)
	case c.NumHiddenLayers <= 0:
		return fmt.Errorf("model: num_hidden_layers must be positive, got %d", c.NumHiddenLayers)
	case c.IntermediateSize <= 0:
		return fmt.Errorf("model: intermediate_size must be positive, got %d", c.IntermediateSize)
	}
	return nil
}

// LayerNorm implements layer normalization: y = γ * (x - μ) / σ + β.
type LayerNorm struct {
	name  string
	eps   float64
	gamma *Tensor
	beta  *Tensor
}

func newLayerNorm(name string, dim int, eps float64) *LayerNorm {
	gamma := NewParameter(dim)
	for i := range gamma.data {
		gamma.data[i] = 1.0
	}
	return &LayerNorm{name: name, eps: eps, gamma: gamma, beta: NewParameter(dim)}
}

// Forward normalizes each row of x independently.
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("model: LayerNorm input must be 2D")
	}

	rows, features := x.shape[0], x.shape[1]
	out := NewTensor(rows, features)
	for r := 0; r < rows; r++ {
		row := x.data[r*features : (r+1)*features]
		mean, std := meanStd(row, ln.eps)
		for f, v := range row {
			out.data[r*features+f] = (v-mean)/std*ln.gamma.data[f] + ln.beta.data[f]
		}
	}
	return out
}

func (ln *LayerNorm) backward(x, gradY *Tensor) *Tensor {
	gradX, gradGamma, gradBeta := LayerNormBackward(x, ln.gamma, gradY, ln.eps)
	ln.gamma.AccumulateGrad(gradGamma)
	ln.beta.AccumulateGrad(gradBeta)
	return gradX
}

// Attention implements causal multi-head self-attention.
type Attention struct {
	numHeads int
	headDim  int

	q, k, v, o *Linear
}

type attnCache struct {
	qc, kc, vc, oc *linearCache
	q, k, v        *Tensor
	probs          []*Tensor // per head, (seqLen, seqLen)
}

func (a *Attention) forward(x *Tensor, mode runMode) (*Tensor, *attnCache) {
	c := &attnCache{}
	c.q, c.qc = a.q.forward(x, mode)
	c.k, c.kc = a.k.forward(x, mode)
	c.v, c.vc = a.v.forward(x, mode)

	concat, probs := a.attend(c.q, c.k, c.v, 0)
	c.probs = probs

	out, oc := a.o.forward(concat, mode)
	c.oc = oc
	return out, c
}

// attend computes softmax(Q·Kᵀ/√d)·V per head. Query row i sits at
// absolute position offset+i and may look at key positions 0..offset+i.
func (a *Attention) attend(q, k, v *Tensor, offset int) (*Tensor, []*Tensor) {
	tq, tk := q.shape[0], k.shape[0]
	out := NewTensor(tq, a.numHeads*a.headDim)
	probs := make([]*Tensor, a.numHeads)
	scale := 1.0 / math.Sqrt(float64(a.headDim))

	for h := 0; h < a.numHeads; h++ {
		lo, hi := h*a.headDim, (h+1)*a.headDim
		qh := sliceCols(q, lo, hi)
		kh := sliceCols(k, lo, hi)
		vh := sliceCols(v, lo, hi)

		scores := Scale(MatMul(qh, Transpose(kh)), scale)
		for i := 0; i < tq; i++ {
			for j := offset + i + 1; j < tk; j++ {
				scores.data[i*tk+j] = math.Inf(-1)
			}
		}

		p := Softmax(scores)
		probs[h] = p
		setCols(out, MatMul(p, vh), lo)
	}

	return out, probs
}

func (a *Attention) backward(c *attnCache, gradY *Tensor) *Tensor {
	gradConcat := a.o.backward(c.oc, gradY)
	scale := 1.0 / math.Sqrt(float64(a.headDim))

	gradQ := NewTensor(c.q.shape...)
	gradK := NewTensor(c.k.shape...)
	gradV := NewTensor(c.v.shape...)

	for h := 0; h < a.numHeads; h++ {
		lo, hi := h*a.headDim, (h+1)*a.headDim
		qh := sliceCols(c.q, lo, hi)
		kh := sliceCols(c.k, lo, hi)
		vh := sliceCols(c.v, lo, hi)
		gOut := sliceCols(gradConcat, lo, hi)
		p := c.probs[h]

		// Masked positions have p = 0, so their score gradient is 0 too.
		gradP := MatMul(gOut, Transpose(vh))
		setCols(gradV, MatMul(Transpose(p), gOut), lo)

		gradScores := Scale(SoftmaxBackward(p, gradP), scale)
		setCols(gradQ, MatMul(gradScores, kh), lo)
		setCols(gradK, MatMul(Transpose(gradScores), qh), lo)
	}

	gradX := a.q.backward(c.qc, gradQ)
	addScaledInPlace(gradX, a.k.backward(c.kc, gradK), 1.0)
	addScaledInPlace(gradX, a.v.backward(c.vc, gradV), 1.0)
	return gradX
}

// MLP is the position-wise feed-forward network: fc_out(GELU(fc_in(x))).
type MLP struct {
	fcIn, fcOut *Linear
}

type mlpCache struct {
	inC, outC *linearCache
	pre       *Tensor
}

func (m *MLP) forward(x *Tensor, mode runMode) (*Tensor, *mlpCache) {
	c := &mlpCache{}
	c.pre, c.inC = m.fcIn.forward(x, mode)
	y, outC := m.fcOut.forward(GELU(c.pre), mode)
	c.outC = outC
	return y, c
}

func (m *MLP) backward(c *mlpCache, gradY *Tensor) *Tensor {
	gradAct := m.fcOut.backward(c.outC, gradY)
	return m.fcIn.backward(c.inC, GELUBackward(c.pre, gradAct))
}

// Block is one pre-norm transformer block.
type Block struct {
	ln1  *LayerNorm
	attn *Attention
	ln2  *LayerNorm
	mlp  *MLP
}

type blockCache struct {
	x, h *Tensor
	attn *attnCache
	mlp  *mlpCache
}

func (b *Block) forward(x *Tensor, mode runMode) (*Tensor, *blockCache) {
	c := &blockCache{x: x}

	attended, ac := b.attn.forward(b.ln1.Forward(x), mode)
	c.attn = ac
	c.h = Add(x, attended)

	ff, mc := b.mlp.forward(b.ln2.Forward(c.h), mode)
	c.mlp = mc

	return Add(c.h, ff), c
}

func (b *Block) backward(c *blockCache, gradY *Tensor) *Tensor {
	gradH := gradY.Clone()
	addScaledInPlace(gradH, b.ln2.backward(c.h, b.mlp.backward(c.mlp, gradY)), 1.0)

	gradX := gradH.Clone()
	addScaledInPlace(gradX, b.ln1.backward(c.x, b.attn.backward(c.attn, gradH)), 1.0)
	return gradX
}

// GPT is a decoder-only transformer language model.
type GPT struct {
	config ModelConfig

	tokenEmbed *Tensor // (vocab, hidden)
	posEmbed   *Tensor // (positions, hidden)
	blocks     []*Block
	lnFinal    *LayerNorm
	lmHead     *Linear

	gradientCheckpointing bool
	autocast              DType
	training              bool
	rng                   *rand.Rand
}

// NewGPT builds a model from config. Weights are drawn from
// N(0, initializer_range²) using rng; a nil rng leaves them at zero, which
// is what loading does before reading a weights file.
func NewGPT(config ModelConfig, rng *rand.Rand) (*GPT, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.LayerNormEpsilon <= 0 {
		config.LayerNormEpsilon = 1e-5
	}
	if config.InitializerRange <= 0 {
		config.InitializerRange = 0.02
	}

	std := config.InitializerRange
	hidden := config.HiddenSize
	param := func(shape ...int) *Tensor {
		if rng == nil {
			return NewParameter(shape...)
		}
		return NewParameterNormal(rng, std, shape...)
	}

	g := &GPT{
		config:     config,
		tokenEmbed: param(config.VocabSize, hidden),
		posEmbed:   param(config.MaxPositionEmbeddings, hidden),
		blocks:     make([]*Block, config.NumHiddenLayers),
		lnFinal:    newLayerNorm("ln_f", hidden, config.LayerNormEpsilon),
		lmHead:     newLinear("lm_head", hidden, config.VocabSize, false, rng, std),
	}

	for i := range g.blocks {
		prefix := fmt.Sprintf("blocks.%d", i)
		g.blocks[i] = &Block{
			ln1: newLayerNorm(prefix+".ln1", hidden, config.LayerNormEpsilon),
			attn: &Attention{
				numHeads: config.NumAttentionHeads,
				headDim:  hidden / config.NumAttentionHeads,
				q:        newLinear(prefix+".attn.q_proj", hidden, hidden, true, rng, std),
				k:        newLinear(prefix+".attn.k_proj", hidden, hidden, true, rng, std),
				v:        newLinear(prefix+".attn.v_proj", hidden, hidden, true, rng, std),
				o:        newLinear(prefix+".attn.o_proj", hidden, hidden, true, rng, std),
			},
			ln2: newLayerNorm(prefix+".ln2", hidden, config.LayerNormEpsilon),
			mlp: &MLP{
				fcIn:  newLinear(prefix+".mlp.fc_in", hidden, config.IntermediateSize, true, rng, std),
				fcOut: newLinear(prefix+".mlp.fc_out", config.IntermediateSize, hidden, true, rng, std),
			},
		}
	}

	return g, nil
}

// Config returns the model's hyperparameters.
func (g *GPT) Config() ModelConfig {
	return g.config
}

// SetUseCache records whether generation may use a KV cache.
func (g *GPT) SetUseCache(on bool) {
	g.config.UseCache = on
}

// EnableGradientCheckpointing turns on block-level recomputation.
func (g *GPT) EnableGradientCheckpointing() {
	g.gradientCheckpointing = true
}

// SetAutocast sets the precision projection outputs are rounded to.
func (g *GPT) SetAutocast(d DType) {
	g.autocast = d
}

// Train puts the model in training mode; rng drives dropout.
func (g *GPT) Train(rng *rand.Rand) {
	g.training = true
	g.rng = rng
}

// Eval puts the model in inference mode.
func (g *GPT) Eval() {
	g.training = false
	g.rng = nil
}

func (g *GPT) mode() runMode {
	m := runMode{training: g.training, autocast: g.autocast}
	if g.training {
		m.rng = g.rng
	}
	return m
}

// namedTensor pairs a parameter with its serialized name.
type namedTensor struct {
	name string
	t    *Tensor
}

// NamedLinears returns every projection in forward order.
func (g *GPT) NamedLinears() []*Linear {
	var out []*Linear
	for _, b := range g.blocks {
		out = append(out, b.attn.q, b.attn.k, b.attn.v, b.attn.o, b.mlp.fcIn, b.mlp.fcOut)
	}
	return append(out, g.lmHead)
}

// baseParameters lists the base model weights under their file names.
// Adapter weights are not included.
func (g *GPT) baseParameters() []namedTensor {
	params := []namedTensor{
		{"tok_embed", g.tokenEmbed},
		{"pos_embed", g.posEmbed},
	}
	addLN := func(ln *LayerNorm) {
		params = append(params, namedTensor{ln.name + ".weight", ln.gamma}, namedTensor{ln.name + ".bias", ln.beta})
	}
	addLinear := func(l *Linear) {
		params = append(params, namedTensor{l.name + ".weight", l.weight})
		if l.bias != nil {
			params = append(params, namedTensor{l.name + ".bias", l.bias})
		}
	}

	for _, b := range g.blocks {
		addLN(b.ln1)
		addLinear(b.attn.q)
		addLinear(b.attn.k)
		addLinear(b.attn.v)
		addLinear(b.attn.o)
		addLN(b.ln2)
		addLinear(b.mlp.fcIn)
		addLinear(b.mlp.fcOut)
	}
	addLN(g.lnFinal)
	addLinear(g.lmHead)
	return params
}

// Parameters returns all weights, adapters included.
func (g *GPT) Parameters() []*Tensor {
	var params []*Tensor
	for _, p := range g.baseParameters() {
		params = append(params, p.t)
	}
	for _, l := range g.NamedLinears() {
		if l.lora != nil {
			params = append(params, l.lora.a, l.lora.b)
		}
	}
	return params
}

// TrainableParameters returns the weights that receive gradients.
func (g *GPT) TrainableParameters() []*Tensor {
	var params []*Tensor
	for _, p := range g.Parameters() {
		if p.requiresGrad {
			params = append(params, p)
		}
	}
	return params
}

// ZeroGrad clears gradients of all trainable parameters.
func (g *GPT) ZeroGrad() {
	for _, p := range g.TrainableParameters() {
		p.ZeroGrad()
	}
}

func (g *GPT) embed(ids []int, offset int) *Tensor {
	hidden := g.config.HiddenSize
	if offset+len(ids) > g.config.MaxPositionEmbeddings {
		panic(fmt.Sprintf("model: sequence length %d exceeds maximum %d", offset+len(ids), g.config.MaxPositionEmbeddings))
	}

	x := NewTensor(len(ids), hidden)
	for i, id := range ids {
		if id < 0 || id >= g.config.VocabSize {
			panic(fmt.Sprintf("model: token ID %d out of vocabulary range [0,%d)", id, g.config.VocabSize))
		}
		tok := g.tokenEmbed.data[id*hidden : (id+1)*hidden]
		pos := g.posEmbed.data[(offset+i)*hidden : (offset+i+1)*hidden]
		row := x.data[i*hidden : (i+1)*hidden]
		for j := range row {
			row[j] = tok[j] + pos[j]
		}
	}
	return x
}

func (g *GPT) embedBackward(ids []int, gradX *Tensor) {
	hidden := g.config.HiddenSize
	accumulateRows := func(t *Tensor, row, src int) {
		if !t.requiresGrad {
			return
		}
		dst := t.grad[row*hidden : (row+1)*hidden]
		for j, v := range gradX.data[src*hidden : (src+1)*hidden] {
			dst[j] += v
		}
	}
	for i, id := range ids {
		accumulateRows(g.tokenEmbed, id, i)
		accumulateRows(g.posEmbed, i, i)
	}
}

type forwardCache struct {
	ids    []int
	inputs []*Tensor // block inputs
	seeds  []int64   // per-block dropout seeds
	blocks []*blockCache
	final  *Tensor // input to ln_f
	head   *linearCache
}

func (g *GPT) forward(ids []int) (*Tensor, *forwardCache) {
	mode := g.mode()
	keep := !(g.gradientCheckpointing && mode.training)

	c := &forwardCache{
		ids:    ids,
		inputs: make([]*Tensor, len(g.blocks)),
		seeds:  make([]int64, len(g.blocks)),
		blocks: make([]*blockCache, len(g.blocks)),
	}

	x := g.embed(ids, 0)
	for i, b := range g.blocks {
		blockMode := mode
		if mode.rng != nil {
			c.seeds[i] = mode.rng.Int63()
			blockMode.rng = rand.New(rand.NewSource(c.seeds[i]))
		}

		y, bc := b.forward(x, blockMode)
		c.inputs[i] = x
		if keep {
			c.blocks[i] = bc
		}
		x = y
	}

	c.final = x
	logits, hc := g.lmHead.forward(g.lnFinal.Forward(x), mode)
	c.head = hc
	return logits, c
}

func (g *GPT) backward(c *forwardCache, gradLogits *Tensor) {
	gradX := g.lnFinal.backward(c.final, g.lmHead.backward(c.head, gradLogits))

	for i := len(g.blocks) - 1; i >= 0; i-- {
		b := g.blocks[i]
		bc := c.blocks[i]
		if bc == nil {
			mode := g.mode()
			if mode.rng != nil {
				mode.rng = rand.New(rand.NewSource(c.seeds[i]))
			}
			_, bc = b.forward(c.inputs[i], mode)
		}
		gradX = b.backward(bc, gradX)
		c.blocks[i] = nil
	}

	g.embedBackward(c.ids, gradX)
}

// Forward computes (seqLen, vocab) logits without keeping anything for
// backward.
func (g *GPT) Forward(ids []int) *Tensor {
	logits, _ := g.forward(ids)
	return logits
}

// LossAndGrad runs forward and backward for one sequence. labels are
// aligned with ids; position t is scored against labels[t+1], and labels
// equal to -100 are skipped. Gradients of scale*lossSum are accumulated
// into the trainable parameters.
func (g *GPT) LossAndGrad(ids, labels []int, scale float64) (lossSum float64, count int) {
	if len(ids) != len(labels) {
		panic("model: ids and labels differ in length")
	}
	if len(ids) == 0 {
		return 0, 0
	}

	logits, cache := g.forward(ids)
	targets := shiftLabels(labels)

	lossSum, count, grad := CrossEntropyLoss(logits, targets, scale)
	if count > 0 {
		g.backward(cache, grad)
	}
	return lossSum, count
}

// shiftLabels turns per-position labels into next-token targets.
func shiftLabels(labels []int) []int {
	targets := make([]int, len(labels))
	copy(targets, labels[1:])
	targets[len(targets)-1] = ignoreIndex
	return targets
}

// CausalLM is what the trainer needs from a model.
type CausalLM interface {
	Config() ModelConfig
	LossAndGrad(ids, labels []int, scale float64) (float64, int)
	TrainableParameters() []*Tensor
	ZeroGrad()
	Train(rng *rand.Rand)
	Eval()
	SetAutocast(DType)
	EnableGradientCheckpointing()
	SavePretrained(dir string) error
}

var _ CausalLM = (*GPT)(nil)

// SavePretrained writes config.json and model.bin into dir. Adapters, if
// attached, are not part of the base weights and are not saved here.
func (g *GPT) SavePretrained(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("model: create %s: %w", dir, err)
	}

	cfg, err := json.MarshalIndent(g.config, "", "  ")
	if err != nil {
		return fmt.Errorf("model: marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, modelConfigFile), cfg, 0o644); err != nil {
		return fmt.Errorf("model: write config: %w", err)
	}

	if err := writeWeights(filepath.Join(dir, modelWeightsFile), g.baseParameters()); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	return nil
}

// LoadGPT reads a model directory written by SavePretrained.
func LoadGPT(dir string) (*GPT, error) {
	raw, err := os.ReadFile(filepath.Join(dir, modelConfigFile))
	if err != nil {
		return nil, fmt.Errorf("model: read config: %w", err)
	}

	var config ModelConfig
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, fmt.Errorf("model: parse %s: %w", modelConfigFile, err)
	}

	g, err := NewGPT(config, nil)
	if err != nil {
		return nil, err
	}

	weights, err := readWeights(filepath.Join(dir, modelWeightsFile))
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	if err := assignWeights(g.baseParameters(), weights); err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	return g, nil
}

var errWeightMissing = errors.New("weight missing from file")

// assignWeights copies loaded tensors into params by name.
func assignWeights(params []namedTensor, weights map[string]*Tensor) error {
	for _, p := range params {
		w, ok := weights[p.name]
		if !ok {
			return fmt.Errorf("%s: %w", p.name, errWeightMissing)
		}
		if !shapeEqual(w.shape, p.t.shape) {
			return fmt.Errorf("%s: shape %v in file, model expects %v", p.name, w.shape, p.t.shape)
		}
		copy(p.t.data, w.data)
	}
	return nil
}

// sliceCols copies columns [lo, hi) of a 2D tensor.
func sliceCols(t *Tensor, lo, hi int) *Tensor {
	rows, cols := t.shape[0], t.shape[1]
	out := NewTensor(rows, hi-lo)
	for r := 0; r < rows; r++ {
		copy(out.data[r*(hi-lo):(r+1)*(hi-lo)], t.data[r*cols+lo:r*cols+hi])
	}
	return out
}

// setCols writes src into dst starting at column lo.
func setCols(dst, src *Tensor, lo int) {
	rows, cols, w := dst.shape[0], dst.shape[1], src.shape[1]
	for r := 0; r < rows; r++ {
		copy(dst.data[r*cols+lo:r*cols+lo+w], src.data[r*w:(r+1)*w])
	}
}
