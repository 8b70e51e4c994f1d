package main

import "fmt"

// ===========================================================================
// KV CACHE - Speed up autoregressive generation
// ===========================================================================
//
// During generation every step re-reads the keys and values of all earlier
// tokens, and those never change. The cache keeps them per layer so each
// step only projects the new token:
//
//   - Without a cache: step t costs O(t) projections, O(n²) overall.
//   - With a cache:    step t costs O(1) projections, O(n) overall.
//
// Memory: 2 × layers × max_len × hidden floats.
//
// Training never uses the cache (the config's use_cache flag is turned off
// while fine-tuning); generate turns it back on.
// ===========================================================================

// KVCache stores cached keys and values for each transformer layer.
type KVCache struct {
	keys   []*Tensor // keys[layer] shape: (maxLen, hidden)
	values []*Tensor
	lens   []int // cached rows per layer
	maxLen int
}

// NewKVCache preallocates a cache for numLayers layers.
func NewKVCache(numLayers, maxLen, hidden int) *KVCache {
	kv := &KVCache{
		keys:   make([]*Tensor, numLayers),
		values: make([]*Tensor, numLayers),
		lens:   make([]int, numLayers),
		maxLen: maxLen,
	}
	for i := 0; i < numLayers; i++ {
		kv.keys[i] = NewTensor(maxLen, hidden)
		kv.values[i] = NewTensor(maxLen, hidden)
	}
	return kv
}

// Append adds new keys and values for one layer.
func (kv *KVCache) Append(layer int, newKeys, newValues *Tensor) error {
	if len(newKeys.shape) != 2 || !shapeEqual(newKeys.shape, newValues.shape) {
		return fmt.Errorf("kv_cache: keys %v and values %v must be matching 2D tensors", newKeys.shape, newValues.shape)
	}

	n, hidden := newKeys.shape[0], newKeys.shape[1]
	start := kv.lens[layer]
	if start+n > kv.maxLen {
		return fmt.Errorf("kv_cache: overflow, %d cached + %d new exceeds %d", start, n, kv.maxLen)
	}

	copy(kv.keys[layer].data[start*hidden:], newKeys.data)
	copy(kv.values[layer].data[start*hidden:], newValues.data)
	kv.lens[layer] += n
	return nil
}

// Keys returns a copy of the cached keys for a layer.
func (kv *KVCache) Keys(layer int) *Tensor {
	return kv.rows(kv.keys[layer], kv.lens[layer])
}

// Values returns a copy of the cached values for a layer.
func (kv *KVCache) Values(layer int) *Tensor {
	return kv.rows(kv.values[layer], kv.lens[layer])
}

func (kv *KVCache) rows(t *Tensor, n int) *Tensor {
	if n == 0 {
		return nil
	}
	hidden := t.shape[1]
	return NewTensorFrom(t.data[:n*hidden], n, hidden)
}

// Reset empties the cache. The buffers are reused.
func (kv *KVCache) Reset() {
	for i := range kv.lens {
		kv.lens[i] = 0
	}
}

// Len returns the number of tokens cached in the first layer, which is the
// position the next token will occupy.
func (kv *KVCache) Len() int {
	if len(kv.lens) == 0 {
		return 0
	}
	return kv.lens[0]
}

// forwardCached runs new tokens through the model, reading and extending
// the cache. Returns logits for the new tokens only.
func (g *GPT) forwardCached(ids []int, kv *KVCache) (*Tensor, error) {
	offset := kv.Len()
	if offset+len(ids) > g.config.MaxPositionEmbeddings {
		return nil, fmt.Errorf("model: context of %d tokens exceeds maximum %d", offset+len(ids), g.config.MaxPositionEmbeddings)
	}

	mode := runMode{autocast: g.autocast}
	x := g.embed(ids, offset)

	for i, b := range g.blocks {
		normed := b.ln1.Forward(x)
		q, _ := b.attn.q.forward(normed, mode)
		k, _ := b.attn.k.forward(normed, mode)
		v, _ := b.attn.v.forward(normed, mode)

		if err := kv.Append(i, k, v); err != nil {
			return nil, err
		}

		concat, _ := b.attn.attend(q, kv.Keys(i), kv.Values(i), offset)
		attended, _ := b.attn.o.forward(concat, mode)
		h := Add(x, attended)

		ff, _ := b.mlp.forward(b.ln2.Forward(h), mode)
		x = Add(h, ff)
	}

	logits, _ := g.lmHead.forward(g.lnFinal.Forward(x), mode)
	return logits, nil
}
