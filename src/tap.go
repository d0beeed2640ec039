package advflow

// featureSlotCapacity is the exact number of captures one batch step makes:
// the adversarial forward first, then the clean forward.
const featureSlotCapacity = 2

// FeatureTap captures the activation entering one designated block during
// training-mode forward passes. It is an explicit capacity-2 slot shared by
// the model (writer) and the training loop (reader): entry 1 is the
// adversarial-branch capture, entry 2 the clean-branch capture. The reader
// must consume and clear the slot every batch; leftovers are never trusted.
type FeatureTap struct {
	slot []*tensor
}

// NewFeatureTap attaches the single capture point of model to the block
// blockFromEnd positions from the output end (1 = last block). A model
// holds at most one tap; an out-of-range index is a configuration error.
func NewFeatureTap(model *Model, blockFromEnd int) (*FeatureTap, error) {
	tap := &FeatureTap{
		slot: make([]*tensor, 0, featureSlotCapacity),
	}
	if err := model.attachTap(tap, blockFromEnd); err != nil {
		return nil, err
	}
	return tap, nil
}

// capture appends a copy of the activation. The copy matters: the layer
// caches the same tensor for its backward pass and must not alias the slot.
func (t *FeatureTap) capture(activation *tensor) error {
	if len(t.slot) >= featureSlotCapacity {
		return stateErrorf("FeatureTap",
			"capture slot already holds %d entries; prior batch was not consumed", len(t.slot))
	}
	t.slot = append(t.slot, activation.clone())
	return nil
}

// consume returns the (adversarial, clean) capture pair and clears the slot.
// The slot is cleared even on error so a bad batch cannot poison the next
// one; the error itself still aborts the run.
func (t *FeatureTap) consume() (adv, clean *tensor, err error) {
	n := len(t.slot)
	if n != featureSlotCapacity {
		t.clear()
		return nil, nil, stateErrorf("FeatureTap",
			"capture slot holds %d entries, expected %d", n, featureSlotCapacity)
	}
	adv, clean = t.slot[0], t.slot[1]
	t.clear()
	return adv, clean, nil
}

// pending reports how many captures are waiting
func (t *FeatureTap) pending() int { return len(t.slot) }

func (t *FeatureTap) clear() {
	for i := range t.slot {
		t.slot[i] = nil
	}
	t.slot = t.slot[:0]
}
