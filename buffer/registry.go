package buffer

import (
	"github.com/wippyai/wasm-netbridge/errors"
)

// Registry maps small slot indices to byte buffers.
type Registry struct {
	slots map[uint32][]byte
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[uint32][]byte)}
}

// Set stores data at index, replacing any previous value.
// The registry keeps a reference to data; callers must not mutate it until Clear.
func (r *Registry) Set(index uint32, data []byte) {
	if data == nil {
		data = []byte{}
	}
	r.slots[index] = data
}

// Get returns the bytes at index. Reading an unset slot is a contract
// violation and panics.
func (r *Registry) Get(index uint32) []byte {
	data, ok := r.slots[index]
	if !ok {
		panic(errors.ContractViolation(errors.PhaseBuffer, "buffer slot %d is not set", index))
	}
	return data
}

// Size returns the length of the buffer at index. Panics like Get.
func (r *Registry) Size(index uint32) uint32 {
	return uint32(len(r.Get(index)))
}

// Clear removes the slot at index. Clearing an unset slot is a no-op.
func (r *Registry) Clear(index uint32) {
	delete(r.slots, index)
}

// Len returns the number of populated slots.
func (r *Registry) Len() int {
	return len(r.slots)
}

// Scoped populates the given slots, runs fn, and clears them again even if fn panics.
func (r *Registry) Scoped(slots map[uint32][]byte, fn func()) {
	for idx, data := range slots {
		r.Set(idx, data)
	}
	defer func() {
		for idx := range slots {
			r.Clear(idx)
		}
	}()
	fn()
}
