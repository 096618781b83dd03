package bridge

import (
	"context"
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-netbridge/errors"
	"github.com/wippyai/wasm-netbridge/mux"
	"github.com/wippyai/wasm-netbridge/scheduler"
)

// ErrTooManyRequests is returned by JSONRPCSend when the chain's request
// queue is full.
var ErrTooManyRequests = &errors.Error{Phase: errors.PhaseGuest, Kind: errors.KindInvalidState, Detail: "too many pending JSON-RPC requests"}

// ChainConfig describes a chain to add.
type ChainConfig struct {
	Spec     string
	Database string

	MaxPendingRequests uint32
	MaxSubscriptions   uint32
	// PotentialRelayChains lists previously added chain ids.
	PotentialRelayChains []uint32
}

// Stats is a snapshot of bridge activity.
type Stats struct {
	Mux       mux.Stats
	Scheduler scheduler.Stats
	Timers    int
	Dead      bool
}

// AddChain adds a chain and returns the guest-assigned id.
func (b *Bridge) AddChain(ctx context.Context, cfg ChainConfig) (uint32, error) {
	relays := make([]byte, 4*len(cfg.PotentialRelayChains))
	for i, id := range cfg.PotentialRelayChains {
		binary.LittleEndian.PutUint32(relays[4*i:], id)
	}
	slots := map[uint32][]byte{
		slotPrimary:   []byte(cfg.Spec),
		slotSecondary: []byte(cfg.Database),
		slotRelays:    relays,
	}

	var id uint32
	err := b.do(ctx, func() error {
		res, ok := b.callWithBuffers(slots, exportAddChain,
			uint64(slotPrimary), uint64(slotSecondary),
			uint64(cfg.MaxPendingRequests), uint64(cfg.MaxSubscriptions),
			uint64(slotRelays))
		if !ok {
			return errors.ErrGuestDead
		}
		id = api.DecodeU32(res[0])
		return nil
	})
	return id, err
}

// RemoveChain removes a chain added with AddChain.
func (b *Bridge) RemoveChain(ctx context.Context, chain uint32) error {
	return b.do(ctx, func() error {
		if _, ok := b.call(exportRemoveChain, uint64(chain)); !ok {
			return errors.ErrGuestDead
		}
		return nil
	})
}

// ChainIsOK reports whether the chain was added successfully.
func (b *Bridge) ChainIsOK(ctx context.Context, chain uint32) (bool, error) {
	var healthy bool
	err := b.do(ctx, func() error {
		res, ok := b.call(exportChainIsOK, uint64(chain))
		if !ok {
			return errors.ErrGuestDead
		}
		healthy = api.DecodeU32(res[0]) != 0
		return nil
	})
	return healthy, err
}

// ChainError returns the error message of a chain that failed to be added.
func (b *Bridge) ChainError(ctx context.Context, chain uint32) (string, error) {
	var message string
	err := b.do(ctx, func() error {
		n, ok := b.call(exportChainErrorLen, uint64(chain))
		if !ok {
			return errors.ErrGuestDead
		}
		ptr, ok := b.call(exportChainErrorPtr, uint64(chain))
		if !ok {
			return errors.ErrGuestDead
		}
		data, err := b.readGuest(api.DecodeU32(ptr[0]), api.DecodeU32(n[0]))
		if err != nil {
			return err
		}
		message = string(data)
		return nil
	})
	return message, err
}

// JSONRPCSend queues a request on a chain. Responses are announced with
// EventJSONRPCResponses and read with NextJSONRPCResponse.
func (b *Bridge) JSONRPCSend(ctx context.Context, chain uint32, request string) error {
	return b.do(ctx, func() error {
		res, ok := b.callWithBuffers(map[uint32][]byte{slotPrimary: []byte(request)},
			exportJSONRPCSend, uint64(slotPrimary), uint64(chain))
		if !ok {
			return errors.ErrGuestDead
		}
		switch code := api.DecodeU32(res[0]); code {
		case 0:
			return nil
		case 1:
			return ErrTooManyRequests
		default:
			return errors.New(errors.PhaseGuest, errors.KindInvalidData).
				Value(code).
				Detail("json_rpc_send returned %d", code).
				Build()
		}
	})
}

// NextJSONRPCResponse pops the oldest queued response of a chain. ok is false
// when the queue is empty.
func (b *Bridge) NextJSONRPCResponse(ctx context.Context, chain uint32) (response string, ok bool, err error) {
	err = b.do(ctx, func() error {
		res, alive := b.call(exportJSONRPCResponsesPeek, uint64(chain))
		if !alive {
			return errors.ErrGuestDead
		}
		header, err := b.readGuest(api.DecodeU32(res[0]), 8)
		if err != nil {
			return err
		}
		ptr := binary.LittleEndian.Uint32(header[0:4])
		length := binary.LittleEndian.Uint32(header[4:8])
		if length == 0 {
			return nil
		}
		data, err := b.readGuest(ptr, length)
		if err != nil {
			return err
		}
		response, ok = string(data), true

		if _, alive := b.call(exportJSONRPCResponsesPop, uint64(chain)); !alive {
			return errors.ErrGuestDead
		}
		return nil
	})
	return response, ok, err
}

// Stats returns a snapshot taken on the loop. Once the loop has stopped only
// the scheduler counters and the liveness flag are filled in.
func (b *Bridge) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Timers: b.timers.len()}
	err := b.sched.Do(ctx, func() { st.Mux = b.mux.Stats() })
	if err == scheduler.ErrStopped {
		err = nil
	}
	st.Scheduler = b.sched.Stats()
	st.Dead = b.dead.Load()
	return st, err
}

// readGuest copies guest memory outside a host call. A range the guest
// pointed at that does not exist kills it.
func (b *Bridge) readGuest(ptr, length uint32) ([]byte, error) {
	data, ok := b.mod.Memory().Read(ptr, length)
	if !ok {
		b.die(errors.OutOfBounds(errors.PhaseGuest, ptr, length).Error())
		return nil, errors.ErrGuestDead
	}
	return append([]byte(nil), data...), nil
}
