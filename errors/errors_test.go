package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: New(PhaseMux, KindContractViolation).
				Conn(3).
				Stream(9).
				Detail("substream %d already reset", 9).
				Build(),
			contains: []string{"[mux]", "contract_violation", "conn=3", "stream=9", "already reset"},
		},
		{
			name:     "minimal error",
			err:      &Error{Phase: PhaseAddress, Kind: KindInvalidData},
			contains: []string{"[address]", "invalid_data"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseTransport,
				Kind:   KindInvalidData,
				Detail: "dial",
				Cause:  errors.New("connection refused"),
			},
			contains: []string{"[transport]", "dial", "caused by", "connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				assert.Contains(t, msg, s)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(PhaseLoad, KindInvalidData, cause, "decompress")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, cause, errors.Unwrap(err))

	inst := Instantiation(cause)
	assert.Equal(t, KindInstantiation, inst.Kind)
	assert.ErrorIs(t, inst, cause)

	load := Load("100% of input consumed", cause)
	assert.Equal(t, "100% of input consumed", load.Detail)
	assert.ErrorIs(t, load, cause)
}

func TestError_Is(t *testing.T) {
	err := NotFound(PhaseMux, "connection", 4)

	assert.True(t, errors.Is(err, &Error{Phase: PhaseMux, Kind: KindNotFound}))
	assert.False(t, errors.Is(err, &Error{Phase: PhaseMux, Kind: KindInvalidData}))
	assert.False(t, errors.Is(err, &Error{Phase: PhaseHost, Kind: KindNotFound}))
}

func TestErrGuestDead(t *testing.T) {
	wrapped := fmt.Errorf("add chain: %w", ErrGuestDead)
	assert.ErrorIs(t, wrapped, ErrGuestDead)
	assert.False(t, IsContractViolation(wrapped))
}

func TestIsContractViolation(t *testing.T) {
	assert.True(t, IsContractViolation(WrongTransport(1, "open substream", "tcp")))
	assert.True(t, IsContractViolation(OutOfBounds(PhaseHost, 10, 20)))
	assert.True(t, IsContractViolation(fmt.Errorf("host call: %w", ContractViolation(PhaseBuffer, "slot %d unset", 2))))
	assert.False(t, IsContractViolation(InvalidData(PhaseAddress, "bad")))
	assert.False(t, IsContractViolation(nil))
}

func TestOutOfBounds_NoOverflow(t *testing.T) {
	err := OutOfBounds(PhaseHost, 0xFFFFFFF0, 0x20)
	assert.Contains(t, err.Error(), "4294967312")
}

func TestGuestPanic(t *testing.T) {
	err := GuestPanic("index out of range", "network-service")
	assert.Equal(t, KindGuestPanic, err.Kind)
	assert.Contains(t, err.Error(), `while executing "network-service"`)

	bare := GuestPanic("boom", "")
	assert.NotContains(t, bare.Error(), "while executing")
}

func TestMissingExportsError(t *testing.T) {
	err := NewMissingExportsError([]string{"timer_finished", "init"})
	require.Len(t, err.Exports, 2)
	assert.Equal(t, "init", err.Exports[0])

	msg := err.Error()
	assert.Contains(t, msg, "missing 2 export(s)")
	assert.Contains(t, msg, "- timer_finished")

	assert.True(t, errors.Is(err, &MissingExportsError{}))
	assert.True(t, errors.Is(err, &Error{Phase: PhaseLoad, Kind: KindMissingExport}))

	empty := NewMissingExportsError(nil)
	assert.Contains(t, empty.Error(), "no exports specified")
}
