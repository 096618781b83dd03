// Package errors provides structured error types for the network bridge.
//
// Errors are categorized by Phase (which layer produced the error) and Kind
// (error category). Connection and substream ids are attached when known.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseMux, errors.KindContractViolation).
//		Conn(7).
//		Stream(2).
//		Detail("substream already reset").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.WrongTransport(7, "open substream", "tcp")
//	err := errors.OutOfBounds(errors.PhaseHost, ptr, length)
//
// Errors of kind KindContractViolation indicate a bug in the bridge or in the
// guest. They are raised as panics inside host functions and terminate the
// guest instance; IsContractViolation identifies them anywhere in a chain.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
