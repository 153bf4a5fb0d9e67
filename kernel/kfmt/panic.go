package kfmt

import (
	"coreos/kernel"
	"coreos/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the
	// compiler.
	cpuHaltFn = cpu.Halt

	// errGoRuntime carries panic values that did not originate as a
	// *kernel.Error: runtime throws, plain strings and wrapped Go errors.
	errGoRuntime = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic reports an unrecoverable error and halts the CPU; it never returns.
// Besides being the redirection target for the runtime's own panic paths it
// is called for the explicit fatal conditions: a double fault during a
// page-table transaction, freeing the bound page directory table and
// repeated OOM-killer failure.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	Printf("\n*** kernel panic")
	if err := panicCause(e); err != nil {
		Printf(": [%s] %s", err.Module, err.Message)
		if err.Errno != kernel.ENONE {
			Printf(" (%s)", err.Errno.String())
		}
	}
	Printf(" ***\nsystem halted\n")

	cpuHaltFn()
}

// panicCause normalizes a panic value: kernel errors pass through untouched,
// anything else is folded under the runtime module tag, and nil stays nil
// (panic with no cause).
func panicCause(e interface{}) *kernel.Error {
	switch t := e.(type) {
	case nil:
		return nil
	case *kernel.Error:
		return t
	case string:
		errGoRuntime.Message = t
	case error:
		errGoRuntime.Message = t.Error()
	default:
		errGoRuntime.Message = "unknown cause"
	}
	return errGoRuntime
}

// panicString serves as a redirect target for runtime.throw.
//
//go:redirect-from runtime.throw
func panicString(msg string) {
	Panic(msg)
}
