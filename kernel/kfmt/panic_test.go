package kfmt

import (
	"bytes"
	"coreos/kernel"
	"coreos/kernel/cpu"
	"errors"
	"testing"
)

func TestPanic(t *testing.T) {
	defer func() { cpuHaltFn = cpu.Halt }()

	var cpuHaltCalled bool
	cpuHaltFn = func() { cpuHaltCalled = true }

	specs := []struct {
		name string
		in   interface{}
		exp  string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			"\n*** kernel panic: [test] panic test ***\nsystem halted\n",
		},
		{
			"with *kernel.Error carrying errno",
			&kernel.Error{Module: "vmm", Message: "frame allocation failed", Errno: kernel.ENOMEM},
			"\n*** kernel panic: [vmm] frame allocation failed (out of memory) ***\nsystem halted\n",
		},
		{
			"with error",
			errors.New("go error"),
			"\n*** kernel panic: [rt] go error ***\nsystem halted\n",
		},
		{
			"with string",
			"string error",
			"\n*** kernel panic: [rt] string error ***\nsystem halted\n",
		},
		{
			"without error",
			nil,
			"\n*** kernel panic ***\nsystem halted\n",
		},
		{
			"with unexpected value",
			42,
			"\n*** kernel panic: [rt] unknown cause ***\nsystem halted\n",
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			cpuHaltCalled = false
			earlyPrintBuffer = logBuffer{}
			var buf bytes.Buffer
			SetOutputSink(&buf)
			defer SetOutputSink(nil)

			Panic(spec.in)

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.exp, got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected cpu.Halt() to be called by Panic")
			}
		})
	}
}
