//go:build linux

package asyncsafe

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

// capture redirects log output into a string for the duration of a test.
func capture(t *testing.T) *string {
	t.Helper()
	var got string
	SetSink(func(line []byte) { got += string(line) })
	t.Cleanup(func() { SetSink(nil) })
	return &got
}

func TestWarnfFormatting(t *testing.T) {
	tests := []struct {
		name   string
		format string
		args   []interface{}
		want   string
	}{
		{
			"plain",
			"signal stack unavailable", nil,
			"pthread: warning: signal stack unavailable\n",
		},
		{
			"decimal and errno",
			"mapping of %d bytes failed: %s",
			[]interface{}{16384, unix.ENOMEM},
			"pthread: warning: mapping of 16384 bytes failed: cannot allocate memory\n",
		},
		{
			"negative decimal",
			"policy %d", []interface{}{-2},
			"pthread: warning: policy -2\n",
		},
		{
			"hex",
			"base %x", []interface{}{uintptr(0xdeadbeef)},
			"pthread: warning: base deadbeef\n",
		},
		{
			"literal percent",
			"gap is 50%% of stack", nil,
			"pthread: warning: gap is 50% of stack\n",
		},
		{
			"missing argument",
			"got %s", nil,
			"pthread: warning: got %!(missing)\n",
		},
		{
			"wrong argument type",
			"got %s", []interface{}{42},
			"pthread: warning: got %!(badtype)\n",
		},
		{
			"unknown verb",
			"got %q", []interface{}{"x"},
			"pthread: warning: got %!\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := capture(t)
			Warnf(tt.format, tt.args...)
			if *got != tt.want {
				t.Errorf("Warnf(%q) wrote %q, want %q", tt.format, *got, tt.want)
			}
		})
	}
}

func TestErrorfPrefix(t *testing.T) {
	got := capture(t)
	Errorf("clone flags %x unsupported", uint64(0x11))
	want := "pthread: error: clone flags 11 unsupported\n"
	if *got != want {
		t.Errorf("Errorf wrote %q, want %q", *got, want)
	}
}

func TestTruncation(t *testing.T) {
	got := capture(t)
	Warnf("%s", strings.Repeat("x", 2*bufSize))
	if len(*got) != bufSize {
		t.Errorf("line length = %d, want %d", len(*got), bufSize)
	}
	if !strings.HasSuffix(*got, "\n") {
		t.Error("truncated line does not end in a newline")
	}
}

func TestIntegerWidths(t *testing.T) {
	got := capture(t)
	Warnf("%d %d %d %d %d", int32(-7), int64(1 << 40), uint32(9), uint64(10), uintptr(11))
	want := "pthread: warning: -7 1099511627776 9 10 11\n"
	if *got != want {
		t.Errorf("wrote %q, want %q", *got, want)
	}
}

func TestFatalfLogsThenPanics(t *testing.T) {
	got := capture(t)
	defer func() {
		if recover() == nil {
			t.Error("Fatalf did not panic")
		}
		want := "pthread: fatal: no early-bootstrap storage: ENOMEM\n"
		if *got != want {
			t.Errorf("Fatalf wrote %q, want %q", *got, want)
		}
	}()
	Fatalf("no early-bootstrap storage: %s", "ENOMEM")
}

func TestErrnoName(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"known errno", unix.ENOMEM, "ENOMEM"},
		{"another known errno", unix.EAGAIN, "EAGAIN"},
		{"nil", nil, "OK"},
		{"plain error", errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrnoName(tt.err); got != tt.want {
				t.Errorf("ErrnoName(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}

	// Out-of-table values fall back to something containing the number.
	if got := ErrnoName(unix.Errno(4095)); !strings.Contains(got, "4095") {
		t.Errorf("ErrnoName(4095) = %q, want the numeric value", got)
	}
}
