package layout

import "testing"

// TestDefaultValid checks the standalone descriptor.
func TestDefaultValid(t *testing.T) {
	l := Default()
	if !l.Valid() {
		t.Fatalf("Default() = %+v, not valid", l)
	}
	if l.OffControl != 0 {
		t.Errorf("Default() control offset = %d, want 0", l.OffControl)
	}
	if l.OffExtended != ControlBlockSize {
		t.Errorf("Default() extended offset = %d, want %d", l.OffExtended, ControlBlockSize)
	}
	if l.Size != ControlBlockSize+ExtendedStorageSize {
		t.Errorf("Default() size = %d, want %d", l.Size, ControlBlockSize+ExtendedStorageSize)
	}
}

// TestValid exercises descriptor validation edge cases.
func TestValid(t *testing.T) {
	tests := []struct {
		name string
		l    StaticTLS
		want bool
	}{
		{
			name: "default",
			l:    Default(),
			want: true,
		},
		{
			name: "extended before control",
			l: StaticTLS{
				Size:        ControlBlockSize + ExtendedStorageSize,
				Align:       WordSize,
				OffControl:  ExtendedStorageSize,
				OffExtended: 0,
			},
			want: true,
		},
		{
			name: "embedder padding between areas",
			l: StaticTLS{
				Size:        ControlBlockSize + 512 + ExtendedStorageSize,
				Align:       64,
				OffControl:  0,
				OffExtended: ControlBlockSize + 512,
			},
			want: true,
		},
		{
			name: "zero size",
			l:    StaticTLS{Align: WordSize},
			want: false,
		},
		{
			name: "zero align",
			l:    StaticTLS{Size: 8192},
			want: false,
		},
		{
			name: "align not a power of two",
			l: StaticTLS{
				Size:        ControlBlockSize + ExtendedStorageSize,
				Align:       24,
				OffExtended: ControlBlockSize,
			},
			want: false,
		},
		{
			name: "misaligned control offset",
			l: StaticTLS{
				Size:        2 * (ControlBlockSize + ExtendedStorageSize),
				Align:       WordSize,
				OffControl:  3,
				OffExtended: ControlBlockSize + WordSize,
			},
			want: false,
		},
		{
			name: "control block out of range",
			l: StaticTLS{
				Size:        ControlBlockSize, // no room for extended storage
				Align:       WordSize,
				OffControl:  0,
				OffExtended: ControlBlockSize,
			},
			want: false,
		},
		{
			name: "areas overlap",
			l: StaticTLS{
				Size:        ControlBlockSize + ExtendedStorageSize,
				Align:       WordSize,
				OffControl:  0,
				OffExtended: WordSize, // inside the control block
			},
			want: false,
		},
		{
			name: "control offset overflows",
			l: StaticTLS{
				Size:        ControlBlockSize + ExtendedStorageSize,
				Align:       WordSize,
				OffControl:  MaxSize - WordSize + 1,
				OffExtended: 0,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.l.Valid(); got != tt.want {
				t.Errorf("Valid(%+v) = %v, want %v", tt.l, got, tt.want)
			}
		})
	}
}

// TestCheckedAdd covers the overflow contract of the size arithmetic.
func TestCheckedAdd(t *testing.T) {
	tests := []struct {
		name    string
		a, b    uintptr
		wantSum uintptr
		wantOK  bool
	}{
		{name: "zero plus zero", a: 0, b: 0, wantSum: 0, wantOK: true},
		{name: "small", a: 4096, b: 8192, wantSum: 12288, wantOK: true},
		{name: "max plus zero", a: MaxSize, b: 0, wantSum: MaxSize, wantOK: true},
		{name: "max plus one wraps", a: MaxSize, b: 1, wantOK: false},
		{name: "half plus half wraps", a: MaxSize/2 + 1, b: MaxSize/2 + 1, wantOK: false},
		{name: "just below wrap", a: MaxSize - 4096, b: 4096, wantSum: MaxSize, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum, ok := CheckedAdd(tt.a, tt.b)
			if ok != tt.wantOK {
				t.Fatalf("CheckedAdd(%#x, %#x) ok = %v, want %v", tt.a, tt.b, ok, tt.wantOK)
			}
			if ok && sum != tt.wantSum {
				t.Errorf("CheckedAdd(%#x, %#x) = %#x, want %#x", tt.a, tt.b, sum, tt.wantSum)
			}
		})
	}
}

// TestAlignUp covers page rounding including the wrap case that maps a
// too-large guard size to an allocation failure.
func TestAlignUp(t *testing.T) {
	tests := []struct {
		name   string
		n      uintptr
		align  uintptr
		want   uintptr
		wantOK bool
	}{
		{name: "already aligned", n: 8192, align: 4096, want: 8192, wantOK: true},
		{name: "rounds up", n: 8193, align: 4096, want: 12288, wantOK: true},
		{name: "zero", n: 0, align: 4096, want: 0, wantOK: true},
		{name: "one", n: 1, align: 4096, want: 4096, wantOK: true},
		{name: "wraps", n: MaxSize - 100, align: 4096, wantOK: false},
		{name: "max aligned value", n: MaxSize &^ 4095, align: 4096, want: MaxSize &^ 4095, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AlignUp(tt.n, tt.align)
			if ok != tt.wantOK {
				t.Fatalf("AlignUp(%#x, %d) ok = %v, want %v", tt.n, tt.align, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("AlignUp(%#x, %d) = %#x, want %#x", tt.n, tt.align, got, tt.want)
			}
		})
	}
}

func TestAlignDown(t *testing.T) {
	tests := []struct {
		n, align, want uintptr
	}{
		{0, 16, 0},
		{15, 16, 0},
		{16, 16, 16},
		{4097, 4096, 4096},
		{MaxSize, 4096, MaxSize &^ 4095},
	}

	for _, tt := range tests {
		if got := AlignDown(tt.n, tt.align); got != tt.want {
			t.Errorf("AlignDown(%#x, %d) = %#x, want %#x", tt.n, tt.align, got, tt.want)
		}
	}
}

// TestSlotAssignment pins the control block contract: indices are distinct
// and inside the reserved array.
func TestSlotAssignment(t *testing.T) {
	slots := []int{SlotSelf, SlotThread, SlotStackGuard, SlotDTV, SlotExtendedStorage}
	seen := make(map[int]bool)
	for _, s := range slots {
		if s < 0 || s >= SlotCount {
			t.Errorf("slot %d outside [0, %d)", s, SlotCount)
		}
		if seen[s] {
			t.Errorf("slot %d assigned twice", s)
		}
		seen[s] = true
	}
	if SlotSelf != 0 {
		t.Errorf("SlotSelf = %d, want 0 (flat-pointer TLS loads slot zero)", SlotSelf)
	}
}
