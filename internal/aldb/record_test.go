package aldb

import (
	"bytes"
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-insteon/internal/insteon"
)

func TestRecordBinaryLayout(t *testing.T) {
	rec := Record{
		Address:   0x0FF7,
		Direction: Controller,
		Group:     7,
		Peer:      insteon.MustParseAddress("1A.2B.3C"),
		Data:      [3]byte{0xFF, 0x1F, 0x01},
		InUse:     true,
		Reserved:  0x02,
	}

	raw, err := rec.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}

	want := []byte{0x0F, 0xF7, 0xC2, 0x07, 0x1A, 0x2B, 0x3C, 0xFF, 0x1F, 0x01}
	if !bytes.Equal(raw, want) {
		t.Fatalf("MarshalBinary() = % X, want % X", raw, want)
	}

	got, err := ParseRecord(raw)
	if err != nil {
		t.Fatalf("ParseRecord() error = %v", err)
	}
	if !got.IsExactMatch(rec) {
		t.Errorf("ParseRecord() = %s, want %s", got, rec)
	}
	if got.Reserved != 0x02 {
		t.Errorf("Reserved = %#x, want 0x02", got.Reserved)
	}
}

func TestParseRecordFlags(t *testing.T) {
	tests := []struct {
		name       string
		flags      byte
		wantInUse  bool
		wantDir    Direction
		wantReserv byte
	}{
		{"in-use controller", 0xC2, true, Controller, 0x02},
		{"in-use responder", 0xA2, true, Responder, 0x22},
		{"unused controller", 0x42, false, Controller, 0x02},
		{"unused responder", 0x00, false, Responder, 0x00},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := []byte{0x0F, 0xFF, tt.flags, 0x01, 0x11, 0x22, 0x33, 0, 0, 0}
			rec, err := ParseRecord(raw)
			if err != nil {
				t.Fatalf("ParseRecord() error = %v", err)
			}
			if rec.InUse != tt.wantInUse {
				t.Errorf("InUse = %v, want %v", rec.InUse, tt.wantInUse)
			}
			if rec.Direction != tt.wantDir {
				t.Errorf("Direction = %v, want %v", rec.Direction, tt.wantDir)
			}
			if rec.Reserved != tt.wantReserv {
				t.Errorf("Reserved = %#x, want %#x", rec.Reserved, tt.wantReserv)
			}
			if rec.Flags() != tt.flags {
				t.Errorf("Flags() = %#x, want %#x", rec.Flags(), tt.flags)
			}
		})
	}
}

func TestParseRecordTooShort(t *testing.T) {
	_, err := ParseRecord([]byte{0x0F, 0xFF, 0xC2})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("ParseRecord() error = %v, want ErrInvalidRecord", err)
	}
}

func TestRecordPredicates(t *testing.T) {
	peer := insteon.MustParseAddress("11.22.33")

	tests := []struct {
		name    string
		rec     Record
		wantHWM bool
		wantLnk bool
	}{
		{"controller link", Record{Direction: Controller, Group: 1, Peer: peer, InUse: true}, false, true},
		{"responder link", Record{Direction: Responder, Group: 1, Peer: peer, InUse: true}, false, true},
		{"group zero", Record{Direction: Controller, Group: 0, Peer: peer, InUse: true}, false, false},
		{"tombstone", Record{Direction: Controller, Group: 1, Peer: peer}, false, false},
		{"high-water mark", Record{Direction: Responder, Group: 0}, true, false},
		{"in-use high-water mark", Record{Direction: Controller, Group: 1, InUse: true}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.IsHighWaterMark(); got != tt.wantHWM {
				t.Errorf("IsHighWaterMark() = %v, want %v", got, tt.wantHWM)
			}
			if got := tt.rec.IsLink(); got != tt.wantLnk {
				t.Errorf("IsLink() = %v, want %v", got, tt.wantLnk)
			}
		})
	}
}

func TestRecordExactMatch(t *testing.T) {
	base := Record{
		Address:   0x0FFF,
		Direction: Controller,
		Group:     1,
		Peer:      insteon.MustParseAddress("11.22.33"),
		Data:      [3]byte{1, 2, 3},
		InUse:     true,
	}

	if !base.IsExactMatch(base) {
		t.Error("record should exactly match itself")
	}

	variants := map[string]func(Record) Record{
		"address":   func(r Record) Record { r.Address = 0x0FF7; return r },
		"direction": func(r Record) Record { r.Direction = Responder; return r },
		"group":     func(r Record) Record { r.Group = 2; return r },
		"peer":      func(r Record) Record { r.Peer = insteon.MustParseAddress("44.55.66"); return r },
		"data":      func(r Record) Record { r.Data[2] = 9; return r },
		"in use":    func(r Record) Record { r.InUse = false; return r },
	}
	for field, mutate := range variants {
		if base.IsExactMatch(mutate(base)) {
			t.Errorf("records differing in %s should not match", field)
		}
	}
}

func TestStatusParse(t *testing.T) {
	for _, s := range []Status{StatusEmpty, StatusLoading, StatusLoaded, StatusPartial, StatusFailed} {
		got, err := ParseStatus(s.String())
		if err != nil {
			t.Fatalf("ParseStatus(%q) error = %v", s, err)
		}
		if got != s {
			t.Errorf("ParseStatus(%q) = %v, want %v", s, got, s)
		}
	}

	if _, err := ParseStatus("done"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("ParseStatus(done) error = %v, want ErrInvalidStatus", err)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    Version
		wantErr bool
	}{
		{"", V2, false},
		{"v1", V1, false},
		{"V2", V2, false},
		{"v2cs", V2CS, false},
		{"v3", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseVersion(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseVersion(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseVersion(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
