package qrp

import (
	"testing"

	"github.com/gnutd/gnutd/wire"
)

func TestHash(t *testing.T) {
	tests := []struct {
		keyword  string
		bits     uint
		expected uint32
	}{
		{"", 13, 0},
		{"eb", 13, 6791},
		{"ebc", 13, 7082},
		{"ebck", 13, 6698},
		{"n", 16, 65003},
		{"nd", 16, 54193},
		{"ndflaleme", 16, 45559},
		{"ol2j34lj", 10, 318},
		{"3nja9", 10, 581},
		{"3NJA9", 10, 581},
		{"3nJa9", 10, 581},
		{"2459345938032343", 10, 146},
		{"zzzzzzzzzzz", 10, 944},
	}
	for _, test := range tests {
		if got := Hash(test.keyword, test.bits); got != test.expected {
			t.Errorf("Hash(%q, %d): got %d, want %d", test.keyword, test.bits, got, test.expected)
		}
	}
}

type keywords []string

func (k keywords) Keywords() []string {
	return k
}

func TestTableUpdatesRoundTrip(t *testing.T) {
	local := BuildTable(keywords{"Free Software Song.ogg", "gnutella protocol"})
	if !local.ContainsAll([]string{"free", "song", "ogg"}) {
		t.Fatalf("local table doesn't contain its own keywords")
	}

	updates, err := local.Updates()
	if err != nil {
		t.Fatalf("Updates: %s", err)
	}
	if updates[0].Variant != wire.RouteTableReset {
		t.Fatalf("first update should be a reset")
	}

	remote := &Table{}
	for i, update := range updates {
		completed, err := remote.ApplyUpdate(update)
		if err != nil {
			t.Fatalf("ApplyUpdate %d: %s", i, err)
		}
		if completed != (i == len(updates)-1) {
			t.Errorf("ApplyUpdate %d: completed is %t", i, completed)
		}
	}

	if remote.Len() != local.Len() {
		t.Fatalf("remote table has %d cells, want %d", remote.Len(), local.Len())
	}
	if !remote.ContainsAll([]string{"gnutella", "software"}) {
		t.Errorf("remote table misses shared keywords")
	}
	if remote.ContainsAll([]string{"gnutella", "xyzzyplugh"}) {
		t.Errorf("every keyword must hit for a match")
	}
	if remote.ContainsAll(nil) {
		t.Errorf("a query without keywords shouldn't match")
	}
}

func TestApplyUpdateErrors(t *testing.T) {
	tests := []struct {
		name    string
		updates []*wire.MsgRouteTableUpdate
	}{
		{
			name:    "patch without reset",
			updates: []*wire.MsgRouteTableUpdate{wire.NewMsgRouteTablePatch(1, 1, wire.PatchCompressorNone, 4, nil)},
		},
		{
			name:    "length not a power of two",
			updates: []*wire.MsgRouteTableUpdate{wire.NewMsgRouteTableReset(1000, 7)},
		},
		{
			name:    "table too large",
			updates: []*wire.MsgRouteTableUpdate{wire.NewMsgRouteTableReset(1<<24, 7)},
		},
		{
			name: "out of sequence",
			updates: []*wire.MsgRouteTableUpdate{
				wire.NewMsgRouteTableReset(256, 7),
				wire.NewMsgRouteTablePatch(2, 2, wire.PatchCompressorNone, 4, make([]byte, 64)),
			},
		},
		{
			name: "unsupported entry bits",
			updates: []*wire.MsgRouteTableUpdate{
				wire.NewMsgRouteTableReset(256, 7),
				wire.NewMsgRouteTablePatch(1, 1, wire.PatchCompressorNone, 2, make([]byte, 64)),
			},
		},
		{
			name: "patch of the wrong size",
			updates: []*wire.MsgRouteTableUpdate{
				wire.NewMsgRouteTableReset(256, 7),
				wire.NewMsgRouteTablePatch(1, 1, wire.PatchCompressorNone, 4, make([]byte, 100)),
			},
		},
	}

	for _, test := range tests {
		table := &Table{}
		var err error
		for _, update := range test.updates {
			_, err = table.ApplyUpdate(update)
			if err != nil {
				break
			}
		}
		if err == nil {
			t.Errorf("%s: expected an error", test.name)
		}
	}
}

func TestUncompressedEightBitPatch(t *testing.T) {
	table := &Table{}
	_, err := table.ApplyUpdate(wire.NewMsgRouteTableReset(256, 7))
	if err != nil {
		t.Fatalf("reset: %s", err)
	}
	patch := make([]byte, 256)
	cell := Hash("gnutella", 8)
	patch[cell] = byte(0xfa) // -6

	completed, err := table.ApplyUpdate(wire.NewMsgRouteTablePatch(1, 1, wire.PatchCompressorNone, 8, patch))
	if err != nil {
		t.Fatalf("patch: %s", err)
	}
	if !completed {
		t.Fatalf("single chunk patch should complete")
	}
	if !table.Contains("gnutella") {
		t.Errorf("patched keyword should hit")
	}
	if ratio := table.FillRatio(); ratio != 1.0/256 {
		t.Errorf("unexpected fill ratio %f", ratio)
	}
}
