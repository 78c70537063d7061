package qrp

import (
	"bytes"
	"io"
	"math/bits"

	"github.com/gnutd/gnutd/wire"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// Table defaults.
const (
	DefaultTableBits = 16
	DefaultInfinity  = 7

	minTableBits = 8
	maxTableBits = 20

	// maxPatchChunkSize is the largest patch data carried by a single
	// route table update.
	maxPatchChunkSize = 4096

	// keywordDistance is the value of a cell for a keyword shared by the
	// table's owner.
	keywordDistance = 1
)

// ErrNoTable is returned when a patch arrives before any reset.
var ErrNoTable = errors.New("route table patch without a reset")

// KeywordProvider provides the keywords of everything a node shares.
type KeywordProvider interface {
	Keywords() []string
}

// Table is a Query Routing Protocol table. Every cell holds the distance
// in hops to the closest host sharing a keyword with that hash, or the
// table's infinity when there is none.
type Table struct {
	bits     uint
	infinity byte
	cells    []byte

	// Patch reassembly state.
	sequenceSize byte
	nextSequence byte
	compressor   byte
	entryBits    byte
	pending      bytes.Buffer
}

// NewTable returns an empty table of 2^tableBits cells.
func NewTable(tableBits uint, infinity byte) *Table {
	t := &Table{}
	t.reset(tableBits, infinity)
	return t
}

// BuildTable returns a table of the default size holding every keyword of
// provider.
func BuildTable(provider KeywordProvider) *Table {
	t := NewTable(DefaultTableBits, DefaultInfinity)
	for _, keyword := range provider.Keywords() {
		for _, word := range wire.SplitKeywords(keyword) {
			t.Add(word)
		}
	}
	return t
}

func (t *Table) reset(tableBits uint, infinity byte) {
	t.bits = tableBits
	t.infinity = infinity
	t.cells = make([]byte, 1<<tableBits)
	for i := range t.cells {
		t.cells[i] = infinity
	}
	t.sequenceSize = 0
	t.nextSequence = 0
	t.pending.Reset()
}

// Len returns the number of cells.
func (t *Table) Len() int {
	return len(t.cells)
}

// Add records keyword as shared by the owner of the table.
func (t *Table) Add(keyword string) {
	t.cells[Hash(keyword, t.bits)] = keywordDistance
}

// Contains returns whether keyword may be shared by a host behind the
// table.
func (t *Table) Contains(keyword string) bool {
	if t.cells == nil {
		return false
	}
	return t.cells[Hash(keyword, t.bits)] < t.infinity
}

// ContainsAll returns whether every keyword hits the table. A query
// without keywords matches nothing.
func (t *Table) ContainsAll(keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	for _, keyword := range keywords {
		if !t.Contains(keyword) {
			return false
		}
	}
	return true
}

// FillRatio returns the share of cells that hold a keyword.
func (t *Table) FillRatio() float64 {
	var filled int
	for _, cell := range t.cells {
		if cell < t.infinity {
			filled++
		}
	}
	return float64(filled) / float64(len(t.cells))
}

// ApplyUpdate applies a reset or one chunk of a patch received from the
// owner of the table. It returns true when a patch completed.
func (t *Table) ApplyUpdate(update *wire.MsgRouteTableUpdate) (bool, error) {
	switch update.Variant {
	case wire.RouteTableReset:
		return false, t.applyReset(update)
	case wire.RouteTablePatch:
		return t.applyPatchChunk(update)
	}
	return false, errors.Errorf("unknown route table update variant %d", update.Variant)
}

func (t *Table) applyReset(update *wire.MsgRouteTableUpdate) error {
	length := update.TableLength
	if bits.OnesCount32(length) != 1 {
		return errors.Errorf("route table length %d is not a power of two", length)
	}
	tableBits := uint(bits.TrailingZeros32(length))
	if tableBits < minTableBits || tableBits > maxTableBits {
		return errors.Errorf("route table length %d out of range", length)
	}
	if update.Infinity < 1 || update.Infinity > 127 {
		return errors.Errorf("invalid route table infinity %d", update.Infinity)
	}
	t.reset(tableBits, update.Infinity)
	return nil
}

func (t *Table) applyPatchChunk(update *wire.MsgRouteTableUpdate) (bool, error) {
	if t.cells == nil {
		return false, ErrNoTable
	}
	if update.SequenceSize == 0 || update.SequenceNumber == 0 || update.SequenceNumber > update.SequenceSize {
		return false, errors.Errorf("invalid patch sequence %d/%d",
			update.SequenceNumber, update.SequenceSize)
	}
	if update.EntryBits != 4 && update.EntryBits != 8 {
		return false, errors.Errorf("unsupported patch entry size of %d bits", update.EntryBits)
	}
	if update.Compressor != wire.PatchCompressorNone && update.Compressor != wire.PatchCompressorZlib {
		return false, errors.Errorf("unsupported patch compressor %d", update.Compressor)
	}

	if update.SequenceNumber == 1 {
		t.sequenceSize = update.SequenceSize
		t.compressor = update.Compressor
		t.entryBits = update.EntryBits
		t.pending.Reset()
	} else if t.nextSequence != update.SequenceNumber || t.sequenceSize != update.SequenceSize ||
		t.compressor != update.Compressor || t.entryBits != update.EntryBits {
		t.nextSequence = 0
		return false, errors.Errorf("patch chunk %d/%d out of sequence", update.SequenceNumber, update.SequenceSize)
	}
	if t.pending.Len()+len(update.Data) > t.maxPatchDataSize() {
		t.nextSequence = 0
		return false, errors.New("patch is larger than the table")
	}
	t.pending.Write(update.Data)
	t.nextSequence = update.SequenceNumber + 1
	if update.SequenceNumber < update.SequenceSize {
		return false, nil
	}

	t.nextSequence = 0
	data := t.pending.Bytes()
	if t.compressor == wire.PatchCompressorZlib {
		var err error
		data, err = inflatePatch(data, t.patchSize(t.entryBits))
		if err != nil {
			return false, err
		}
	}
	err := t.applyPatch(data, t.entryBits)
	if err != nil {
		return false, err
	}
	return true, nil
}

// maxPatchDataSize bounds the accumulated patch data, compressed or not.
func (t *Table) maxPatchDataSize() int {
	return t.patchSize(8) + 1024
}

func (t *Table) patchSize(entryBits byte) int {
	return len(t.cells) * int(entryBits) / 8
}

func inflatePatch(data []byte, size int) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "couldn't inflate patch")
	}
	defer reader.Close()
	inflated, err := io.ReadAll(io.LimitReader(reader, int64(size)+1))
	if err != nil {
		return nil, errors.Wrap(err, "couldn't inflate patch")
	}
	return inflated, nil
}

func (t *Table) applyPatch(data []byte, entryBits byte) error {
	if len(data) != t.patchSize(entryBits) {
		return errors.Errorf("patch of %d bytes doesn't fit a table of %d cells", len(data), len(t.cells))
	}
	for i := range t.cells {
		var delta int
		if entryBits == 8 {
			delta = int(int8(data[i]))
		} else {
			nibble := data[i/2]
			if i%2 == 0 {
				nibble >>= 4
			}
			delta = int(nibble & 0x0f)
			if delta >= 8 {
				delta -= 16
			}
		}
		value := int(t.cells[i]) + delta
		if value < 0 {
			value = 0
		} else if value > 127 {
			value = 127
		}
		t.cells[i] = byte(value)
	}
	return nil
}

// Updates returns the messages that install t on a remote host: a reset
// followed by a zlib-compressed patch of 4-bit entries.
func (t *Table) Updates() ([]*wire.MsgRouteTableUpdate, error) {
	patch := make([]byte, t.patchSize(4))
	for i, cell := range t.cells {
		delta := byte(int(cell)-int(t.infinity)) & 0x0f
		if i%2 == 0 {
			patch[i/2] |= delta << 4
		} else {
			patch[i/2] |= delta
		}
	}

	var compressed bytes.Buffer
	writer := zlib.NewWriter(&compressed)
	_, err := writer.Write(patch)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	err = writer.Close()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	data := compressed.Bytes()
	chunkCount := (len(data) + maxPatchChunkSize - 1) / maxPatchChunkSize
	if chunkCount > 255 {
		return nil, errors.Errorf("patch of %d bytes needs too many chunks", len(data))
	}

	updates := make([]*wire.MsgRouteTableUpdate, 0, chunkCount+1)
	updates = append(updates, wire.NewMsgRouteTableReset(uint32(len(t.cells)), t.infinity))
	for i := 0; i < chunkCount; i++ {
		end := (i + 1) * maxPatchChunkSize
		if end > len(data) {
			end = len(data)
		}
		updates = append(updates, wire.NewMsgRouteTablePatch(byte(i+1), byte(chunkCount),
			wire.PatchCompressorZlib, 4, data[i*maxPatchChunkSize:end]))
	}
	return updates, nil
}
