package rowset

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4/v4"

	"github.com/tabletdb/tabletdb/chunk"
	"github.com/tabletdb/tabletdb/model"
)

// Segment file layout:
//
//	magic   u32
//	format  u8
//	ncols   u16, per column: type u8, nullable u8
//	nrows   u32
//	ndels   u32
//	per column: block (rawLen u32, compLen u32, bytes; compLen==0 -> stored raw)
//	deletes: block of ndels little-endian int64 keys
//	footer  xxhash64 of everything above
const (
	segmentMagic  uint32 = 0x54424453 // "TBDS"
	segmentFormat byte   = 1
)

func writeBlock(out *bytes.Buffer, raw []byte) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(raw)))
	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, dst, nil)
	if err != nil {
		return fmt.Errorf("rowset: lz4 compress: %w", err)
	}
	if n == 0 || n >= len(raw) {
		// incompressible, store raw
		binary.LittleEndian.PutUint32(hdr[4:], 0)
		out.Write(hdr[:])
		out.Write(raw)
		return nil
	}
	binary.LittleEndian.PutUint32(hdr[4:], uint32(n))
	out.Write(hdr[:])
	out.Write(dst[:n])
	return nil
}

func readBlock(in *bytes.Reader) ([]byte, error) {
	var hdr [8]byte
	if _, err := in.Read(hdr[:]); err != nil {
		return nil, err
	}
	rawLen := binary.LittleEndian.Uint32(hdr[0:])
	compLen := binary.LittleEndian.Uint32(hdr[4:])
	if compLen == 0 {
		raw := make([]byte, rawLen)
		if _, err := in.Read(raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
	comp := make([]byte, compLen)
	if _, err := in.Read(comp); err != nil {
		return nil, err
	}
	raw := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(comp, raw)
	if err != nil {
		return nil, fmt.Errorf("rowset: lz4 uncompress: %w", err)
	}
	return raw[:n], nil
}

func encodeColumn(col chunk.Column) []byte {
	var buf bytes.Buffer
	n := col.Len()
	switch c := col.(type) {
	case *chunk.Int16Column:
		b := make([]byte, 2*n)
		for i, v := range c.Values() {
			binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
		}
		buf.Write(b)
		writeNulls(&buf, c.Nulls(), n)
	case *chunk.Int32Column:
		b := make([]byte, 4*n)
		for i, v := range c.Values() {
			binary.LittleEndian.PutUint32(b[4*i:], uint32(v))
		}
		buf.Write(b)
		writeNulls(&buf, c.Nulls(), n)
	case *chunk.Int64Column:
		b := make([]byte, 8*n)
		for i, v := range c.Values() {
			binary.LittleEndian.PutUint64(b[8*i:], uint64(v))
		}
		buf.Write(b)
		writeNulls(&buf, c.Nulls(), n)
	case *chunk.StringColumn:
		offs := make([]byte, 4*(n+1))
		off := uint32(0)
		var data bytes.Buffer
		for i, v := range c.Values() {
			binary.LittleEndian.PutUint32(offs[4*i:], off)
			data.WriteString(v)
			off += uint32(len(v))
		}
		binary.LittleEndian.PutUint32(offs[4*n:], off)
		buf.Write(offs)
		buf.Write(data.Bytes())
		writeNulls(&buf, c.Nulls(), n)
	}
	return buf.Bytes()
}

func writeNulls(buf *bytes.Buffer, nulls []bool, n int) {
	if nulls == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	b := make([]byte, n)
	for i, isNull := range nulls {
		if isNull {
			b[i] = 1
		}
	}
	buf.Write(b)
}

func decodeColumn(spec model.ColumnSpec, raw []byte, n int) (chunk.Column, error) {
	col := chunk.NewColumn(spec, n)
	var fixed int
	switch spec.Type {
	case model.TypeInt16:
		fixed = 2
	case model.TypeInt32:
		fixed = 4
	case model.TypeInt64:
		fixed = 8
	}
	if spec.Type == model.TypeString {
		need := 4 * (n + 1)
		if len(raw) < need {
			return nil, fmt.Errorf("rowset: truncated string column")
		}
		offs := raw[:need]
		end := binary.LittleEndian.Uint32(offs[4*n:])
		data := raw[need : need+int(end)]
		nulls, err := readNulls(raw[need+int(end):], n)
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			if nulls != nil && nulls[i] {
				if err := col.AppendDatum(nil); err != nil {
					return nil, err
				}
				continue
			}
			s := binary.LittleEndian.Uint32(offs[4*i:])
			e := binary.LittleEndian.Uint32(offs[4*(i+1):])
			if err := col.AppendDatum(string(data[s:e])); err != nil {
				return nil, err
			}
		}
		return col, nil
	}

	need := fixed * n
	if len(raw) < need {
		return nil, fmt.Errorf("rowset: truncated %v column", spec.Type)
	}
	nulls, err := readNulls(raw[need:], n)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		if nulls != nil && nulls[i] {
			if err := col.AppendDatum(nil); err != nil {
				return nil, err
			}
			continue
		}
		var d chunk.Datum
		switch spec.Type {
		case model.TypeInt16:
			d = int16(binary.LittleEndian.Uint16(raw[fixed*i:]))
		case model.TypeInt32:
			d = int32(binary.LittleEndian.Uint32(raw[fixed*i:]))
		case model.TypeInt64:
			d = int64(binary.LittleEndian.Uint64(raw[fixed*i:]))
		}
		if err := col.AppendDatum(d); err != nil {
			return nil, err
		}
	}
	return col, nil
}

func readNulls(raw []byte, n int) ([]bool, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("rowset: missing null flag")
	}
	if raw[0] == 0 {
		return nil, nil
	}
	if len(raw) < 1+n {
		return nil, fmt.Errorf("rowset: truncated null bitmap")
	}
	nulls := make([]bool, n)
	for i := 0; i < n; i++ {
		nulls[i] = raw[1+i] == 1
	}
	return nulls, nil
}

// WriteSegmentFile serializes one segment chunk (plus delete-marker keys,
// present only in segment 0) to path.
func WriteSegmentFile(path string, ck *chunk.Chunk, deletes []model.PrimaryKey) (int64, error) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], segmentMagic)
	buf.Write(hdr[:])
	buf.WriteByte(segmentFormat)

	ncols := len(ck.Schema.Columns)
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(ncols))
	buf.Write(u16[:])
	for _, spec := range ck.Schema.Columns {
		buf.WriteByte(byte(spec.Type))
		if spec.Nullable {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(ck.NumRows()))
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(len(deletes)))
	buf.Write(u32[:])

	for _, col := range ck.Cols {
		if err := writeBlock(&buf, encodeColumn(col)); err != nil {
			return 0, err
		}
	}

	delRaw := make([]byte, 8*len(deletes))
	for i, k := range deletes {
		binary.LittleEndian.PutUint64(delRaw[8*i:], uint64(k))
	}
	if err := writeBlock(&buf, delRaw); err != nil {
		return 0, err
	}

	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], xxhash.Sum64(buf.Bytes()))
	buf.Write(sum[:])

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, err
	}
	return int64(buf.Len()), f.Close()
}

// ReadSegmentFile loads a segment file written by WriteSegmentFile and
// verifies its checksum.
func ReadSegmentFile(path string, schema model.Schema) (*chunk.Chunk, []model.PrimaryKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("rowset: segment %s too short", path)
	}
	body, sum := data[:len(data)-8], data[len(data)-8:]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(sum) {
		return nil, nil, fmt.Errorf("rowset: segment %s checksum mismatch", path)
	}

	in := bytes.NewReader(body)
	var hdr [4]byte
	if _, err := in.Read(hdr[:]); err != nil {
		return nil, nil, err
	}
	if binary.LittleEndian.Uint32(hdr[:]) != segmentMagic {
		return nil, nil, fmt.Errorf("rowset: segment %s bad magic", path)
	}
	format, err := in.ReadByte()
	if err != nil {
		return nil, nil, err
	}
	if format != segmentFormat {
		return nil, nil, fmt.Errorf("rowset: segment %s unknown format %d", path, format)
	}

	var u16 [2]byte
	if _, err := in.Read(u16[:]); err != nil {
		return nil, nil, err
	}
	ncols := int(binary.LittleEndian.Uint16(u16[:]))
	if ncols != len(schema.Columns) {
		return nil, nil, fmt.Errorf("rowset: segment %s has %d columns, schema has %d", path, ncols, len(schema.Columns))
	}
	for i := 0; i < ncols; i++ {
		typ, err := in.ReadByte()
		if err != nil {
			return nil, nil, err
		}
		if _, err := in.ReadByte(); err != nil { // nullable flag
			return nil, nil, err
		}
		if model.ColumnType(typ) != schema.Columns[i].Type {
			return nil, nil, fmt.Errorf("rowset: segment %s column %d type %v, schema says %v",
				path, i, model.ColumnType(typ), schema.Columns[i].Type)
		}
	}

	var u32 [4]byte
	if _, err := in.Read(u32[:]); err != nil {
		return nil, nil, err
	}
	nrows := int(binary.LittleEndian.Uint32(u32[:]))
	if _, err := in.Read(u32[:]); err != nil {
		return nil, nil, err
	}
	ndels := int(binary.LittleEndian.Uint32(u32[:]))

	cols := make([]chunk.Column, ncols)
	for i := 0; i < ncols; i++ {
		raw, err := readBlock(in)
		if err != nil {
			return nil, nil, err
		}
		cols[i], err = decodeColumn(schema.Columns[i], raw, nrows)
		if err != nil {
			return nil, nil, err
		}
	}

	delRaw, err := readBlock(in)
	if err != nil {
		return nil, nil, err
	}
	if len(delRaw) < 8*ndels {
		return nil, nil, fmt.Errorf("rowset: segment %s truncated deletes", path)
	}
	deletes := make([]model.PrimaryKey, ndels)
	for i := 0; i < ndels; i++ {
		deletes[i] = model.PrimaryKey(binary.LittleEndian.Uint64(delRaw[8*i:]))
	}

	ck, err := chunk.FromColumns(schema, cols)
	if err != nil {
		return nil, nil, err
	}
	return ck, deletes, nil
}
