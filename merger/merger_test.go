package merger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabletdb/tabletdb/chunk"
	"github.com/tabletdb/tabletdb/delvec"
	"github.com/tabletdb/tabletdb/model"
	"github.com/tabletdb/tabletdb/rowset"
)

func testSchema() model.Schema {
	return model.Schema{Columns: []model.ColumnSpec{
		{Name: "pk", Type: model.TypeInt64, IsKey: true},
		{Name: "v1", Type: model.TypeInt16},
		{Name: "v2", Type: model.TypeInt32},
	}}
}

// buildRowset writes keys with v1=k%100+1, v2=k%1000+2 and marks it visible
// at version with the given segment ID base.
func buildRowset(t *testing.T, dir string, keys []int64, version uint64, segBase model.SegmentID) *rowset.Rowset {
	t.Helper()
	w, err := rowset.NewWriter(rowset.WriterContext{Dir: dir, Schema: testSchema()})
	require.NoError(t, err)
	ck := chunk.New(testSchema(), len(keys))
	for _, k := range keys {
		require.NoError(t, ck.AppendRow(k, int16(k%100+1), int32(k%1000+2)))
	}
	require.NoError(t, w.FlushChunk(ck))
	rs, err := w.Build()
	require.NoError(t, err)
	rs.SetVisible(model.EditVersion{Major: version}, segBase)
	return rs
}

func keyRange(from, to int64) []int64 {
	keys := make([]int64, 0, to-from)
	for k := from; k < to; k++ {
		keys = append(keys, k)
	}
	return keys
}

// overlappingInputs builds three overlapping rowsets plus the delete
// vectors an apply sequence would have produced: each newer rowset
// overwrites the upper half of the previous one, and key 3 was deleted.
func overlappingInputs(t *testing.T, dir string) []Input {
	t.Helper()
	rs1 := buildRowset(t, dir, keyRange(0, 10), 2, 1)
	rs2 := buildRowset(t, dir, keyRange(5, 15), 3, 2)
	rs3 := buildRowset(t, dir, keyRange(10, 20), 4, 3)

	dv1 := delvec.New(0).NewVersion([]uint32{5, 6, 7, 8, 9}, 3).NewVersion([]uint32{3}, 4)
	dv2 := delvec.New(0).NewVersion([]uint32{5, 6, 7, 8, 9}, 4)

	return []Input{
		{Rowset: rs1, DelVecs: map[model.SegmentID]*delvec.DelVector{1: dv1}},
		{Rowset: rs2, DelVecs: map[model.SegmentID]*delvec.DelVector{2: dv2}},
		{Rowset: rs3, DelVecs: map[model.SegmentID]*delvec.DelVector{}},
	}
}

func expectedKeys() []model.PrimaryKey {
	keys := []model.PrimaryKey{0, 1, 2, 4}
	for k := int64(5); k < 20; k++ {
		keys = append(keys, k)
	}
	return keys
}

func checkOutput(t *testing.T, sink *rowset.MemorySink) {
	t.Helper()
	keys := sink.Keys()
	require.Equal(t, expectedKeys(), keys)
	v1 := sink.Column(1)
	v2 := sink.Column(2)
	for i, k := range keys {
		assert.Equal(t, int16(k%100+1), v1.Datum(i))
		assert.Equal(t, int32(k%1000+2), v2.Datum(i))
	}
}

func TestMergeHorizontal(t *testing.T) {
	dir := t.TempDir()
	inputs := overlappingInputs(t, dir)
	sink := rowset.NewMemorySink(testSchema())

	moves, err := Merge(testSchema(), inputs, sink, Config{Algorithm: AlgorithmHorizontal, ChunkSize: 7})
	require.NoError(t, err)
	checkOutput(t, sink)

	require.Len(t, moves, len(expectedKeys()))
	// output ordinals are dense and ascending
	for i, mv := range moves {
		assert.Equal(t, uint32(i), mv.ToRow)
		assert.Equal(t, expectedKeys()[i], mv.Key)
	}
	// key 0 survives from the oldest rowset, key 12 from the newest
	assert.Equal(t, model.SegmentID(1), moves[0].From.Segment)
	assert.Equal(t, model.SegmentID(3), moves[12].From.Segment)
}

func TestMergeVerticalMatchesHorizontal(t *testing.T) {
	dir := t.TempDir()

	hsink := rowset.NewMemorySink(testSchema())
	hmoves, err := Merge(testSchema(), overlappingInputs(t, dir), hsink, Config{Algorithm: AlgorithmHorizontal})
	require.NoError(t, err)

	vsink := rowset.NewMemorySink(testSchema())
	vmoves, err := Merge(testSchema(), overlappingInputs(t, dir), vsink, Config{
		Algorithm:          AlgorithmVertical,
		ChunkSize:          5,
		MaxColumnsPerGroup: 1,
	})
	require.NoError(t, err)

	checkOutput(t, vsink)
	require.Equal(t, hsink.Keys(), vsink.Keys())
	require.Equal(t, hmoves, vmoves)
	for ci := 1; ci < 3; ci++ {
		hc, vc := hsink.Column(ci), vsink.Column(ci)
		require.Equal(t, hc.Len(), vc.Len())
		for i := 0; i < hc.Len(); i++ {
			assert.Equal(t, hc.Datum(i), vc.Datum(i))
		}
	}
}

func TestMergeDuplicateKeyNewestWins(t *testing.T) {
	dir := t.TempDir()
	schema := testSchema()

	older, err := rowset.NewWriter(rowset.WriterContext{Dir: dir, Schema: schema})
	require.NoError(t, err)
	ck := chunk.New(schema, 1)
	require.NoError(t, ck.AppendRow(int64(5), int16(1), int32(1)))
	require.NoError(t, older.FlushChunk(ck))
	rsOld, err := older.Build()
	require.NoError(t, err)
	rsOld.SetVisible(model.EditVersion{Major: 2}, 1)

	newer, err := rowset.NewWriter(rowset.WriterContext{Dir: dir, Schema: schema})
	require.NoError(t, err)
	ck = chunk.New(schema, 1)
	require.NoError(t, ck.AppendRow(int64(5), int16(2), int32(2)))
	require.NoError(t, newer.FlushChunk(ck))
	rsNew, err := newer.Build()
	require.NoError(t, err)
	rsNew.SetVisible(model.EditVersion{Major: 3}, 2)

	sink := rowset.NewMemorySink(schema)
	moves, err := Merge(schema, []Input{{Rowset: rsOld}, {Rowset: rsNew}}, sink, Config{Algorithm: AlgorithmHorizontal})
	require.NoError(t, err)

	require.Equal(t, []model.PrimaryKey{5}, sink.Keys())
	assert.Equal(t, int16(2), sink.Column(1).Datum(0))
	require.Len(t, moves, 1)
	assert.Equal(t, model.SegmentID(2), moves[0].From.Segment)
}

func TestMergeAutoPicksVerticalForWideSchema(t *testing.T) {
	dir := t.TempDir()
	inputs := overlappingInputs(t, dir)
	sink := rowset.NewMemorySink(testSchema())

	// 3 columns with a group cap of 1 exceeds the width threshold
	_, err := Merge(testSchema(), inputs, sink, Config{MaxColumnsPerGroup: 1})
	require.NoError(t, err)
	checkOutput(t, sink)
}

func TestMergeEmptyInputs(t *testing.T) {
	sink := rowset.NewMemorySink(testSchema())
	moves, err := Merge(testSchema(), nil, sink, Config{})
	require.NoError(t, err)
	assert.Empty(t, moves)
	assert.Zero(t, sink.NumRows())
}
