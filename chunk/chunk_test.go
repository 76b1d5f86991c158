package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabletdb/tabletdb/model"
)

func testSchema() model.Schema {
	return model.Schema{Columns: []model.ColumnSpec{
		{Name: "pk", Type: model.TypeInt64, IsKey: true},
		{Name: "v1", Type: model.TypeInt16},
		{Name: "v2", Type: model.TypeInt32},
	}}
}

func TestAppendRowAndKey(t *testing.T) {
	ck := New(testSchema(), 4)
	require.NoError(t, ck.AppendRow(int64(7), int16(1), int32(2)))
	require.NoError(t, ck.AppendRow(int64(3), int16(4), int32(5)))

	assert.Equal(t, 2, ck.NumRows())
	assert.Equal(t, int64(7), ck.Key(0))
	assert.Equal(t, int64(3), ck.Key(1))
	assert.Equal(t, int16(4), ck.Cols[1].Datum(1))
}

func TestAppendRowTypeMismatch(t *testing.T) {
	ck := New(testSchema(), 1)
	require.Error(t, ck.AppendRow(int64(1), int32(2), int32(3)))
}

func TestNullHandling(t *testing.T) {
	schema := model.Schema{Columns: []model.ColumnSpec{
		{Name: "pk", Type: model.TypeInt64, IsKey: true},
		{Name: "s", Type: model.TypeString, Nullable: true},
	}}
	ck := New(schema, 2)
	require.NoError(t, ck.AppendRow(int64(1), "a"))
	require.NoError(t, ck.AppendRow(int64(2), nil))

	assert.Equal(t, "a", ck.Cols[1].Datum(0))
	assert.Nil(t, ck.Cols[1].Datum(1))

	notNullable := New(testSchema(), 1)
	require.Error(t, notNullable.AppendRow(int64(1), nil, int32(0)))
}

func TestSortByKey(t *testing.T) {
	ck := New(testSchema(), 4)
	for _, k := range []int64{5, 1, 9, 3} {
		require.NoError(t, ck.AppendRow(k, int16(k%100), int32(k%1000)))
	}
	sorted := ck.SortByKey()
	keys := make([]int64, sorted.NumRows())
	for i := range keys {
		keys[i] = sorted.Key(i)
	}
	assert.Equal(t, []int64{1, 3, 5, 9}, keys)
	// value columns follow their keys
	assert.Equal(t, int16(1), sorted.Cols[1].Datum(0))
	assert.Equal(t, int16(9), sorted.Cols[1].Datum(3))

	// an already sorted chunk is returned as-is
	assert.Same(t, sorted, sorted.SortByKey())
}

func TestDefaultDatum(t *testing.T) {
	d, err := DefaultDatum(model.ColumnSpec{Name: "v", Type: model.TypeInt32, Default: "10"})
	require.NoError(t, err)
	assert.Equal(t, int32(10), d)

	d, err = DefaultDatum(model.ColumnSpec{Name: "v", Type: model.TypeInt16})
	require.NoError(t, err)
	assert.Equal(t, int16(0), d)

	d, err = DefaultDatum(model.ColumnSpec{Name: "v", Type: model.TypeString, Nullable: true})
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = DefaultDatum(model.ColumnSpec{Name: "v", Type: model.TypeInt16, Default: "99999"})
	require.Error(t, err)
}
