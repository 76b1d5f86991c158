package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEditVersionOrdering(t *testing.T) {
	a := EditVersion{Major: 2, Minor: 0}
	b := EditVersion{Major: 2, Minor: 1}
	c := EditVersion{Major: 3, Minor: 0}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.True(t, a.Less(c))
	assert.False(t, c.Less(a))
	assert.Equal(t, 0, a.Compare(EditVersion{Major: 2}))
	assert.Equal(t, "2.1", b.String())
}

func testSchema() Schema {
	return Schema{Columns: []ColumnSpec{
		{Name: "pk", Type: TypeInt64, IsKey: true},
		{Name: "v1", Type: TypeInt16},
		{Name: "v2", Type: TypeInt32},
	}}
}

func TestSchemaValidate(t *testing.T) {
	require.NoError(t, testSchema().Validate())

	noKey := Schema{Columns: []ColumnSpec{{Name: "v", Type: TypeInt32}}}
	require.Error(t, noKey.Validate())

	stringKey := Schema{Columns: []ColumnSpec{{Name: "pk", Type: TypeString, IsKey: true}}}
	require.Error(t, stringKey.Validate())

	nullableKey := Schema{Columns: []ColumnSpec{{Name: "pk", Type: TypeInt64, IsKey: true, Nullable: true}}}
	require.Error(t, nullableKey.Validate())
}

func TestSchemaHashStable(t *testing.T) {
	s1 := testSchema()
	s2 := testSchema()
	assert.Equal(t, s1.Hash(), s2.Hash())

	s2.Columns[2].Default = "10"
	assert.NotEqual(t, s1.Hash(), s2.Hash())
}

func TestSchemaIndexes(t *testing.T) {
	s := testSchema()
	assert.Equal(t, 0, s.KeyIndex())
	assert.Equal(t, []int{1, 2}, s.ValueIndexes())
}
