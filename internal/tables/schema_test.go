package tables

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnsUnionAcrossSparseRecords(t *testing.T) {
	records := []Record{
		{ID: "rec1", Fields: map[string]Value{"Name": Scalar("A")}},
		{ID: "rec2", Fields: map[string]Value{"Name": Scalar("B"), "Tags": List("x", "y")}},
	}

	assert.Equal(t, []string{"Name", "Tags", "id"}, Columns(records))
	assert.Equal(t, []string{"Name", "Tags"}, FieldNames(records))

	cells, present := FlatRow(records[0], Columns(records), "; ")
	assert.Equal(t, []string{"A", "", "rec1"}, cells)
	assert.Equal(t, []bool{true, false, true}, present)

	cells, _ = FlatRow(records[1], Columns(records), "; ")
	assert.Equal(t, []string{"B", "x; y", "rec2"}, cells)
}

func TestColumnsEmptyBatch(t *testing.T) {
	assert.Equal(t, []string{"id"}, Columns(nil))
}

func TestRecordIDOwnsIDColumn(t *testing.T) {
	r := Record{ID: "rec1", Fields: map[string]Value{"id": Scalar("field-value")}}
	cols := Columns([]Record{r})
	assert.Equal(t, []string{"id"}, cols)

	cells, _ := FlatRow(r, cols, "; ")
	assert.Equal(t, []string{"rec1"}, cells)
}

func TestAccumulatorKeepsOrder(t *testing.T) {
	acc := NewAccumulator()
	acc.AddPage([]Record{{ID: "a"}, {ID: "b"}})
	first := acc.Records()
	acc.AddPage([]Record{{ID: "c"}})

	assert.Equal(t, []string{"a", "b"}, IDs(first))
	assert.Equal(t, []string{"a", "b", "c"}, IDs(acc.Records()))
	assert.Equal(t, 2, acc.Pages())
	assert.Equal(t, 3, acc.Len())
}

func TestChecksum(t *testing.T) {
	sum := ComputeChecksum([]byte("hello"))
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)

	ok, err := VerifyReader(strings.NewReader("hello"), sum)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyReader(strings.NewReader("hello!"), sum)
	require.NoError(t, err)
	assert.False(t, ok)
}

// IDs collects the record IDs in order.
func IDs(records []Record) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids
}
