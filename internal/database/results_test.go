package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForgeTableName(t *testing.T) {
	table := ForgeTableName(
		"b3a9d7e1-0000-4000-8000-0123456789ab",
		"c4b8e6f2-1111-4111-9111-ba9876543210",
	)
	assert.Equal(t,
		"results__b3a9d7e1_0000_4000_8000_0123456789ab__c4b8e6f2_1111_4111_9111_ba9876543210",
		table,
	)
}

func TestParseTableName_RoundTrip(t *testing.T) {
	// The encode/decode pair must round-trip for arbitrary UUID pairs.
	for i := 0; i < 100; i++ {
		m := uuid.NewString()
		a := uuid.NewString()

		gotM, gotA, err := ParseTableName(ForgeTableName(m, a))
		require.NoError(t, err)
		assert.Equal(t, m, gotM)
		assert.Equal(t, a, gotA)
	}
}

func TestParseTableName_Malformed(t *testing.T) {
	cases := []string{
		"",
		"results",
		"results__only_one_part",
		"other__b3a9d7e1_0000_4000_8000_0123456789ab__c4b8e6f2_1111_4111_9111_ba9876543210",
		"results__not_a_uuid__c4b8e6f2_1111_4111_9111_ba9876543210",
		"results__b3a9d7e1_0000_4000_8000_0123456789ab__nope",
	}
	for _, tc := range cases {
		_, _, err := ParseTableName(tc)
		assert.Error(t, err, "expected error for %q", tc)
	}
}

func TestCreateResultsTable_Idempotent(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	m, a := uuid.NewString(), uuid.NewString()

	table1, err := db.CreateResultsTable(ctx, m, a)
	require.NoError(t, err)
	table2, err := db.CreateResultsTable(ctx, m, a)
	require.NoError(t, err)
	assert.Equal(t, table1, table2)
}

func TestInsertCSV_AndQuery(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	table, err := db.CreateResultsTable(ctx, uuid.NewString(), uuid.NewString())
	require.NoError(t, err)

	// Two rounds land in the same table, distinguished by the round tag.
	csvPath := filepath.Join(t.TempDir(), "round.csv")
	content := "" +
		"192.0.2.1,10.0.0.0,10.0.0.1,10.0.0.254,17,24000,33434,5,0,11,0,12.5,250,56,1,1\n" +
		"192.0.2.1,10.0.0.0,10.0.0.2,10.0.1.254,17,24000,33434,6,0,11,0,13.1,249,56,1,1\n"
	require.NoError(t, os.WriteFile(csvPath, []byte(content), 0o600))
	require.NoError(t, db.InsertCSV(ctx, csvPath, table))

	csvPath2 := filepath.Join(t.TempDir(), "round2.csv")
	content2 := "192.0.2.1,10.0.0.0,10.0.0.3,10.0.2.254,17,24001,33434,7,0,11,0,14.0,248,56,2,1\n"
	require.NoError(t, os.WriteFile(csvPath2, []byte(content2), 0o600))
	require.NoError(t, db.InsertCSV(ctx, csvPath2, table))

	page, err := db.QueryResults(ctx, table, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Count)
	require.Len(t, page.Results, 3)

	rounds := map[int]int{}
	for _, r := range page.Results {
		rounds[r.Round]++
		assert.Equal(t, 17, r.Proto)
	}
	assert.Equal(t, map[int]int{1: 2, 2: 1}, rounds)
}

func TestQueryResults_Pagination(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	table, err := db.CreateResultsTable(ctx, uuid.NewString(), uuid.NewString())
	require.NoError(t, err)

	csvPath := filepath.Join(t.TempDir(), "rows.csv")
	var content string
	for i := 0; i < 10; i++ {
		content += fmt.Sprintf("192.0.2.1,10.0.0.0,10.0.0.%d,10.0.0.254,1,0,0,%d,0,11,0,1.0,250,56,1,1\n", i, i+1)
	}
	require.NoError(t, os.WriteFile(csvPath, []byte(content), 0o600))
	require.NoError(t, db.InsertCSV(ctx, csvPath, table))

	page, err := db.QueryResults(ctx, table, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, 10, page.Count)
	assert.Len(t, page.Results, 4)

	last, err := db.QueryResults(ctx, table, 8, 4)
	require.NoError(t, err)
	assert.Equal(t, 10, last.Count)
	assert.Len(t, last.Results, 2)
}

func TestQueryResults_NonexistentTable(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	// Querying a table that was never created is not an error: the agent
	// simply has no results yet.
	table := ForgeTableName(uuid.NewString(), uuid.NewString())
	page, err := db.QueryResults(ctx, table, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, page.Count)
	assert.Empty(t, page.Results)
	assert.NotNil(t, page.Results)
}
