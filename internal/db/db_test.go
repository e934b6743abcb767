package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifier(t *testing.T) {
	assert.Equal(t, pgx.Identifier{"runs"}, Identifier("runs"))
	assert.Equal(t, pgx.Identifier{"coolsite", "runs"}, Identifier("coolsite.runs"))
	assert.Equal(t, `"coolsite"."runs"`, Identifier("coolsite.runs").Sanitize())
}

func TestConnect_NoURL(t *testing.T) {
	_, err := Connect(context.Background(), "", PoolConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database url")
}

func TestCopyFrom(t *testing.T) {
	n, err := CopyFrom(context.Background(), nil, "coolsite.pairs", []string{"a"}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"coolsite", "pairs"}, []string{"a", "b"}).WillReturnResult(2)
	mock.ExpectCopyFrom(pgx.Identifier{"pairs"}, []string{"a", "b"}).WillReturnError(errors.New("copy failed"))

	n, err = CopyFrom(context.Background(), mock, "coolsite.pairs", []string{"a", "b"}, [][]any{{1, "x"}, {2, "y"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = CopyFrom(context.Background(), mock, "pairs", []string{"a", "b"}, [][]any{{1, "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO pairs")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_Validation(t *testing.T) {
	n, err := Upsert(context.Background(), nil, Table{Name: "t", Columns: []string{"id"}, Key: []string{"id"}}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = Upsert(context.Background(), nil, Table{Name: "t", Key: []string{"id"}}, [][]any{{1}})
	assert.ErrorContains(t, err, "no columns specified")

	_, err = Upsert(context.Background(), nil, Table{Name: "t", Columns: []string{"id"}}, [][]any{{1}})
	assert.ErrorContains(t, err, "no conflict keys specified")
}

func TestUpsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_coolsite_sites"}, []string{"run_id", "site_id", "rank"}).WillReturnResult(2)
	mock.ExpectExec("INSERT INTO \"coolsite\".\"sites\"").WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := Upsert(context.Background(), mock, Table{
		Name:    "coolsite.sites",
		Columns: []string{"run_id", "site_id", "rank"},
		Key:     []string{"run_id", "site_id"},
	}, [][]any{{"r1", "a", 1}, {"r1", "b", 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_CopyFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_runs"}, []string{"id"}).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	_, err = Upsert(context.Background(), mock, Table{Name: "runs", Columns: []string{"id"}, Key: []string{"id"}}, [][]any{{"r1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "staging table for runs")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQL(t *testing.T) {
	got := upsertSQL(Table{
		Name:    "coolsite.sites",
		Columns: []string{"run_id", "site_id", "rank"},
		Key:     []string{"run_id", "site_id"},
	}, "_stage_coolsite_sites")
	assert.Equal(t,
		`INSERT INTO "coolsite"."sites" ("run_id", "site_id", "rank") SELECT "run_id", "site_id", "rank" FROM "_stage_coolsite_sites" ON CONFLICT ("run_id", "site_id") DO UPDATE SET "rank" = EXCLUDED."rank"`,
		got)

	keyOnly := upsertSQL(Table{Name: "t", Columns: []string{"id"}, Key: []string{"id"}}, "_stage_t")
	assert.Contains(t, keyOnly, "DO NOTHING")
}
