package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"path/filepath"
	"testing"
	"time"

	"market-pipeline/internal/model"
	sqlitestore "market-pipeline/internal/store/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExport(t *testing.T) {
	ctx := context.Background()
	store, err := sqlitestore.New(sqlitestore.Config{DBPath: filepath.Join(t.TempDir(), "bars.db")})
	require.NoError(t, err)
	defer store.Close()

	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertBars(ctx, []model.Bar{
		{Symbol: "AAPL", Start: t0, Open: 180, High: 181, Low: 179.5, Close: 180.25, Volume: 10, Ticks: 3},
		{Symbol: "AAPL", Start: t0.Add(time.Minute), Open: 180.25, High: 180.25, Low: 180, Close: 180, Volume: 1, Ticks: 1},
		{Symbol: "BTC", Start: t0, Open: 64000, High: 64000, Low: 64000, Close: 64000, Volume: 0.5, Ticks: 1},
	}))

	var buf bytes.Buffer
	n, err := export(ctx, store, &buf, nil, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, header, rows[0])
	assert.Equal(t, []string{"AAPL", "2024-03-01T10:00:00Z", "180", "181", "179.5", "180.25", "10", "3"}, rows[1])
	assert.Equal(t, "BTC", rows[3][0])

	buf.Reset()
	n, err = export(ctx, store, &buf, []string{"AAPL"}, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "since is exclusive")
}
