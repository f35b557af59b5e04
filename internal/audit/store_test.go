// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package audit_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lablabbean/pluginhost/internal/audit"
	"github.com/lablabbean/pluginhost/internal/plugin"
	"github.com/lablabbean/pluginhost/pkg/errutil"
)

var at = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func transition(id string, from, to plugin.State, reason string) plugin.Transition {
	return plugin.Transition{PluginID: id, Generation: 1, From: from, To: to, Reason: reason, At: at}
}

func undefinedTable() error {
	return &pgconn.PgError{Code: pgerrcode.UndefinedTable, Message: `relation "plugin_transitions" does not exist`}
}

func TestStore_Append(t *testing.T) {
	tests := []struct {
		name    string
		execErr error
		code    string
	}{
		{"ok", nil, ""},
		{"schema missing", undefinedTable(), "AUDIT_SCHEMA_MISSING"},
		{"other failure", errors.New("connection refused"), "AUDIT_WRITE_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			exp := mock.ExpectExec(`INSERT INTO plugin_transitions`).
				WithArgs(pgxmock.AnyArg(), "batch-7", "alpha", 1, "created", "failed", "boom", at)
			if tt.execErr != nil {
				exp.WillReturnError(tt.execErr)
			} else {
				exp.WillReturnResult(pgxmock.NewResult("INSERT", 1))
			}

			store := audit.NewStore(mock, audit.WithBatchSource(func() string { return "batch-7" }))
			err = store.Append(context.Background(), transition("alpha", plugin.StateCreated, plugin.StateFailed, "boom"))
			if tt.code == "" {
				require.NoError(t, err)
			} else {
				errutil.AssertErrorCode(t, err, tt.code)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_History(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	first, second := ulid.Make(), ulid.Make()
	rows := pgxmock.NewRows([]string{"id", "batch_id", "plugin_id", "generation", "from_state", "to_state", "reason", "created_at"}).
		AddRow(first.String(), "b1", "alpha", 1, "", "created", "", at).
		AddRow(second.String(), "b1", "alpha", 1, "created", "failed", "boom", at.Add(time.Second))
	mock.ExpectQuery(`(?s)SELECT .+ FROM plugin_transitions WHERE plugin_id = \$1 ORDER BY id`).
		WithArgs("alpha").
		WillReturnRows(rows)

	records, err := audit.NewStore(mock).History(context.Background(), "alpha")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first, records[0].ID)
	assert.Equal(t, plugin.State(""), records[0].From)
	assert.Equal(t, plugin.StateFailed, records[1].To)
	assert.Equal(t, "boom", records[1].Reason)
	assert.Equal(t, at.Add(time.Second), records[1].At)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Batch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"id", "batch_id", "plugin_id", "generation", "from_state", "to_state", "reason", "created_at"}).
		AddRow(ulid.Make().String(), "b2", "beta", 2, "stopped", "unloaded", "", at)
	mock.ExpectQuery(`WHERE batch_id = \$1`).WithArgs("b2").WillReturnRows(rows)

	records, err := audit.NewStore(mock).Batch(context.Background(), "b2")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].Generation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_HistoryErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(pgxmock.PgxPoolIface)
		code  string
	}{
		{
			name: "schema missing",
			setup: func(m pgxmock.PgxPoolIface) {
				m.ExpectQuery(`SELECT`).WithArgs("alpha").WillReturnError(undefinedTable())
			},
			code: "AUDIT_SCHEMA_MISSING",
		},
		{
			name: "query failure",
			setup: func(m pgxmock.PgxPoolIface) {
				m.ExpectQuery(`SELECT`).WithArgs("alpha").WillReturnError(errors.New("timeout"))
			},
			code: "AUDIT_READ_FAILED",
		},
		{
			name: "corrupt id",
			setup: func(m pgxmock.PgxPoolIface) {
				rows := pgxmock.NewRows([]string{"id", "batch_id", "plugin_id", "generation", "from_state", "to_state", "reason", "created_at"}).
					AddRow("not-a-ulid", "", "alpha", 1, "", "created", "", at)
				m.ExpectQuery(`SELECT`).WithArgs("alpha").WillReturnRows(rows)
			},
			code: "AUDIT_CORRUPT_ROW",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()
			tt.setup(mock)

			_, err = audit.NewStore(mock).History(context.Background(), "alpha")
			errutil.AssertErrorCode(t, err, tt.code)
		})
	}
}

func TestRecorder_WritesInOrderAndDrains(t *testing.T) {
	defer goleak.VerifyNone(t)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO plugin_transitions`).
		WithArgs(pgxmock.AnyArg(), "", "alpha", 1, "", "created", "", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO plugin_transitions`).
		WithArgs(pgxmock.AnyArg(), "", "alpha", 1, "created", "failed", "boom", at).
		WillReturnError(errors.New("disk full"))
	mock.ExpectExec(`INSERT INTO plugin_transitions`).
		WithArgs(pgxmock.AnyArg(), "", "beta", 1, "", "created", "", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec := audit.NewRecorder(audit.NewStore(mock), slog.New(slog.NewTextHandler(io.Discard, nil)), 8)
	go rec.Run(context.Background())

	rec.Observe(transition("alpha", "", plugin.StateCreated, ""))
	rec.Observe(transition("alpha", plugin.StateCreated, plugin.StateFailed, "boom"))
	rec.Observe(transition("beta", "", plugin.StateCreated, ""))
	rec.Close()

	require.NoError(t, mock.ExpectationsWereMet(), "a failed write does not stop later ones")
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.ExpectExec(`INSERT INTO plugin_transitions`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "alpha", 1, "", "created", "", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	var logs bytes.Buffer
	rec := audit.NewRecorder(audit.NewStore(mock), slog.New(slog.NewTextHandler(&logs, nil)), 1)
	rec.Observe(transition("alpha", "", plugin.StateCreated, ""))
	rec.Observe(transition("alpha", plugin.StateCreated, plugin.StateInitialized, ""))

	go rec.Run(context.Background())
	rec.Close()
	require.NoError(t, mock.ExpectationsWereMet(), "only the queued transition is written")
	assert.Contains(t, logs.String(), "transition dropped")
	assert.Contains(t, logs.String(), "to=initialized")
	assert.NotContains(t, logs.String(), "audit write failed")
}
