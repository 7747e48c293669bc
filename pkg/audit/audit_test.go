package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClawsCorp/core/pkg/database/dbtest"
)

func TestSQLStore_RecordAndList(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(dbtest.NewSQLite(t))
	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	require.NoError(t, s.Record(ctx, Entry{
		ActorType: ActorAutomation, Route: "/api/v1/settlement/202501", Method: "POST",
		SignatureStatus: "valid", BodyHash: "abc", RequestNonce: "n1", Outcome: OutcomeOK,
	}))
	require.NoError(t, s.Record(ctx, Entry{
		Route: "/api/v1/distributions/202501/execute", Method: "POST",
		SignatureStatus: "invalid", BodyHash: "def", Outcome: OutcomeRejected,
	}))
	require.NoError(t, s.Record(ctx, Entry{
		ActorType: ActorAutomation, Route: "/api/v1/settlement/202502", Method: "POST",
		SignatureStatus: "valid", BodyHash: "ghi", Outcome: OutcomeBlocked, BlockedReason: "not_ready",
	}))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ActorUnknown, all[1].ActorType)
	assert.Equal(t, "n1", all[0].RequestNonce)
	assert.NotEmpty(t, all[0].ID)
	assert.True(t, all[0].CreatedAt.Before(all[1].CreatedAt))

	jan, err := s.List(ctx, Filter{RouteContains: "202501"})
	require.NoError(t, err)
	assert.Len(t, jan, 2)

	recent, err := s.List(ctx, Filter{Since: base.Add(2 * time.Second), Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, OutcomeRejected, recent[0].Outcome)
}

func TestRecorder_FailsClosedWithoutStore(t *testing.T) {
	var nilStore *SQLStore
	assert.ErrorIs(t, nilStore.Record(context.Background(), Entry{}), ErrNotConfigured)
	assert.ErrorIs(t, NewRecorder(nil, nil).Record(context.Background(), Entry{}), ErrNotConfigured)
}

func TestRecorder_PropagatesStoreError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO audit_log`).WillReturnError(errors.New("disk full"))

	r := NewRecorder(NewSQLStore(db), nil)
	err = r.Record(context.Background(), Entry{Route: "/x", Method: "POST", Outcome: OutcomeOK})
	assert.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}
