package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"urban-assist/urban-assist-queue-server/pkg/config"
	"urban-assist/urban-assist-queue-server/pkg/infra"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupTestStore(t *testing.T) (*Store, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	store := ProvideStore(db, config.New(), infra.NewLoggerFactory(zaptest.NewLogger(t)))
	return store, mock
}

func TestStore_Save(t *testing.T) {
	store, mock := setupTestStore(t)

	mock.ExpectHSet("availability:doc-1",
		"day", "Monday",
		"timeSlots", `["9:00","10:00"]`,
		"available", true,
		"maxPatients", 5,
		"avgConsultationTime", 10,
	).SetVal(5)

	err := store.Save(context.Background(), "doc-1", validAvailability())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Save_RedisError(t *testing.T) {
	store, mock := setupTestStore(t)

	mock.ExpectHSet("availability:doc-1",
		"day", "Monday",
		"timeSlots", `["9:00","10:00"]`,
		"available", true,
		"maxPatients", 5,
		"avgConsultationTime", 10,
	).SetErr(errors.New("connection refused"))

	err := store.Save(context.Background(), "doc-1", validAvailability())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get(t *testing.T) {
	store, mock := setupTestStore(t)

	mock.ExpectHGetAll("availability:doc-1").SetVal(map[string]string{
		"day":                 "Monday",
		"timeSlots":           `["9:00","10:00"]`,
		"available":           "1",
		"maxPatients":         "5",
		"avgConsultationTime": "10",
	})

	a, err := store.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", a.DoctorId)
	assert.Equal(t, "Monday", a.Day)
	assert.Equal(t, []string{"9:00", "10:00"}, a.TimeSlots)
	assert.True(t, a.Available)
	assert.Equal(t, Count(5), a.MaxPatients)
	assert.Equal(t, Count(10), a.AvgConsultationTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get_NotFound(t *testing.T) {
	store, mock := setupTestStore(t)

	mock.ExpectHGetAll("availability:doc-2").SetVal(map[string]string{})

	_, err := store.Get(context.Background(), "doc-2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AvgConsultation(t *testing.T) {
	store, mock := setupTestStore(t)

	mock.ExpectHGet("availability:doc-1", "avgConsultationTime").SetVal("15")
	mock.ExpectHGet("availability:doc-2", "avgConsultationTime").RedisNil()

	avg, err := store.AvgConsultation(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, avg)

	avg, err = store.AvgConsultation(context.Background(), "doc-2")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, avg)

	assert.NoError(t, mock.ExpectationsWereMet())
}
