package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rehearsal-engine/generic"
	"github.com/warp/rehearsal-engine/store/redislock"
)

func newLocker(t *testing.T) *redislock.Locker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redislock.New(client, "test", time.Minute)
}

func createOpenSeries(t *testing.T, s *testServer) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/series", map[string]any{
		"owner_id":   "lee",
		"reservable": map[string]string{"kind": "band", "id": "club"},
		"space_id":   "room-a",
		"rule":       "FREQ=WEEKLY",
		"start_time": "19:00",
		"end_time":   "21:00",
		"start_date": "2026-03-03",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[SeriesResponse](t, rec).Series.ID
}

func TestScheduler_RunNowExtendsHorizon(t *testing.T) {
	// GIVEN: An open weekly series expanded at creation
	// WHEN: A week passes and the scheduler runs
	// THEN: Exactly one new instance enters the horizon

	s := newTestServer(t)
	createOpenSeries(t, s)
	s.handler.Scheduler.locker = newLocker(t)

	s.clock.Advance(7 * 24 * time.Hour)
	out := s.handler.Scheduler.RunNow(context.Background())
	assert.Equal(t, 1, out.SeriesExpanded)
	assert.Equal(t, 1, out.Created)
	assert.Equal(t, 0, out.Skipped)

	// Nothing new on an immediate rerun.
	out = s.handler.Scheduler.RunNow(context.Background())
	assert.Equal(t, 0, out.Created)
}

func TestScheduler_SkipsLockedSeries(t *testing.T) {
	// GIVEN: Another worker holds the series lock
	// WHEN: The scheduler runs
	// THEN: The series is left alone

	s := newTestServer(t)
	id := createOpenSeries(t, s)
	locker := newLocker(t)
	s.handler.Scheduler.locker = locker

	held, err := locker.Acquire(context.Background(), "series:"+id)
	require.NoError(t, err)

	s.clock.Advance(7 * 24 * time.Hour)
	out := s.handler.Scheduler.RunNow(context.Background())
	assert.Equal(t, 0, out.SeriesExpanded)
	assert.Equal(t, 0, out.Created)

	_, err = held.Release(context.Background())
	require.NoError(t, err)
	out = s.handler.Scheduler.RunNow(context.Background())
	assert.Equal(t, 1, out.Created)
}

func TestScheduler_FlagsOverdueLoansOnce(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/loans", LoanRequest{EquipmentID: "amp-1", BorrowerID: "robin", ReservedFrom: t0, DueAt: at(3, 10, 0)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody[LoanResponse](t, rec).Loan.ID
	for _, body := range []TransitionRequest{
		{Command: "begin_preparation"},
		{Command: "mark_ready"},
		{Command: "check_out", Condition: "good"},
	} {
		rec = s.do(t, http.MethodPost, "/api/loans/"+id+"/transitions", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	s.clock.Set(at(4, 9, 0))
	rec = s.do(t, http.MethodPost, "/api/admin/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[SweepDTO](t, rec).Overdue)

	rec = s.do(t, http.MethodPost, "/api/admin/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeBody[SweepDTO](t, rec).Overdue)

	rec = s.do(t, http.MethodGet, "/api/loans/"+id, nil)
	assert.Equal(t, generic.LoanOverdue, decodeBody[LoanResponse](t, rec).Loan.State)
}

func TestScheduler_StartStop(t *testing.T) {
	s := newTestServer(t)
	sch := s.handler.Scheduler
	sch.interval = 10 * time.Millisecond
	sch.Start()
	sch.Start()
	time.Sleep(30 * time.Millisecond)
	sch.Stop()
	sch.Stop()
}
