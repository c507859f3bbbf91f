package schedule

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinrai-ai/shinrai/internal/model"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launches []string
}

func (f *fakeLauncher) Launch(_ context.Context, agentID, trigger string, _ map[string]any) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, agentID+"/"+trigger)
	return uuid.New(), nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func TestValidateExpr(t *testing.T) {
	assert.NoError(t, ValidateExpr("*/5 * * * *"))
	assert.NoError(t, ValidateExpr("0 9 * * 1"))
	assert.Error(t, ValidateExpr("every tuesday"))
	assert.Error(t, ValidateExpr("* * * *"))
}

func TestNextRunTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 15, 0, time.UTC)

	next, err := NextRunTime("*/15 * * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 45, 0, 0, time.UTC), next)

	next, err = NextRunTime("0 0 * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), next)

	_, err = NextRunTime("bogus", now)
	assert.Error(t, err)
}

func TestNewSchedulerRejectsBadExpression(t *testing.T) {
	_, err := NewScheduler(Config{
		Launcher: &fakeLauncher{},
		Descriptors: []model.AgentDescriptor{
			{ID: "bad", Name: "bad", Enabled: true, Schedule: "not-cron"},
		},
		Logger: slog.New(slog.DiscardHandler),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestNewSchedulerSkipsUnscheduled(t *testing.T) {
	s, err := NewScheduler(Config{
		Launcher: &fakeLauncher{},
		Descriptors: []model.AgentDescriptor{
			{ID: "no-schedule", Name: "a", Enabled: true},
			{ID: "disabled", Name: "b", Enabled: false, Schedule: "* * * * *"},
			{ID: "live", Name: "c", Enabled: true, Schedule: "* * * * *"},
		},
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	assert.Len(t, s.entries, 1)
	assert.Equal(t, "live", s.entries[0].agentID)
}

func TestTickLaunchesDueEntries(t *testing.T) {
	launcher := &fakeLauncher{}
	s, err := NewScheduler(Config{
		Launcher: launcher,
		Descriptors: []model.AgentDescriptor{
			{ID: "minutely", Name: "m", Enabled: true, Schedule: "* * * * *"},
			{ID: "daily", Name: "d", Enabled: true, Schedule: "0 0 * * *"},
		},
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)

	// Force both entries due, then tick mid-day: only the minutely entry
	// should fire again after advancing.
	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	for _, e := range s.entries {
		e.next = base.Add(-time.Second)
	}
	s.tick(context.Background(), base)
	assert.Equal(t, 2, launcher.count())

	// Next firings moved past base; an immediate re-tick does nothing.
	s.tick(context.Background(), base)
	assert.Equal(t, 2, launcher.count())

	// One minute later only the minutely schedule is due again.
	s.tick(context.Background(), base.Add(time.Minute))
	assert.Equal(t, 3, launcher.count())
	assert.Equal(t, "minutely/scheduled", launcher.launches[2])
}

func TestStartStop(t *testing.T) {
	launcher := &fakeLauncher{}
	s, err := NewScheduler(Config{
		Launcher:    launcher,
		Descriptors: nil,
		Logger:      slog.New(slog.DiscardHandler),
		Interval:    time.Millisecond,
	})
	require.NoError(t, err)

	s.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	s.Stop()
}
