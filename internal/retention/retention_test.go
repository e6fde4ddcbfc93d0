package retention

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePendingActions struct {
	mu        sync.Mutex
	deleted   int64
	lastCutoff time.Time
}

func (f *fakePendingActions) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCutoff = cutoff
	return f.deleted, nil
}

type fakeApprovalRules struct {
	deleted int64
}

func (f *fakeApprovalRules) DeleteInactiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return f.deleted, nil
}

type fakeApprovalEvents struct {
	deleted        int64
	capturedTypes  []string
}

func (f *fakeApprovalEvents) DeletePrivilegedOlderThan(ctx context.Context, cutoff time.Time, privilegedEventTypes []string) (int64, error) {
	f.capturedTypes = privilegedEventTypes
	return f.deleted, nil
}

type fakePartitions struct {
	ensured []string
	dropped int
}

func (f *fakePartitions) EnsureUpcomingPartition(ctx context.Context, parent string) error {
	f.ensured = append(f.ensured, parent)
	return nil
}

func (f *fakePartitions) DropPartitionsOlderThan(ctx context.Context, parent string, cutoff time.Time) (int, error) {
	return f.dropped, nil
}

func TestRunAll_InvokesAllFiveSweeps(t *testing.T) {
	pending := &fakePendingActions{deleted: 3}
	rules := &fakeApprovalRules{deleted: 1}
	events := &fakeApprovalEvents{deleted: 2}
	partitions := &fakePartitions{dropped: 1}

	svc := NewService(DefaultConfig(), pending, rules, events, partitions)
	svc.runAll(context.Background())

	assert.Len(t, partitions.ensured, 1)
	assert.Equal(t, "message_inbox", partitions.ensured[0])
	assert.NotZero(t, pending.lastCutoff)
	assert.Equal(t, []string{"approved", "rejected", "executed", "execution_failed"}, events.capturedTypes)
}

func TestRunAll_SkipsPartitionMaintenanceWhenNil(t *testing.T) {
	pending := &fakePendingActions{}
	rules := &fakeApprovalRules{}
	events := &fakeApprovalEvents{}

	svc := NewService(DefaultConfig(), pending, rules, events, nil)
	require.NotPanics(t, func() { svc.runAll(context.Background()) })
}

func TestStartStop_RunsImmediatelyThenStopsCleanly(t *testing.T) {
	pending := &fakePendingActions{}
	rules := &fakeApprovalRules{}
	events := &fakeApprovalEvents{}
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Hour

	svc := NewService(cfg, pending, rules, events, nil)
	svc.Start(context.Background())
	svc.Stop()

	pending.mu.Lock()
	defer pending.mu.Unlock()
	assert.NotZero(t, pending.lastCutoff, "first run should fire immediately on Start")
}
