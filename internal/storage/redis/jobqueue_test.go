package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T) (*JobQueue, *fakeClock) {
	t.Helper()
	c, _ := newTestClient(t)
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	return NewJobQueue(c, "builds").WithClock(clock.Now), clock
}

func TestJobQueueImmediateJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Add(ctx, "build", map[string]string{"projectId": "p1"}, JobOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)

	taken, err := q.Take(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Equal(t, job.ID, taken.ID)
	assert.Equal(t, JobStateActive, taken.State)

	var payload map[string]string
	require.NoError(t, taken.Decode(&payload))
	assert.Equal(t, "p1", payload["projectId"])

	require.NoError(t, q.Complete(ctx, taken))
	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Active)
	assert.Equal(t, int64(1), counts.Completed)
}

func TestJobQueueDelayedPromotion(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Add(ctx, "resume", nil, JobOptions{Delay: 90 * time.Second, BypassPause: true})
	require.NoError(t, err)
	assert.Equal(t, JobStateDelayed, job.State)
	assert.Equal(t, clock.Now().Add(90*time.Second).UnixMilli(), job.RunAt)

	n, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(91 * time.Second)
	n, err = q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 控制任务在只取控制列表时也能取到
	taken, err := q.Take(ctx, false)
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Equal(t, job.ID, taken.ID)
}

func TestJobQueuePausedSkipsWaiting(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "build", nil, JobOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Pause(ctx))

	paused, err := q.IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	taken, err := q.Take(ctx, false)
	require.NoError(t, err)
	assert.Nil(t, taken)

	require.NoError(t, q.Resume(ctx))
	paused, err = q.IsPaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestJobQueueRemoveDelayed(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Add(ctx, "resume", nil, JobOptions{Delay: time.Minute, BypassPause: true})
	require.NoError(t, err)

	removed, err := q.Remove(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = q.GetJob(ctx, job.ID)
	assert.True(t, errors.Is(err, ErrJobNotFound))

	clock.Advance(2 * time.Minute)
	n, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	removed, err = q.Remove(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestJobQueueFailRetriesThenRemoves(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "build", nil, JobOptions{Attempts: 2, RemoveOnFail: true})
	require.NoError(t, err)

	taken, err := q.Take(ctx, true)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, taken, errors.New("boom")))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting, "first failure should requeue")

	taken, err = q.Take(ctx, true)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, taken, errors.New("boom")))

	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
	assert.Equal(t, int64(0), counts.Failed)
	_, err = q.GetJob(ctx, taken.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobQueueJobIDs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	delayed, err := q.Add(ctx, "resume", nil, JobOptions{Delay: time.Minute})
	require.NoError(t, err)
	waiting, err := q.Add(ctx, "build", nil, JobOptions{})
	require.NoError(t, err)

	ids, err := q.JobIDs(ctx, JobStateDelayed, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{delayed.ID}, ids)

	ids, err = q.JobIDs(ctx, JobStateWaiting, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{waiting.ID}, ids)

	_, err = q.JobIDs(ctx, "bogus", 10)
	assert.Error(t, err)
}
