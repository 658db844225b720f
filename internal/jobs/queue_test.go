package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func startQueue(t *testing.T, cfg Config, proc Processor) *Queue {
	t.Helper()
	q := NewQueue("test", cfg, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, proc) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		q.Close()
	})
	return q
}

func TestQueue_AddAndRun(t *testing.T) {
	var got atomic.Value
	q := startQueue(t, Config{Concurrency: 2}, func(_ context.Context, job *Job) (any, error) {
		var data struct{ Stamp int64 }
		if err := job.Decode(&data); err != nil {
			return nil, err
		}
		got.Store(data.Stamp)
		return true, nil
	})

	job, err := q.Add(context.Background(), "start-round", map[string]int64{"Stamp": 42}, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, "test", job.Queue)

	require.Eventually(t, func() bool { return q.Counts().Completed == 1 }, waitFor, tick)
	require.EqualValues(t, 42, got.Load())
	require.Equal(t, Counts{Completed: 1}, q.Counts())
}

func TestQueue_Delay(t *testing.T) {
	var ran atomic.Int64
	q := startQueue(t, Config{}, func(context.Context, *Job) (any, error) {
		ran.Add(1)
		return nil, nil
	})

	_, err := q.Add(context.Background(), "queued-distribute", nil, Options{Delay: 100 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, 1, q.Counts().Delayed)

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, ran.Load())
	require.Eventually(t, func() bool { return ran.Load() == 1 }, waitFor, tick)
}

func TestQueue_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int64
	q := startQueue(t, Config{Defaults: Options{Attempts: 3, Backoff: time.Millisecond}}, func(_ context.Context, job *Job) (any, error) {
		n := calls.Add(1)
		if int(n) != job.AttemptsMade {
			return nil, xerrors.Errorf("attempt mismatch %d != %d", n, job.AttemptsMade)
		}
		if n < 3 {
			return nil, xerrors.New("flaky")
		}
		return "ok", nil
	})

	_, err := q.Add(context.Background(), "add-scores", nil, Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return q.Counts().Completed == 1 }, waitFor, tick)
	require.EqualValues(t, 3, calls.Load())
	require.Empty(t, q.Failed())
}

func TestQueue_FailedRetention(t *testing.T) {
	q := startQueue(t, Config{KeepFailed: 8, Defaults: Options{Attempts: 2}}, func(context.Context, *Job) (any, error) {
		return nil, xerrors.New("boom")
	})

	for i := 0; i < 10; i++ {
		_, err := q.Add(context.Background(), "complete-round", i, Options{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		c := q.Counts()
		return c.Waiting+c.Delayed+c.Active == 0
	}, waitFor, tick)

	failed := q.Failed()
	require.Len(t, failed, 8)
	for _, job := range failed {
		require.Equal(t, StateFailed, job.State)
		require.Equal(t, "boom", job.FailedReason)
		require.Equal(t, 2, job.AttemptsMade)
	}
	require.Zero(t, q.Counts().Completed)
}

func TestQueue_PanicIsFailure(t *testing.T) {
	q := startQueue(t, Config{KeepFailed: 8}, func(context.Context, *Job) (any, error) {
		panic("nil map")
	})

	_, err := q.Add(context.Background(), "persist-last-round", nil, Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.Failed()) == 1 }, waitFor, tick)
	require.Equal(t, "panic: nil map", q.Failed()[0].FailedReason)
}

func TestQueue_TimeoutAbandonsHandler(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	q := startQueue(t, Config{KeepFailed: 8}, func(context.Context, *Job) (any, error) {
		<-release
		return true, nil
	})

	_, err := q.Add(context.Background(), "add-scores", nil, Options{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.Failed()) == 1 }, waitFor, tick)
	require.Equal(t, ErrTimeout.Error(), q.Failed()[0].FailedReason)
}

func TestQueue_FlowFanIn(t *testing.T) {
	var mu sync.Mutex
	var order []string
	results := make(chan map[string]*int, 1)
	var rootSaw atomic.Value

	q := startQueue(t, Config{Concurrency: 4}, func(_ context.Context, job *Job) (any, error) {
		mu.Lock()
		order = append(order, job.Name)
		mu.Unlock()

		switch job.Name {
		case "child":
			var n int
			if err := job.Decode(&n); err != nil {
				return nil, err
			}
			return n * 10, nil
		case "middle":
			values, err := DecodeChildren[int](job)
			if err != nil {
				return nil, err
			}
			results <- values
			sum := 0
			for _, v := range values {
				sum += *v
			}
			return sum, nil
		case "root":
			rootSaw.Store(job.ChildrenValues())
			return nil, nil
		}
		return nil, xerrors.Errorf("unexpected job %s", job.Name)
	})

	root, err := q.AddFlow(context.Background(), &FlowJob{
		Name: "root",
		Children: []*FlowJob{{
			Name: "middle",
			Children: []*FlowJob{
				{Name: "child", Data: 1},
				{Name: "child", Data: 2},
				{Name: "child", Data: 3},
			},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, StateWaitingChildren, root.State)

	values := <-results
	require.Len(t, values, 3)
	sum := 0
	for _, v := range values {
		sum += *v
	}
	require.Equal(t, 60, sum)

	require.Eventually(t, func() bool { return q.Counts().Completed == 5 }, waitFor, tick)
	mu.Lock()
	require.Equal(t, []string{"child", "child", "child", "middle", "root"}, order)
	mu.Unlock()

	seen := rootSaw.Load().(map[string]json.RawMessage)
	require.Len(t, seen, 1)
	for _, raw := range seen {
		require.JSONEq(t, "60", string(raw))
	}
}

func TestQueue_FailedChildReleasesParent(t *testing.T) {
	parentValues := make(chan map[string]*bool, 1)
	q := startQueue(t, Config{KeepFailed: 8, Defaults: Options{Attempts: 2, Backoff: time.Millisecond}}, func(_ context.Context, job *Job) (any, error) {
		switch job.Name {
		case "bad":
			return nil, xerrors.New("rejected")
		case "good":
			return true, nil
		default:
			values, err := DecodeChildren[bool](job)
			if err != nil {
				return nil, err
			}
			parentValues <- values
			return nil, nil
		}
	})

	_, err := q.AddFlow(context.Background(), &FlowJob{
		Name:     "parent",
		Children: []*FlowJob{{Name: "good"}, {Name: "bad"}},
	})
	require.NoError(t, err)

	values := <-parentValues
	require.Len(t, values, 2)
	var nils, trues int
	for _, v := range values {
		if v == nil {
			nils++
		} else if *v {
			trues++
		}
	}
	require.Equal(t, 1, nils)
	require.Equal(t, 1, trues)
	require.Len(t, q.Failed(), 1)
	require.Equal(t, "bad", q.Failed()[0].Name)
}

func TestQueue_FlowWithoutChildrenRunsImmediately(t *testing.T) {
	ran := make(chan int, 1)
	q := startQueue(t, Config{}, func(_ context.Context, job *Job) (any, error) {
		ran <- len(job.ChildrenValues())
		return nil, nil
	})

	_, err := q.AddFlow(context.Background(), &FlowJob{Name: "root"})
	require.NoError(t, err)
	require.Equal(t, 0, <-ran)
}

func TestQueue_Obliterate(t *testing.T) {
	q := NewQueue("tasks", Config{KeepFailed: 8}, zerolog.Nop())

	_, err := q.Add(context.Background(), "queued-distribute", nil, Options{Delay: time.Hour})
	require.NoError(t, err)
	_, err = q.Add(context.Background(), "start-round", nil, Options{})
	require.NoError(t, err)
	_, err = q.AddFlow(context.Background(), &FlowJob{Name: "p", Children: []*FlowJob{{Name: "c"}}})
	require.NoError(t, err)

	require.Equal(t, Counts{Waiting: 2, Delayed: 1, WaitingChildren: 1}, q.Counts())
	require.Equal(t, 4, q.Obliterate())
	require.Equal(t, Counts{}, q.Counts())
}

func TestQueue_Closed(t *testing.T) {
	q := NewQueue("tasks", Config{}, zerolog.Nop())
	q.Close()

	_, err := q.Add(context.Background(), "start-round", nil, Options{})
	require.ErrorIs(t, err, ErrQueueClosed)
	_, err = q.AddFlow(context.Background(), &FlowJob{Name: "root"})
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_UnencodableData(t *testing.T) {
	q := NewQueue("tasks", Config{}, zerolog.Nop())
	_, err := q.Add(context.Background(), "bad", make(chan int), Options{})
	require.Error(t, err)

	_, err = q.AddFlow(context.Background(), &FlowJob{Name: "root", Children: []*FlowJob{{Name: "bad", Data: func() {}}}})
	require.Error(t, err)
	require.Equal(t, Counts{}, q.Counts())
}

func TestOptions_WithDefaults(t *testing.T) {
	d := Options{Attempts: 3, Backoff: time.Second, Timeout: time.Minute}
	require.Equal(t, Options{Attempts: 3, Backoff: time.Second, Timeout: time.Minute}, Options{}.withDefaults(d))
	require.Equal(t, Options{Delay: time.Hour, Attempts: 1, Backoff: time.Second, Timeout: time.Minute},
		Options{Delay: time.Hour, Attempts: 1}.withDefaults(d))
	require.Equal(t, 1, Options{}.withDefaults(Options{}).Attempts)
}

func TestQueue_KeyDeduplicatesPendingJobs(t *testing.T) {
	q := NewQueue("tasks", Config{}, zerolog.Nop())
	defer q.Close()
	ctx := context.Background()

	first, err := q.Add(ctx, "recheck", nil, Options{Key: "recheck", Delay: time.Hour})
	require.NoError(t, err)
	second, err := q.Add(ctx, "recheck", nil, Options{Key: "recheck", Delay: time.Minute})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.ReadyAt, second.ReadyAt)
	require.Equal(t, Counts{Delayed: 1}, q.Counts())

	_, err = q.Add(ctx, "recheck", nil, Options{Delay: time.Hour})
	require.NoError(t, err)
	_, err = q.Add(ctx, "other", nil, Options{Key: "other"})
	require.NoError(t, err)
	require.Equal(t, Counts{Waiting: 1, Delayed: 2}, q.Counts())
}

func TestQueue_KeyAllowsSuccessorOfActiveJob(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	q := startQueue(t, Config{}, func(ctx context.Context, _ *Job) (any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	ctx := context.Background()

	running, err := q.Add(ctx, "recheck", nil, Options{Key: "recheck"})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("job did not start")
	}

	next, err := q.Add(ctx, "recheck", nil, Options{Key: "recheck", Delay: time.Hour})
	require.NoError(t, err)
	require.NotEqual(t, running.ID, next.ID)
	require.Equal(t, Counts{Active: 1, Delayed: 1}, q.Counts())
	close(release)
}
