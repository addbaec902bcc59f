package stream

import (
	gerrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/getlantern/topicstream/model"
	"github.com/getlantern/topicstream/testsupport"
)

func openBatch(t *testing.T, src *testsupport.Source, maxCount int, maxWait time.Duration) (*BatchSubscription, *testsupport.Recorder[*model.TopicUpdateBatch]) {
	r := testsupport.NewRecorder[*model.TopicUpdateBatch]()
	sub, err := OpenBatch(src, &BatchOptions{MaxCount: maxCount, MaxWait: maxWait}, r)
	require.NoError(t, err)
	return sub, r
}

func TestBatchFlushesOnSize(t *testing.T) {
	src := testsupport.NewSource()
	sub, r := openBatch(t, src, 3, 10*time.Second)
	defer sub.Cancel()
	require.NoError(t, sub.Request(10))

	src.Send("a", "1")
	require.True(t, sub.hasTimer())
	src.Send("a", "2")
	src.Send("a", "3")
	require.False(t, sub.hasTimer(), "flushing should stop the timer")
	require.Zero(t, sub.Buffered())

	batches := r.WaitFor(t, 1, time.Second)
	require.Len(t, batches, 1)
	require.Equal(t, 3, batches[0].Count)
	for i, update := range batches[0].Updates {
		require.Equal(t, fmt.Sprint(i+1), update.Payload)
	}
	require.NotZero(t, batches[0].Timestamp)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, r.Len())
}

func TestBatchFlushesOnTimeout(t *testing.T) {
	src := testsupport.NewSource()
	sub, r := openBatch(t, src, 100, 50*time.Millisecond)
	defer sub.Cancel()
	require.NoError(t, sub.Request(10))

	start := time.Now()
	src.Send("a", "only")
	batches := r.WaitFor(t, 1, time.Second)
	elapsed := time.Since(start)

	require.Equal(t, 1, batches[0].Count)
	require.Equal(t, "only", batches[0].Updates[0].Payload)
	require.True(t, elapsed >= 45*time.Millisecond, "flushed too early after %v", elapsed)
	require.False(t, sub.hasTimer())

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, r.Len(), "an empty window should not produce a batch")
}

func TestBatchOrderAcrossWindows(t *testing.T) {
	src := testsupport.NewSource()
	sub, r := openBatch(t, src, 2, time.Second)
	defer sub.Cancel()
	require.NoError(t, sub.Request(10))

	for i := 0; i < 6; i++ {
		src.Send("a", fmt.Sprint(i))
	}
	batches := r.WaitFor(t, 3, time.Second)
	i := 0
	for _, batch := range batches {
		require.Equal(t, 2, batch.Count)
		for _, update := range batch.Updates {
			require.Equal(t, fmt.Sprint(i), update.Payload)
			i++
		}
	}
}

func TestBatchRespectsDemand(t *testing.T) {
	src := testsupport.NewSource()
	sub, r := openBatch(t, src, 1, time.Second)
	defer sub.Cancel()

	src.Send("a", "1")
	src.Send("a", "2")
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, r.Len())
	require.Equal(t, 2, sub.Pending())

	require.NoError(t, sub.Request(1))
	r.WaitFor(t, 1, time.Second)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, r.Len())
}

func TestBatchFlushesOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := testsupport.NewSource()
	sub, r := openBatch(t, src, 100, 10*time.Second)
	require.NoError(t, sub.Request(5))

	src.Send("a", "1")
	src.Send("a", "2")
	require.Equal(t, 2, sub.Buffered())

	require.True(t, sub.Cancel())
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription didn't finish")
	}

	batches := r.Items()
	require.Len(t, batches, 1)
	require.Equal(t, 2, batches[0].Count)
	require.Equal(t, 1, r.CompleteCount())
	require.Equal(t, 1, src.Unregisters(sub.ID()))
	require.False(t, sub.hasTimer())

	src.Send("a", "3")
	require.Zero(t, sub.Buffered())
}

func TestBatchConcurrentCancel(t *testing.T) {
	src := testsupport.NewSource()
	sub, r := openBatch(t, src, 100, 10*time.Second)
	require.NoError(t, sub.Request(1))
	src.Send("a", "1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Cancel()
		}()
	}
	wg.Wait()
	<-sub.Done()

	require.Equal(t, 1, src.Unregisters(sub.ID()))
	require.Len(t, r.Items(), 1)
	require.Equal(t, 1, r.CompleteCount())
}

func TestBatchConcurrentProducers(t *testing.T) {
	src := testsupport.NewSource()
	sub, r := openBatch(t, src, 7, 20*time.Millisecond)
	defer sub.Cancel()
	require.NoError(t, sub.Request(1000))

	var wg sync.WaitGroup
	for p := 0; p < 5; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				src.Send("a", "x")
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		total := 0
		for _, batch := range r.Items() {
			require.True(t, batch.Count > 0 && batch.Count <= 7)
			require.Len(t, batch.Updates, batch.Count)
			total += batch.Count
		}
		return total == 500
	}, 2*time.Second, 5*time.Millisecond)
	require.False(t, r.Concurrent())
}

func TestBatchInvalidConfig(t *testing.T) {
	src := testsupport.NewSource()
	r := testsupport.NewRecorder[*model.TopicUpdateBatch]()

	_, err := OpenBatch(src, &BatchOptions{MaxCount: 0, MaxWait: time.Second}, r)
	require.True(t, gerrors.Is(err, model.ErrInvalidConfig))
	_, err = OpenBatch(src, &BatchOptions{MaxCount: 10, MaxWait: 0}, r)
	require.True(t, gerrors.Is(err, model.ErrInvalidConfig))
	_, err = OpenBatch(src, &BatchOptions{MaxCount: -1, MaxWait: -time.Second}, r)
	require.True(t, gerrors.Is(err, model.ErrInvalidConfig))
	require.Zero(t, src.Registrations())
}
