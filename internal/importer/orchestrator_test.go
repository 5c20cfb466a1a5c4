package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/job-importer/internal/domain"
	"github.com/cuongbtq/job-importer/internal/feed"
	"github.com/cuongbtq/job-importer/internal/queue"
	"github.com/cuongbtq/job-importer/internal/storage"
	"github.com/cuongbtq/job-importer/internal/worker"
	"github.com/cuongbtq/job-importer/shared/logger"
	"github.com/cuongbtq/job-importer/shared/sqlite"
)

const testFeedURL = "https://jobicy.com/?feed=job_feed"

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return raw
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	client, err := sqlite.NewClient(context.Background(), &sqlite.Config{
		Path: filepath.Join(t.TempDir(), "importer.db"),
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := storage.NewStore(client.GetDB(), logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

type staticFetcher struct {
	raw   []byte
	err   error
	calls int
}

func (f *staticFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.calls++
	return f.raw, f.err
}

// memoryBroker is an in-process stand-in for the work queue. It publishes
// to a channel, feeds the worker pool and redelivers requeued messages.
type memoryBroker struct {
	mu          sync.Mutex
	deliveries  chan amqp.Delivery
	bodies      map[uint64][]byte
	nextTag     uint64
	batches     int
	failBatches map[int]error
	published   int
	acked       int
	deadLetters int
	seqs        []int
	duplicate   bool // deliver every item again as a redelivery
}

func newMemoryBroker() *memoryBroker {
	return &memoryBroker{
		deliveries:  make(chan amqp.Delivery, 1024),
		bodies:      make(map[uint64][]byte),
		failBatches: make(map[int]error),
	}
}

func (b *memoryBroker) PublishBatch(ctx context.Context, items []domain.WorkItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.batches++
	if err := b.failBatches[b.batches]; err != nil {
		return &domain.EnqueueError{BatchSize: len(items), Err: err}
	}

	for _, item := range items {
		body, err := queue.Encode(item)
		if err != nil {
			return &domain.EnqueueError{BatchSize: len(items), Err: err}
		}
		b.deliverLocked(body, false)
		if b.duplicate {
			b.deliverLocked(body, true)
		}
		b.published++
		b.seqs = append(b.seqs, item.Seq)
	}
	return nil
}

func (b *memoryBroker) deliverLocked(body []byte, redelivered bool) {
	b.nextTag++
	b.bodies[b.nextTag] = body
	b.deliveries <- amqp.Delivery{
		Acknowledger: b,
		DeliveryTag:  b.nextTag,
		Body:         body,
		Redelivered:  redelivered,
	}
}

func (b *memoryBroker) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	return b.deliveries, nil
}

func (b *memoryBroker) Cancel(consumerTag string) error {
	return nil
}

func (b *memoryBroker) Ack(tag uint64, multiple bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bodies, tag)
	b.acked++
	return nil
}

func (b *memoryBroker) Nack(tag uint64, multiple, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	body := b.bodies[tag]
	delete(b.bodies, tag)
	if requeue {
		b.deliverLocked(body, true)
		return nil
	}
	b.deadLetters++
	return nil
}

func (b *memoryBroker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

// startWorker runs a worker pool against the broker until the test ends
func startWorker(t *testing.T, broker *memoryBroker, store worker.Store) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	w := worker.NewWorker(&worker.Config{
		Logger:      logger.NewNop(),
		Store:       store,
		Consumer:    broker,
		WorkerID:    "importer-test",
		Concurrency: 4,
		ItemTimeout: 5 * time.Second,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitForStatus(t *testing.T, store *storage.Store, runID string, want domain.RunStatus) *domain.ImportRun {
	t.Helper()

	var run *domain.ImportRun
	require.Eventually(t, func() bool {
		var err error
		run, err = store.GetRun(context.Background(), runID)
		return err == nil && run.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestOrchestrator_ImportsThreeItemFeed(t *testing.T) {
	store := newTestStore(t)
	broker := newMemoryBroker()
	startWorker(t, broker, store)

	o := NewOrchestrator(&staticFetcher{raw: readFixture(t, "three_items.xml")}, broker, store, Config{}, logger.NewNop())

	summary, err := o.Run(context.Background(), testFeedURL)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalFetched)
	assert.Equal(t, 3, summary.TotalQueued)
	assert.Zero(t, summary.TotalRejected)
	assert.Zero(t, summary.TotalFailedToQueue)
	assert.Equal(t, testFeedURL, summary.FeedURL)

	run := waitForStatus(t, store, summary.RunID, domain.RunStatusCompleted)
	assert.Equal(t, 3, run.TotalFetched)
	assert.Equal(t, 3, run.TotalImported)
	assert.Equal(t, 3, run.NewJobs)
	assert.Zero(t, run.UpdatedJobs)
	assert.Zero(t, run.TotalFailed)
	assert.Empty(t, run.FailedJobs)
	require.NotNil(t, run.FinishedAt)

	job, err := store.GetJob(context.Background(), "102")
	require.NoError(t, err)
	assert.Equal(t, "Data Engineer", job.Title)
	assert.Equal(t, domain.DefaultCompany, job.Company)
	assert.Equal(t, domain.DefaultLocation, job.Location)
	assert.Equal(t, domain.DefaultJobType, job.Type)

	count, err := store.CountJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestOrchestrator_RerunIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	broker := newMemoryBroker()
	startWorker(t, broker, store)

	// items without a usable pubDate take the clock, so pin it across runs
	clock := func() time.Time { return time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC) }
	o := NewOrchestrator(&staticFetcher{raw: readFixture(t, "three_items.xml")}, broker, store, Config{}, logger.NewNop(), WithClock(clock))

	first, err := o.Run(context.Background(), testFeedURL)
	require.NoError(t, err)
	waitForStatus(t, store, first.RunID, domain.RunStatusCompleted)

	second, err := o.Run(context.Background(), testFeedURL)
	require.NoError(t, err)
	run := waitForStatus(t, store, second.RunID, domain.RunStatusCompleted)

	assert.Zero(t, run.NewJobs)
	assert.Zero(t, run.UpdatedJobs)
	assert.Equal(t, 3, run.UnchangedJobs)
	assert.Zero(t, run.TotalImported)

	revision, err := store.JobRevision(context.Background(), "101")
	require.NoError(t, err)
	assert.Equal(t, 1, revision)
}

func TestOrchestrator_FetchTimeoutFailsRun(t *testing.T) {
	store := newTestStore(t)
	broker := newMemoryBroker()
	fetcher := &staticFetcher{err: &feed.FetchError{
		Kind: feed.FetchTimeout,
		URL:  testFeedURL,
		Err:  context.DeadlineExceeded,
	}}

	o := NewOrchestrator(fetcher, broker, store, Config{}, logger.NewNop())

	summary, err := o.Run(context.Background(), testFeedURL)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, summary.Status)
	assert.Contains(t, summary.ErrorMessage, "timeout")
	require.NotNil(t, summary.FinishedAt)

	run, err := store.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Zero(t, run.TotalFetched)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "failed to fetch feed")
	assert.Zero(t, broker.batches)
}

func TestOrchestrator_MalformedFeedFailsRun(t *testing.T) {
	store := newTestStore(t)
	broker := newMemoryBroker()
	o := NewOrchestrator(&staticFetcher{raw: []byte("<rss><channel><item></channel></rss>")}, broker, store, Config{}, logger.NewNop())

	summary, err := o.Run(context.Background(), testFeedURL)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, summary.Status)

	run, err := store.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "malformed")
	assert.Zero(t, broker.batches)
}

func TestOrchestrator_EmptyFeedCompletesImmediately(t *testing.T) {
	store := newTestStore(t)
	raw := []byte(`<?xml version="1.0"?><rss version="2.0"><channel><title>none</title></channel></rss>`)
	o := NewOrchestrator(&staticFetcher{raw: raw}, newMemoryBroker(), store, Config{}, logger.NewNop())

	summary, err := o.Run(context.Background(), testFeedURL)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, summary.Status)
	assert.Zero(t, summary.TotalFetched)
	assert.NotNil(t, summary.FinishedAt)
}

func TestOrchestrator_RejectedItemsAreRecorded(t *testing.T) {
	store := newTestStore(t)
	broker := newMemoryBroker()
	startWorker(t, broker, store)

	raw := []byte(`<rss><channel>
		<item><id>1</id><title>Valid</title></item>
		<item><title>No id</title></item>
		<item><id>3</id></item>
	</channel></rss>`)
	o := NewOrchestrator(&staticFetcher{raw: raw}, broker, store, Config{}, logger.NewNop())

	summary, err := o.Run(context.Background(), testFeedURL)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalFetched)
	assert.Equal(t, 1, summary.TotalQueued)
	assert.Equal(t, 2, summary.TotalRejected)

	run := waitForStatus(t, store, summary.RunID, domain.RunStatusCompleted)
	assert.Equal(t, 1, run.NewJobs)
	assert.Equal(t, 2, run.TotalFailed)
	require.Len(t, run.FailedJobs, 2)
	assert.Equal(t, "validation error: job_id is required", run.FailedJobs[0].Reason)
	assert.Equal(t, 2, run.FailedJobsCount)
	assert.LessOrEqual(t, run.NewJobs+run.UpdatedJobs+run.TotalFailed, run.TotalFetched)
}

func TestOrchestrator_BatchFailureIsIsolated(t *testing.T) {
	store := newTestStore(t)
	broker := newMemoryBroker()
	broker.failBatches[2] = errors.New("broker unavailable")
	startWorker(t, broker, store)

	raw := []byte(`<rss><channel>
		<item><id>1</id><title>One</title></item>
		<item><id>2</id><title>Two</title></item>
		<item><id>3</id><title>Three</title></item>
		<item><id>4</id><title>Four</title></item>
		<item><id>5</id><title>Five</title></item>
	</channel></rss>`)
	o := NewOrchestrator(&staticFetcher{raw: raw}, broker, store, Config{BatchSize: 2, BatchPause: time.Millisecond}, logger.NewNop())

	summary, err := o.Run(context.Background(), testFeedURL)
	require.NoError(t, err)
	assert.Equal(t, 3, broker.batches)
	assert.Equal(t, 3, summary.TotalQueued)
	assert.Equal(t, 2, summary.TotalFailedToQueue)

	run := waitForStatus(t, store, summary.RunID, domain.RunStatusCompleted)
	assert.Equal(t, 3, run.NewJobs)
	assert.Equal(t, 2, run.TotalFailed)
	require.Len(t, run.FailedJobs, 2)
	for _, failure := range run.FailedJobs {
		assert.Equal(t, "Batch queue error: broker unavailable", failure.Reason)
	}
	assert.ElementsMatch(t, []string{"3", "4"}, []string{
		run.FailedJobs[0].Record["job_id"],
		run.FailedJobs[1].Record["job_id"],
	})
}

func TestOrchestrator_SequencesItemsAcrossBatches(t *testing.T) {
	store := newTestStore(t)
	broker := newMemoryBroker()
	broker.failBatches[2] = errors.New("broker unavailable")
	startWorker(t, broker, store)

	raw := []byte(`<rss><channel>
		<item><id>1</id><title>One</title></item>
		<item><id>2</id><title>Two</title></item>
		<item><id>3</id><title>Three</title></item>
		<item><id>4</id><title>Four</title></item>
		<item><id>5</id><title>Five</title></item>
	</channel></rss>`)
	o := NewOrchestrator(&staticFetcher{raw: raw}, broker, store, Config{BatchSize: 2, BatchPause: time.Millisecond}, logger.NewNop())

	summary, err := o.Run(context.Background(), testFeedURL)
	require.NoError(t, err)
	waitForStatus(t, store, summary.RunID, domain.RunStatusCompleted)

	broker.mu.Lock()
	defer broker.mu.Unlock()
	// the failed second batch keeps its numbers unused
	assert.Equal(t, []int{1, 2, 5}, broker.seqs)
}

func TestOrchestrator_DuplicateDeliveriesSettleOnce(t *testing.T) {
	store := newTestStore(t)
	broker := newMemoryBroker()
	broker.duplicate = true
	startWorker(t, broker, store)

	o := NewOrchestrator(&staticFetcher{raw: readFixture(t, "three_items.xml")}, broker, store, Config{}, logger.NewNop())

	summary, err := o.Run(context.Background(), testFeedURL)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return broker.acked == 6
	}, 5*time.Second, 10*time.Millisecond)

	run := waitForStatus(t, store, summary.RunID, domain.RunStatusCompleted)
	assert.Equal(t, 3, run.Processed)
	assert.Equal(t, 3, run.NewJobs)
	assert.Zero(t, run.UnchangedJobs)
	assert.Zero(t, run.TotalFailed)
	assert.LessOrEqual(t, run.NewJobs+run.UpdatedJobs+run.TotalFailed, run.TotalFetched)

	broker.mu.Lock()
	defer broker.mu.Unlock()
	assert.Zero(t, broker.deadLetters)
}

type failingLedger struct {
	Ledger
	createErr error
	sealErr   error
	failed    []string
}

func (l *failingLedger) CreateRun(ctx context.Context, feedURL string, startedAt time.Time) (*domain.ImportRun, error) {
	if l.createErr != nil {
		return nil, l.createErr
	}
	return l.Ledger.CreateRun(ctx, feedURL, startedAt)
}

func (l *failingLedger) SealRun(ctx context.Context, runID string, queued int, now time.Time) (*domain.ImportRun, error) {
	if l.sealErr != nil {
		return nil, l.sealErr
	}
	return l.Ledger.SealRun(ctx, runID, queued, now)
}

func (l *failingLedger) FailRun(ctx context.Context, runID, message string, now time.Time) error {
	l.failed = append(l.failed, message)
	return l.Ledger.FailRun(ctx, runID, message, now)
}

func TestOrchestrator_LedgerErrors(t *testing.T) {
	t.Run("create run fails", func(t *testing.T) {
		ledger := &failingLedger{Ledger: newTestStore(t), createErr: errors.New("database is down")}
		o := NewOrchestrator(&staticFetcher{}, newMemoryBroker(), ledger, Config{}, logger.NewNop())

		summary, err := o.Run(context.Background(), testFeedURL)
		require.Error(t, err)
		assert.Nil(t, summary)
		assert.Contains(t, err.Error(), "failed to create import run")
		assert.Empty(t, ledger.failed)
	})

	t.Run("seal fails and run is failed", func(t *testing.T) {
		store := newTestStore(t)
		ledger := &failingLedger{Ledger: store, sealErr: errors.New("deadlock detected")}
		o := NewOrchestrator(&staticFetcher{raw: readFixture(t, "three_items.xml")}, newMemoryBroker(), ledger, Config{}, logger.NewNop())

		summary, err := o.Run(context.Background(), testFeedURL)
		require.Error(t, err)
		assert.Nil(t, summary)
		require.Len(t, ledger.failed, 1)
		assert.Contains(t, ledger.failed[0], "deadlock detected")

		runs, total, err := store.ListRuns(context.Background(), domain.RunFilter{Page: 1, Limit: 10})
		require.NoError(t, err)
		require.Equal(t, 1, total)
		assert.Equal(t, domain.RunStatusFailed, runs[0].Status)
	})
}

type recordingArchiver struct {
	keys []string
	err  error
}

func (a *recordingArchiver) Store(ctx context.Context, runID string, at time.Time, raw []byte) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	key := "feeds/" + runID + ".xml"
	a.keys = append(a.keys, key)
	return key, nil
}

func TestOrchestrator_Archive(t *testing.T) {
	t.Run("stores raw feed", func(t *testing.T) {
		archiver := &recordingArchiver{}
		o := NewOrchestrator(&staticFetcher{raw: readFixture(t, "three_items.xml")}, newMemoryBroker(), newTestStore(t), Config{}, logger.NewNop(), WithArchiver(archiver))

		summary, err := o.Run(context.Background(), testFeedURL)
		require.NoError(t, err)
		assert.Equal(t, []string{"feeds/" + summary.RunID + ".xml"}, archiver.keys)
	})

	t.Run("archive failure does not fail run", func(t *testing.T) {
		archiver := &recordingArchiver{err: errors.New("access denied")}
		o := NewOrchestrator(&staticFetcher{raw: readFixture(t, "three_items.xml")}, newMemoryBroker(), newTestStore(t), Config{}, logger.NewNop(), WithArchiver(archiver))

		summary, err := o.Run(context.Background(), testFeedURL)
		require.NoError(t, err)
		assert.Equal(t, 3, summary.TotalQueued)
		assert.Equal(t, domain.RunStatusInProgress, summary.Status)
	})
}

func TestOrchestrator_WithDecoderAndClock(t *testing.T) {
	fixed := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	decoder := func(raw []byte) ([]feed.Item, error) {
		return []feed.Item{{Fields: []feed.Field{{Name: "id", Value: "x"}, {Name: "title", Value: "Custom"}}}}, nil
	}

	broker := newMemoryBroker()
	o := NewOrchestrator(&staticFetcher{raw: []byte("ignored")}, broker, newTestStore(t), Config{}, logger.NewNop(),
		WithDecoder(decoder),
		WithClock(func() time.Time { return fixed }),
	)

	summary, err := o.Run(context.Background(), testFeedURL)
	require.NoError(t, err)
	assert.True(t, fixed.Equal(summary.StartedAt))
	require.Len(t, broker.deliveries, 1)

	item, err := queue.Decode((<-broker.deliveries).Body)
	require.NoError(t, err)
	assert.Equal(t, "Custom", item.Record.Title)
	assert.True(t, fixed.Equal(item.Record.PublishedAt))
}
