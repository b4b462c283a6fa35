package accesslog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureDeadLetter struct {
	mu     sync.Mutex
	items  []RecordInput
	causes []error
}

func (d *captureDeadLetter) Put(_ context.Context, in RecordInput, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, in)
	d.causes = append(d.causes, cause)
	return nil
}

func (d *captureDeadLetter) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func newTestRecorder(repo *mockRepo, dead DeadLetter, cfg RecorderConfig) (*Recorder, *[]time.Duration) {
	svc := NewService(repo, zerolog.Nop())
	r := NewRecorder(svc, dead, cfg, zerolog.Nop())
	var mu sync.Mutex
	delays := &[]time.Duration{}
	r.sleep = func(d time.Duration) {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
	}
	return r, delays
}

func runRecorder(r *Recorder) (cancel func()) {
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		<-done
	}
}

func TestRecorder_WritesAndDrainsOnShutdown(t *testing.T) {
	repo := newMockRepo()
	r, _ := newTestRecorder(repo, &captureDeadLetter{}, RecorderConfig{QueueSize: 100, Workers: 3})
	stop := runRecorder(r)

	for i := 0; i < 50; i++ {
		r.Enqueue(RecordInput{ProfessionalID: "PROF-1", PatientID: "P", Success: true})
	}
	stop()

	if repo.count() != 50 {
		t.Errorf("expected 50 entries written, got %d", repo.count())
	}
	st := r.Stats()
	if st.Enqueued != 50 || st.Written != 50 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestRecorder_RetriesWithDoublingBackoff(t *testing.T) {
	repo := newMockRepo()
	repo.err = errors.New("deadlock detected")
	repo.failFor = 2
	dead := &captureDeadLetter{}
	r, delays := newTestRecorder(repo, dead, RecorderConfig{Workers: 1, MaxRetries: 3, BaseDelay: 10 * time.Millisecond})
	stop := runRecorder(r)

	r.Enqueue(RecordInput{ProfessionalID: "PROF-1", PatientID: "P"})
	stop()

	if repo.count() != 1 {
		t.Fatalf("expected entry written after retries, got %d", repo.count())
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, *delays)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], (*delays)[i])
		}
	}
	if dead.len() != 0 {
		t.Error("expected no dead letters")
	}
}

func TestRecorder_ExhaustedRetriesGoToDeadLetter(t *testing.T) {
	repo := newMockRepo()
	repo.err = errors.New("connection refused")
	repo.failFor = -1
	dead := &captureDeadLetter{}
	r, delays := newTestRecorder(repo, dead, RecorderConfig{Workers: 1, MaxRetries: 2, BaseDelay: time.Millisecond})
	stop := runRecorder(r)

	r.Enqueue(RecordInput{ProfessionalID: "PROF-1", PatientID: "P"})
	stop()

	if dead.len() != 1 {
		t.Fatalf("expected 1 dead letter, got %d", dead.len())
	}
	if len(*delays) != 2 {
		t.Errorf("expected 2 backoff sleeps, got %d", len(*delays))
	}
	if st := r.Stats(); st.DeadLettered != 1 || st.Retried != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestRecorder_InvalidEntryDropped(t *testing.T) {
	repo := newMockRepo()
	dead := &captureDeadLetter{}
	r, _ := newTestRecorder(repo, dead, RecorderConfig{Workers: 1})
	stop := runRecorder(r)

	r.Enqueue(RecordInput{PatientID: "P"})
	stop()

	if dead.len() != 0 || repo.count() != 0 {
		t.Error("expected invalid entry to be dropped, not stored or dead-lettered")
	}
	if st := r.Stats(); st.Dropped != 1 {
		t.Errorf("expected dropped 1, got %+v", st)
	}
}

func TestRecorder_QueueFullGoesToDeadLetter(t *testing.T) {
	repo := newMockRepo()
	dead := &captureDeadLetter{}
	// not running: nothing drains the queue
	r, _ := newTestRecorder(repo, dead, RecorderConfig{QueueSize: 1, Workers: 1})

	r.Enqueue(RecordInput{ProfessionalID: "PROF-1", PatientID: "P"})
	r.Enqueue(RecordInput{ProfessionalID: "PROF-2", PatientID: "P"})

	if dead.len() != 1 {
		t.Fatalf("expected overflow entry dead-lettered, got %d", dead.len())
	}
	if !errors.Is(dead.causes[0], ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", dead.causes[0])
	}
	if dead.items[0].ProfessionalID != "PROF-2" {
		t.Errorf("expected second entry dead-lettered, got %s", dead.items[0].ProfessionalID)
	}
}

func TestRecorder_EnqueueAfterClose(t *testing.T) {
	repo := newMockRepo()
	dead := &captureDeadLetter{}
	r, _ := newTestRecorder(repo, dead, RecorderConfig{Workers: 1})
	stop := runRecorder(r)
	stop()

	r.Enqueue(RecordInput{ProfessionalID: "PROF-1", PatientID: "P"})
	if dead.len() != 1 || !errors.Is(dead.causes[0], ErrRecorderClosed) {
		t.Errorf("expected closed recorder to dead-letter, got %d", dead.len())
	}
}

func TestRecorder_EnqueueStampsTime(t *testing.T) {
	dead := &captureDeadLetter{}
	r, _ := newTestRecorder(newMockRepo(), dead, RecorderConfig{Workers: 1})
	r.Close()
	r.Enqueue(RecordInput{ProfessionalID: "PROF-1", PatientID: "P"})
	if dead.items[0].AccessedAt.IsZero() {
		t.Error("expected accessedAt to be stamped at enqueue time")
	}
}
