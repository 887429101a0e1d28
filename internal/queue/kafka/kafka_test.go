package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"schemaflow/internal/queue"
)

type stubWriter struct {
	mu     sync.Mutex
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (s *stubWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msgs...)
	return nil
}

func (s *stubWriter) Close() error {
	s.closed = true
	return nil
}

func (s *stubWriter) written() []kafkago.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]kafkago.Message(nil), s.msgs...)
}

type stubReader struct {
	mu      sync.Mutex
	msgs    []kafkago.Message
	idx     int
	commits int
	closed  bool
}

func (s *stubReader) FetchMessage(_ context.Context) (kafkago.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.msgs) {
		return kafkago.Message{}, io.EOF
	}
	msg := s.msgs[s.idx]
	s.idx++
	return msg, nil
}

func (s *stubReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits += len(msgs)
	return nil
}

func (s *stubReader) Close() error {
	s.closed = true
	return nil
}

func (s *stubReader) committed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func header(msg kafkago.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestEncodeDecodeCarriesPolicy(t *testing.T) {
	t.Parallel()

	job := queue.Job{ID: "j1", Name: "ingest-one", Payload: []byte(`{"a":1}`), Attempt: 2,
		Policy: queue.Policy{Attempts: 3, Backoff: 1500 * time.Millisecond}}
	got, err := decode(encode(job))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "j1" || got.Name != "ingest-one" || got.Attempt != 2 || string(got.Payload) != `{"a":1}` {
		t.Fatalf("decoded job = %+v", got)
	}
	if got.Policy != job.Policy {
		t.Fatalf("policy = %+v, want %+v", got.Policy, job.Policy)
	}

	if _, err := decode(kafkago.Message{Value: []byte("{}")}); err == nil {
		t.Fatal("expected error for message without job name")
	}
}

func TestAddBulkWritesOneBatch(t *testing.T) {
	t.Parallel()

	w := &stubWriter{}
	q := newQueue(w, &stubReader{}, "jobs", queue.Reporter{})
	jobs := []queue.Job{{ID: "a", Name: "ingest-one"}, {ID: "b", Name: "ingest-one"}}
	if err := q.AddBulk(context.Background(), jobs); err != nil {
		t.Fatalf("AddBulk: %v", err)
	}
	msgs := w.written()
	if len(msgs) != 2 {
		t.Fatalf("written = %d, want 2", len(msgs))
	}
	if header(msgs[0], HeaderAttempt) != "1" {
		t.Fatalf("attempt header = %q, want defaulted 1", header(msgs[0], HeaderAttempt))
	}

	w.err = errors.New("broker down")
	if err := q.Add(context.Background(), jobs[0]); err == nil {
		t.Fatal("expected write error")
	}
}

func TestRunDispatchesAndCommits(t *testing.T) {
	t.Parallel()

	ok := encode(queue.Job{ID: "1", Name: "work", Attempt: 1, Policy: queue.Policy{Attempts: 1}})
	unknown := encode(queue.Job{ID: "2", Name: "nobody", Attempt: 1})
	garbage := kafkago.Message{Value: []byte("x")}
	r := &stubReader{msgs: []kafkago.Message{ok, unknown, garbage}}
	q := newQueue(&stubWriter{}, r, "jobs", queue.Reporter{})

	var mu sync.Mutex
	var ran []string
	q.Register("work", func(_ context.Context, j queue.Job) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, j.ID)
		return nil
	}, 4)

	if err := q.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(ran) != 1 || ran[0] != "1" {
		t.Fatalf("ran = %v, want [1]", ran)
	}
	if r.committed() != 3 {
		t.Fatalf("commits = %d, want 3 (dropped messages are committed too)", r.committed())
	}
}

func TestRunRepublishesFailedTry(t *testing.T) {
	t.Parallel()

	w := &stubWriter{}
	job := queue.Job{ID: "1", Name: "flaky", Attempt: 1, Policy: queue.Policy{Attempts: 3, Backoff: time.Millisecond}}
	r := &stubReader{msgs: []kafkago.Message{encode(job)}}

	var failures int
	q := newQueue(w, r, "jobs", queue.Reporter{OnFailure: func(_ queue.Job, _ error, final bool) {
		if !final {
			failures++
		}
	}})
	q.Register("flaky", func(context.Context, queue.Job) error { return errors.New("later") }, 1)

	if err := q.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	msgs := w.written()
	if len(msgs) != 1 {
		t.Fatalf("republished = %d, want 1", len(msgs))
	}
	if got := header(msgs[0], HeaderAttempt); got != "2" {
		t.Fatalf("attempt header = %q, want 2", got)
	}
	if failures != 1 || r.committed() != 1 {
		t.Fatalf("failures=%d commits=%d, want 1/1", failures, r.committed())
	}
}

func TestRunPermanentFailureIsNotRepublished(t *testing.T) {
	t.Parallel()

	w := &stubWriter{}
	job := queue.Job{ID: "1", Name: "bad", Attempt: 1, Policy: queue.Policy{Attempts: 3}}
	r := &stubReader{msgs: []kafkago.Message{encode(job)}}
	q := newQueue(w, r, "jobs", queue.Reporter{})
	q.Register("bad", func(context.Context, queue.Job) error { return queue.Permanent(errors.New("invalid")) }, 1)

	if err := q.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(w.written()) != 0 {
		t.Fatalf("permanent failure was republished")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Topic: "t", GroupID: "g"}, queue.Reporter{}); err == nil {
		t.Fatal("expected broker error")
	}
	if _, err := New(Config{Brokers: []string{" "}, Topic: "t", GroupID: "g"}, queue.Reporter{}); err == nil {
		t.Fatal("expected broker error for blank broker")
	}
	if _, err := New(Config{Brokers: []string{"b:9092"}, GroupID: "g"}, queue.Reporter{}); err == nil {
		t.Fatal("expected topic error")
	}
	if _, err := New(Config{Brokers: []string{"b:9092"}, Topic: "t"}, queue.Reporter{}); err == nil {
		t.Fatal("expected group error")
	}
}

func TestCloseClosesConnections(t *testing.T) {
	t.Parallel()

	w, r := &stubWriter{}, &stubReader{}
	q := newQueue(w, r, "jobs", queue.Reporter{})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !w.closed || !r.closed {
		t.Fatalf("closed writer=%v reader=%v", w.closed, r.closed)
	}
}
