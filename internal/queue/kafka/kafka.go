// Package kafka implements queue.Queue on a Kafka topic.
//
// Every job is one message: the key is the job ID, the value its payload,
// and the name, attempt and retry policy travel in headers. Any process in
// the consumer group may run any job. A failed try is re-published with
// attempt+1 after the policy's backoff, so retries survive a restart once
// the new message is written.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"golang.org/x/sync/semaphore"

	"schemaflow/internal/queue"
)

// Header keys.
const (
	HeaderJobName     = "job_name"
	HeaderJobID       = "job_id"
	HeaderAttempt     = "attempt"
	HeaderMaxAttempts = "max_attempts"
	HeaderBackoff     = "backoff_ms"
)

// Config configures the topic and consumer group.
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type registration struct {
	handler queue.Handler
	sem     *semaphore.Weighted
}

// Queue is a Kafka-backed queue.Queue.
type Queue struct {
	queue.Reporter

	writer kafkaWriter
	reader kafkaReader
	topic  string

	mu       sync.RWMutex
	handlers map[string]registration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New connects a writer and a group reader for cfg.
func New(cfg Config, r queue.Reporter) (*Queue, error) {
	brokers := normalizeBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka queue requires at least one broker")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("kafka queue requires topic")
	}
	groupID := strings.TrimSpace(cfg.GroupID)
	if groupID == "" {
		return nil, fmt.Errorf("kafka queue requires group_id")
	}

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	readerCfg := kafkago.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10 * 1024 * 1024,
		MaxWait:  2 * time.Second,
	}
	if cfg.ClientID != "" {
		writer.Transport = &kafkago.Transport{ClientID: cfg.ClientID}
		readerCfg.Dialer = &kafkago.Dialer{ClientID: cfg.ClientID}
	}
	return newQueue(writer, kafkago.NewReader(readerCfg), topic, r), nil
}

func newQueue(w kafkaWriter, rd kafkaReader, topic string, r queue.Reporter) *Queue {
	return &Queue{
		Reporter: r,
		writer:   w,
		reader:   rd,
		topic:    topic,
		handlers: make(map[string]registration),
	}
}

func normalizeBrokers(brokers []string) []string {
	out := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Register implements queue.Queue.
func (q *Queue) Register(name string, h queue.Handler, concurrency int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = registration{handler: h, sem: semaphore.NewWeighted(int64(max(1, concurrency)))}
}

// Add implements queue.Queue.
func (q *Queue) Add(ctx context.Context, job queue.Job) error {
	return q.AddBulk(ctx, []queue.Job{job})
}

// AddBulk implements queue.Queue. The batch is written in one call.
func (q *Queue) AddBulk(ctx context.Context, jobs []queue.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, 0, len(jobs))
	for _, j := range jobs {
		if j.Attempt < 1 {
			j.Attempt = 1
		}
		msgs = append(msgs, encode(j))
	}
	if err := q.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("writing %d jobs to topic %q: %w", len(jobs), q.topic, err)
	}
	return nil
}

func encode(j queue.Job) kafkago.Message {
	return kafkago.Message{
		Key:   []byte(j.ID),
		Value: j.Payload,
		Headers: []kafkago.Header{
			{Key: HeaderJobName, Value: []byte(j.Name)},
			{Key: HeaderJobID, Value: []byte(j.ID)},
			{Key: HeaderAttempt, Value: []byte(strconv.Itoa(j.Attempt))},
			{Key: HeaderMaxAttempts, Value: []byte(strconv.Itoa(j.Policy.Attempts))},
			{Key: HeaderBackoff, Value: []byte(strconv.FormatInt(j.Policy.Backoff.Milliseconds(), 10))},
		},
	}
}

func decode(msg kafkago.Message) (queue.Job, error) {
	h := make(map[string]string, len(msg.Headers))
	for _, kv := range msg.Headers {
		h[kv.Key] = string(kv.Value)
	}
	j := queue.Job{ID: h[HeaderJobID], Name: h[HeaderJobName], Payload: msg.Value}
	if j.Name == "" {
		return j, fmt.Errorf("message at offset %d has no %s header", msg.Offset, HeaderJobName)
	}
	if j.ID == "" {
		j.ID = string(msg.Key)
	}
	var err error
	if j.Attempt, err = atoiDefault(h[HeaderAttempt], 1); err != nil {
		return j, fmt.Errorf("%s header: %w", HeaderAttempt, err)
	}
	if j.Policy.Attempts, err = atoiDefault(h[HeaderMaxAttempts], 1); err != nil {
		return j, fmt.Errorf("%s header: %w", HeaderMaxAttempts, err)
	}
	ms, err := atoiDefault(h[HeaderBackoff], 0)
	if err != nil {
		return j, fmt.Errorf("%s header: %w", HeaderBackoff, err)
	}
	j.Policy.Backoff = time.Duration(ms) * time.Millisecond
	return j, nil
}

func atoiDefault(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// Start implements queue.Queue. The consume loop runs until ctx ends or
// Close is called.
func (q *Queue) Start(ctx context.Context) error {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := q.run(ctx); err != nil && q.Logger != nil {
			q.Logger.Printf("stage=queue topic=%s err=%v", q.topic, err)
		}
	}()
	return nil
}

// run fetches messages and dispatches each under its job's semaphore. A
// message is committed once its try reached an outcome (and, for a retry,
// once the next attempt was re-published).
func (q *Queue) run(ctx context.Context) error {
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		msg, err := q.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || isReaderClosedErr(err) {
				return nil
			}
			return fmt.Errorf("fetching kafka message: %w", err)
		}

		job, err := decode(msg)
		if err != nil {
			q.logf("stage=queue offset=%d dropped=true err=%v", msg.Offset, err)
			q.commit(ctx, msg)
			continue
		}

		q.mu.RLock()
		reg, ok := q.handlers[job.Name]
		q.mu.RUnlock()
		if !ok {
			q.logf("stage=queue job=%s offset=%d dropped=true err=%v", job.Name, msg.Offset, queue.ErrUnknownJob)
			q.commit(ctx, msg)
			continue
		}

		if err := reg.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer reg.sem.Release(1)
			q.dispatch(ctx, reg.handler, job)
			q.commit(ctx, msg)
		}()
	}
}

func (q *Queue) dispatch(ctx context.Context, h queue.Handler, job queue.Job) {
	err := h(ctx, job)
	o := queue.Classify(job, err)
	q.Report(job, err, o)
	if o != queue.Retry {
		return
	}

	t := time.NewTimer(job.Policy.Delay(job.Attempt))
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return
	}
	job.Attempt++
	if err := q.Add(ctx, job); err != nil {
		q.logf("job=%s id=%s attempt=%d requeue_err=%v", job.Name, job.ID, job.Attempt, err)
	}
}

func (q *Queue) commit(ctx context.Context, msg kafkago.Message) {
	if err := q.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		q.logf("stage=queue offset=%d commit_err=%v", msg.Offset, err)
	}
}

func (q *Queue) logf(format string, v ...any) {
	if q.Logger != nil {
		q.Logger.Printf(format, v...)
	}
}

// Close stops consuming, waits for running jobs and closes the connections.
func (q *Queue) Close() error {
	var err error
	q.once.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
		q.wg.Wait()
		err = errors.Join(q.reader.Close(), q.writer.Close())
	})
	return err
}

func isReaderClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "reader closed") || strings.Contains(msg, "use of closed network connection")
}

var _ queue.Queue = (*Queue)(nil)
