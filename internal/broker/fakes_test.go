package broker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
)

// recordingTimer fires immediately and remembers every requested delay.
type recordingTimer struct {
	mu        sync.Mutex
	durations []time.Duration
	c         chan time.Time
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{c: make(chan time.Time, 1)}
}

func (t *recordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.durations = append(t.durations, d)
	t.mu.Unlock()
	t.c <- time.Now()
}

func (t *recordingTimer) Stop()               {}
func (t *recordingTimer) C() <-chan time.Time { return t.c }

func (t *recordingTimer) Durations() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.durations...)
}

var _ backoff.Timer = (*recordingTimer)(nil)

type fakeConnection struct {
	mu         sync.Mutex
	declared   []string
	declareErr error
	producer   sarama.SyncProducer
	group      sarama.ConsumerGroup
	closed     bool
}

func (c *fakeConnection) DeclareQueue(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, name)
	return c.declareErr
}

func (c *fakeConnection) Producer() (sarama.SyncProducer, error) {
	return c.producer, nil
}

func (c *fakeConnection) ConsumerGroup(string) (sarama.ConsumerGroup, error) {
	return c.group, nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeConnector struct {
	conn *fakeConnection
	err  error
}

func (f *fakeConnector) Connect(context.Context) (Connection, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

// fakeSession records marks and commits. Methods the handler does not use
// come from the embedded nil interface.
type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx     context.Context
	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func claimOf(topic string, bodies ...string) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(bodies))
	for i, b := range bodies {
		ch <- &sarama.ConsumerMessage{Topic: topic, Offset: int64(i), Key: []byte("k"), Value: []byte(b)}
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

// fakeGroup is an in-memory consumer group. Each Consume call is one
// session: every partition is claimed from its committed offset, claims run
// concurrently, and an error returned by ConsumeClaim ends the session and
// is reported on Errors wrapped in a ConsumerError, as sarama does. Once
// every message is committed it calls onDrained and waits for ctx.
type fakeGroup struct {
	sarama.ConsumerGroup

	topic      string
	partitions map[int32][]string
	onDrained  func()
	consumeErr error

	mu        sync.Mutex
	committed map[int32]int64
	consumes  int
	closed    bool
	errs      chan error
}

func newFakeGroup(topic string, partitions map[int32][]string) *fakeGroup {
	return &fakeGroup{
		topic:      topic,
		partitions: partitions,
		committed:  make(map[int32]int64),
		errs:       make(chan error, 64),
	}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return sarama.ErrClosedConsumerGroup
	}
	g.consumes++
	if g.consumeErr != nil {
		g.mu.Unlock()
		return g.consumeErr
	}
	claims := make(map[int32]*fakeClaim)
	for partition, bodies := range g.partitions {
		next := g.committed[partition]
		if int(next) >= len(bodies) {
			continue
		}
		ch := make(chan *sarama.ConsumerMessage, len(bodies))
		for offset := next; int(offset) < len(bodies); offset++ {
			ch <- &sarama.ConsumerMessage{
				Topic:     g.topic,
				Partition: partition,
				Offset:    offset,
				Key:       []byte("k"),
				Value:     []byte(bodies[offset]),
			}
		}
		close(ch)
		claims[partition] = &fakeClaim{messages: ch}
	}
	g.mu.Unlock()

	if len(claims) == 0 {
		if g.onDrained != nil {
			g.onDrained()
		}
		<-ctx.Done()
		return nil
	}

	sessCtx, endSession := context.WithCancel(ctx)
	defer endSession()
	session := &fakeGroupSession{ctx: sessCtx, group: g, marks: make(map[int32]int64)}

	if err := handler.Setup(session); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for partition, claim := range claims {
		wg.Add(1)
		go func(partition int32, claim *fakeClaim) {
			defer wg.Done()
			if err := handler.ConsumeClaim(session, claim); err != nil {
				g.errs <- &sarama.ConsumerError{Topic: g.topic, Partition: partition, Err: err}
				endSession()
			}
		}(partition, claim)
	}
	wg.Wait()

	return handler.Cleanup(session)
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errors.New("already closed")
	}
	g.closed = true
	close(g.errs)
	return nil
}

func (g *fakeGroup) Committed() map[int32]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[int32]int64, len(g.committed))
	for p, o := range g.committed {
		out[p] = o
	}
	return out
}

func (g *fakeGroup) Consumes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consumes
}

// fakeGroupSession marks the next offset to read and moves marks to the
// group's committed offsets on Commit.
type fakeGroupSession struct {
	sarama.ConsumerGroupSession
	ctx   context.Context
	group *fakeGroup

	mu    sync.Mutex
	marks map[int32]int64
}

func (s *fakeGroupSession) Context() context.Context { return s.ctx }

func (s *fakeGroupSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[msg.Partition] = msg.Offset + 1
}

func (s *fakeGroupSession) Commit() {
	s.mu.Lock()
	marks := make(map[int32]int64, len(s.marks))
	for p, o := range s.marks {
		marks[p] = o
	}
	s.mu.Unlock()

	s.group.mu.Lock()
	defer s.group.mu.Unlock()
	for p, o := range marks {
		s.group.committed[p] = o
	}
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
