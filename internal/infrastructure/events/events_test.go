package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/internal/domain/service/mocks"
	"github.com/turtacn/atlas/pkg/logger"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

// fakeReader hands out queued messages, then blocks until ctx is cancelled.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	closed    bool
	drained   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{queue: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	select {
	case <-r.drained:
	default:
		close(r.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func encode(t *testing.T, ev models.RevocationEvent) kafka.Message {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(ev.TokenID), Value: b}
}

func TestKafkaPublisher_RevocationKeyedByTokenAndStampedWithOrigin(t *testing.T) {
	rev, audit := &fakeWriter{}, &fakeWriter{}
	p := newKafkaPublisher(rev, audit, "eu-1", logger.NewNoopLogger())

	err := p.PublishRevocation(context.Background(), models.RevocationEvent{TokenID: "jti-1", UserID: 7})
	require.NoError(t, err)
	require.Len(t, rev.msgs, 1)
	assert.Equal(t, "jti-1", string(rev.msgs[0].Key))

	var got models.RevocationEvent
	require.NoError(t, json.Unmarshal(rev.msgs[0].Value, &got))
	assert.Equal(t, "eu-1", got.Origin)
	assert.Empty(t, audit.msgs)

	require.NoError(t, p.PublishAudit(context.Background(), models.AuditEvent{Type: models.AuditLogout, Username: "admin"}))
	assert.Len(t, audit.msgs, 1)

	require.NoError(t, p.Close())
	assert.True(t, rev.closed)
	assert.True(t, audit.closed)
}

func TestKafkaPublisher_WriteErrorIsReturned(t *testing.T) {
	rev := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaPublisher(rev, &fakeWriter{}, "eu-1", logger.NewNoopLogger())

	err := p.PublishRevocation(context.Background(), models.RevocationEvent{TokenID: "jti-1"})
	assert.Error(t, err)
}

func TestRevocationConsumer_AppliesRemoteEvents(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	remote := models.RevocationEvent{TokenID: "remote", UserID: 1, ExpiresAt: now.Add(time.Hour), Origin: "us-1"}
	local := models.RevocationEvent{TokenID: "local", UserID: 2, ExpiresAt: now.Add(time.Hour), Origin: "eu-1"}
	expired := models.RevocationEvent{TokenID: "expired", UserID: 3, ExpiresAt: now.Add(-time.Second), Origin: "us-1"}
	poison := kafka.Message{Value: []byte("{not json")}

	reader := newFakeReader(encode(t, remote), encode(t, local), encode(t, expired), poison)
	store := new(mocks.MockRevocationStore)
	store.On("AddToBlacklist", mock.Anything, "remote", int64(1), time.Hour).Return(nil).Once()

	c := newRevocationConsumer(reader, store, "eu-1", logger.NewNoopLogger())
	c.now = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-reader.drained
	cancel()
	require.NoError(t, <-done)

	store.AssertExpectations(t)
	assert.Len(t, reader.committed, 4)
	assert.True(t, reader.closed)
}

func TestRevocationConsumer_StoreFailureLeavesMessageUncommitted(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ev := models.RevocationEvent{TokenID: "jti", UserID: 1, ExpiresAt: now.Add(time.Minute), Origin: "us-1"}

	reader := newFakeReader(encode(t, ev))
	store := new(mocks.MockRevocationStore)
	store.On("AddToBlacklist", mock.Anything, "jti", int64(1), time.Minute).Return(errors.New("redis down"))

	c := newRevocationConsumer(reader, store, "eu-1", logger.NewNoopLogger())
	c.now = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-reader.drained
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, reader.committed)
}

func TestNoopPublisher(t *testing.T) {
	var p NoopPublisher
	assert.NoError(t, p.PublishRevocation(context.Background(), models.RevocationEvent{}))
	assert.NoError(t, p.PublishAudit(context.Background(), models.AuditEvent{}))
	assert.NoError(t, p.Close())
}
