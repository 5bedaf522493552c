package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/ostdata-archive/internal/domain"
	"github.com/cuongbtq/ostdata-archive/internal/testutil"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockBuilder is a testify mock of JobBuilder
type MockBuilder struct {
	mock.Mock
}

func (m *MockBuilder) Build(ctx context.Context, jobID string) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

type settlement struct {
	ack     bool
	requeue bool
}

// fakeBroker feeds deliveries from a channel and records how each was settled
type fakeBroker struct {
	deliveries chan amqp.Delivery
	qosErr     error

	mu      sync.Mutex
	settled map[uint64]settlement
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		deliveries: make(chan amqp.Delivery, 16),
		settled:    make(map[uint64]settlement),
	}
}

func (b *fakeBroker) Qos(int) error { return b.qosErr }

func (b *fakeBroker) Consume(string) (<-chan amqp.Delivery, error) {
	return b.deliveries, nil
}

func (b *fakeBroker) Ack(tag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settled[tag] = settlement{ack: true}
	return nil
}

func (b *fakeBroker) Nack(tag uint64, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settled[tag] = settlement{requeue: requeue}
	return nil
}

func (b *fakeBroker) get(tag uint64) (settlement, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.settled[tag]
	return s, ok
}

func (b *fakeBroker) send(tag uint64, body string) {
	b.deliveries <- amqp.Delivery{DeliveryTag: tag, Body: []byte(body)}
}

func jobBody(id string) string {
	return fmt.Sprintf(`{"job_id":%q}`, id)
}

func TestWorker_SettlesDeliveries(t *testing.T) {
	ok := uuid.NewString()
	claimed := uuid.NewString()
	missing := uuid.NewString()
	flaky := uuid.NewString()
	broken := uuid.NewString()

	builder := &MockBuilder{}
	builder.On("Build", mock.Anything, ok).Return(nil)
	builder.On("Build", mock.Anything, claimed).Return(fmt.Errorf("start: %w", domain.ErrJobAlreadyClaimed))
	builder.On("Build", mock.Anything, missing).Return(domain.ErrJobNotFound)
	builder.On("Build", mock.Anything, flaky).Return(domain.NewRetryableError(errors.New("db down")))
	builder.On("Build", mock.Anything, broken).Return(errors.New("unexpected"))

	broker := newFakeBroker()
	w := NewWorker(&Config{
		Logger:      testutil.Logger(),
		Broker:      broker,
		Builder:     builder,
		WorkerID:    "worker-test",
		Concurrency: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	broker.send(1, jobBody(ok))
	broker.send(2, jobBody(claimed))
	broker.send(3, jobBody(missing))
	broker.send(4, jobBody(flaky))
	broker.send(5, jobBody(broken))
	broker.send(6, `{not json`)
	broker.send(7, jobBody("not-a-uuid"))

	want := map[uint64]settlement{
		1: {ack: true},
		2: {ack: true},
		3: {},
		4: {requeue: true},
		5: {},
		6: {},
		7: {},
	}

	require.Eventually(t, func() bool {
		for tag := range want {
			if _, ok := broker.get(tag); !ok {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	for tag, expected := range want {
		got, _ := broker.get(tag)
		assert.Equal(t, expected, got, "delivery %d", tag)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	builder.AssertNumberOfCalls(t, "Build", 5)
}

func TestWorker_DeliveryChannelClosed(t *testing.T) {
	broker := newFakeBroker()
	close(broker.deliveries)

	w := NewWorker(&Config{
		Logger:  testutil.Logger(),
		Broker:  broker,
		Builder: &MockBuilder{},
	})

	err := w.Start(context.Background())
	assert.ErrorIs(t, err, errDeliveriesClosed)
}

func TestWorker_QosFailure(t *testing.T) {
	broker := newFakeBroker()
	broker.qosErr = errors.New("channel closed")

	w := NewWorker(&Config{Logger: testutil.Logger(), Broker: broker, Builder: &MockBuilder{}})

	err := w.Start(context.Background())
	assert.Error(t, err)
}

func TestShouldRequeueJob(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"already claimed", domain.ErrJobAlreadyClaimed, false},
		{"not found", fmt.Errorf("load: %w", domain.ErrJobNotFound), false},
		{"invalid message", domain.ErrInvalidMessage, false},
		{"retryable", domain.NewRetryableError(errors.New("timeout")), true},
		{"wrapped retryable", fmt.Errorf("build: %w", domain.NewRetryableError(errors.New("timeout"))), true},
		{"unknown", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRequeueJob(tt.err))
		})
	}
}

func TestParseMessage(t *testing.T) {
	id := uuid.NewString()

	msg, err := parseMessage(amqp.Delivery{DeliveryTag: 9, Body: []byte(jobBody(id))})
	require.NoError(t, err)
	assert.Equal(t, &domain.JobMessage{JobID: id, DeliveryTag: 9}, msg)

	_, err = parseMessage(amqp.Delivery{Body: []byte(`{}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidMessage)
}
