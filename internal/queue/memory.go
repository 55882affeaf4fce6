package queue

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eb-copilot/internal/model"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = eris.New("queue: closed")

// Memory is an in-process queue for single-binary deployments and tests.
// Tasks pending at shutdown are lost.
type Memory struct {
	tasks       chan model.Task
	concurrency int

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewMemory returns a Memory queue with the given worker count and buffer
// size (default 1024).
func NewMemory(concurrency, buffer int) *Memory {
	if concurrency < 1 {
		concurrency = 1
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Memory{
		tasks:       make(chan model.Task, buffer),
		concurrency: concurrency,
		done:        make(chan struct{}),
	}
}

// Enqueue blocks while the buffer is full.
func (m *Memory) Enqueue(ctx context.Context, kind model.TaskKind, verificationID string) (model.Task, error) {
	task, err := NewTask(kind, verificationID)
	if err != nil {
		return model.Task{}, err
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return model.Task{}, ErrClosed
	}

	select {
	case m.tasks <- task:
		return task, nil
	case <-m.done:
		return model.Task{}, ErrClosed
	case <-ctx.Done():
		return model.Task{}, eris.Wrap(ctx.Err(), "queue: enqueue")
	}
}

func (m *Memory) Consume(ctx context.Context, h Handler) error {
	return runWorkers(ctx, m.concurrency, func(ctx context.Context, _ int) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-m.done:
				return nil
			case task := <-m.tasks:
				task.Attempts++
				_ = deliver(ctx, h, task)
			}
		}
	})
}

// Len returns the number of buffered tasks.
func (m *Memory) Len() int {
	return len(m.tasks)
}

// Close stops consumers and rejects further tasks.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
