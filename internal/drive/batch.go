package drive

import (
	"context"
	"sync"
)

// Batch accumulates writes that are committed together as one mutation.
type Batch struct {
	d   *Drive
	mu  sync.Mutex
	ops []op
}

// Batch starts a write batch on a writable session.
func (d *Drive) Batch() *Batch {
	return &Batch{d: d}
}

// Put queues a write.
func (b *Batch) Put(_ context.Context, name string, value []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, op{op: opPut, name: name, value: append([]byte{}, value...)})
	return nil
}

// Del queues a delete.
func (b *Batch) Del(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, op{op: opDel, name: name})
	return nil
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

// Flush commits the queued operations. An empty flush is a no-op.
func (b *Batch) Flush(ctx context.Context) (Version, error) {
	b.mu.Lock()
	ops := b.ops
	b.ops = nil
	b.mu.Unlock()

	if len(ops) == 0 {
		return b.d.Version(), nil
	}
	return b.d.apply(ctx, ops)
}
