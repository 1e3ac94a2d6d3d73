package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrClosed is returned by operations on a closed mesh or node.
var ErrClosed = errors.New("swarm: closed")

// Mesh is an in-process replication network.
type Mesh struct {
	logger *slog.Logger
	queue  *eventQueue

	mu    sync.Mutex
	nodes map[string]*Node
	seq   int

	done chan struct{}
}

// NewMesh creates a mesh and starts its replication loop.
func NewMesh(logger *slog.Logger) *Mesh {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mesh{
		logger: logger,
		queue:  newEventQueue(),
		nodes:  make(map[string]*Node),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Node creates a new node on the mesh. name is used in peer infos; an empty
// name gets a generated one.
func (m *Mesh) Node(name string) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	if name == "" {
		name = fmt.Sprintf("node-%d", m.seq)
	}
	n := &Node{mesh: m, name: name, topics: make(map[string][]*membership)}
	m.nodes[name] = n
	return n
}

// Close stops the replication loop. Nodes must not be used afterwards.
func (m *Mesh) Close() {
	m.queue.Close()
	<-m.done
}

func (m *Mesh) run() {
	defer close(m.done)
	for {
		ev, ok := m.queue.TryDequeue()
		if ok {
			m.process(ev)
			continue
		}
		if _, open := <-m.queue.Wait(); !open && m.queue.Len() == 0 {
			return
		}
	}
}

func (m *Mesh) process(ev event) {
	if ev.barrier != nil {
		close(ev.barrier)
		return
	}
	if err := m.replicate(ev.topic); err != nil {
		m.logger.Debug("replication failed", "topic", ev.topic, "error", err)
	}
}

func (m *Mesh) schedule(topic string) {
	m.queue.Enqueue(event{topic: topic})
}

func (m *Mesh) barrier(ctx context.Context) error {
	b := make(chan struct{})
	if !m.queue.Enqueue(event{barrier: b}) {
		return ErrClosed
	}
	select {
	case <-b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type attached struct {
	node string
	ms   *membership
}

func (m *Mesh) members(topic string) []attached {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []attached
	for name, n := range m.nodes {
		n.mu.Lock()
		for _, ms := range n.topics[topic] {
			out = append(out, attached{node: name, ms: ms})
		}
		n.mu.Unlock()
	}
	return out
}

// replicate brings every client member of a topic up to the most advanced
// serving member. Members on one core share its entries, so the core is
// supplied as long as any one of its server members is serving. Runs on the
// mesh loop only.
func (m *Mesh) replicate(topic string) error {
	members := m.members(topic)
	if len(members) < 2 {
		return nil
	}

	var (
		best     *attached
		bestInfo = make(map[*membership]struct{ length, fork uint64 })
	)
	for i := range members {
		a := &members[i]
		info := a.ms.member.ReplicaInfo()
		bestInfo[a.ms] = struct{ length, fork uint64 }{info.Length, info.Fork}
		if !a.ms.opts.Server || !a.ms.member.Serving() {
			continue
		}
		if best == nil {
			best = a
			continue
		}
		cur := bestInfo[best.ms]
		if info.Fork > cur.fork || (info.Fork == cur.fork && info.Length > cur.length) {
			best = a
		}
	}

	// Adverts go out regardless of serving state so paused members learn
	// they are behind.
	for i := range members {
		a := &members[i]
		mine := bestInfo[a.ms]
		for j := range members {
			if i == j {
				continue
			}
			other := bestInfo[members[j].ms]
			ahead := other.fork > mine.fork || (other.fork == mine.fork && other.length > mine.length)
			if ahead && a.ms.opts.OnAdvert != nil {
				a.ms.opts.OnAdvert(PeerInfo{Node: members[j].node, Length: other.length, Fork: other.fork})
			}
		}
	}

	if best == nil {
		return nil
	}
	src := best.ms.member.ReplicaInfo()

	var errs []error
	for i := range members {
		a := &members[i]
		if a.ms == best.ms || !a.ms.opts.Client {
			continue
		}
		dst := a.ms.member.ReplicaInfo()
		start := dst.Length
		if dst.Fork != src.Fork {
			if dst.Fork > src.Fork {
				continue
			}
			start = 0
		} else if dst.Length >= src.Length {
			continue
		}
		raws, err := best.ms.member.Export(start, src.Length)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := a.ms.member.Absorb(src, start, raws); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
