package swarm

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/roach88/pear/internal/drive"
)

// Node is one participant of a Mesh. It implements Swarm.
//
// A node may hold several memberships on one topic, one per joined member.
// The node stays on the topic until the last of them leaves.
type Node struct {
	mesh *Mesh
	name string

	mu     sync.Mutex
	topics map[string][]*membership
	closed bool
}

var _ Swarm = (*Node)(nil)

type membership struct {
	member  Member
	opts    JoinOptions
	cleanup []func()
}

// Name returns the node name used in peer infos.
func (n *Node) Name() string { return n.name }

func (n *Node) Join(m Member, opts JoinOptions) error {
	topic := m.HexDiscoveryKey()
	ms := &membership{member: m, opts: opts}
	ms.cleanup = append(ms.cleanup,
		m.OnActivity(func(a drive.Activity) {
			if a.Kind == drive.ActivityAppend || a.Kind == drive.ActivityDownload {
				n.mesh.schedule(topic)
			}
		}),
		m.AddUpdater(func(ctx context.Context) error {
			n.mesh.schedule(topic)
			return n.mesh.barrier(ctx)
		}),
	)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		ms.release()
		return ErrClosed
	}
	list := n.topics[topic]
	first := len(list) == 0
	var prev *membership
	if i := indexOf(list, m); i >= 0 {
		prev = list[i]
		list[i] = ms
	} else {
		list = append(list, ms)
	}
	n.topics[topic] = list
	n.mu.Unlock()

	if prev != nil {
		prev.release()
	}
	if first {
		n.announce(topic, true)
	}
	n.greet(topic, ms)
	n.mesh.schedule(topic)
	return nil
}

func (n *Node) Leave(m Member) error {
	topic := m.HexDiscoveryKey()

	n.mu.Lock()
	list := n.topics[topic]
	i := indexOf(list, m)
	if i < 0 {
		n.mu.Unlock()
		return nil
	}
	ms := list[i]
	list = append(list[:i:i], list[i+1:]...)
	last := len(list) == 0
	if last {
		delete(n.topics, topic)
	} else {
		n.topics[topic] = list
	}
	n.mu.Unlock()

	ms.release()
	if last {
		n.announce(topic, false)
	}
	return nil
}

func (n *Node) Flush(ctx context.Context) error {
	n.mu.Lock()
	topics := make([]string, 0, len(n.topics))
	for t := range n.topics {
		topics = append(topics, t)
	}
	n.mu.Unlock()

	for _, t := range topics {
		n.mesh.schedule(t)
	}
	return n.mesh.barrier(ctx)
}

func (n *Node) Peers(discoveryKey string) []PeerInfo {
	byNode := make(map[string]PeerInfo)
	for _, a := range n.mesh.members(discoveryKey) {
		if a.node == n.name {
			continue
		}
		info := a.ms.member.ReplicaInfo()
		p := PeerInfo{Node: a.node, Length: info.Length, Fork: info.Fork}
		if k := a.ms.opts.AnnounceKey; len(k) > 0 {
			p.Announcer = hex.EncodeToString(k)
		}
		cur, ok := byNode[a.node]
		switch {
		case !ok || ahead(p, cur):
			if p.Announcer == "" {
				p.Announcer = cur.Announcer
			}
			byNode[a.node] = p
		case cur.Announcer == "" && p.Announcer != "":
			cur.Announcer = p.Announcer
			byNode[a.node] = cur
		}
	}
	peers := make([]PeerInfo, 0, len(byNode))
	for _, p := range byNode {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Node < peers[j].Node })
	if len(peers) == 0 {
		return nil
	}
	return peers
}

func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	var members []Member
	for _, list := range n.topics {
		for _, ms := range list {
			members = append(members, ms.member)
		}
	}
	n.mu.Unlock()

	for _, m := range members {
		n.Leave(m)
	}

	n.mesh.mu.Lock()
	delete(n.mesh.nodes, n.name)
	n.mesh.mu.Unlock()
	return nil
}

// announce tells every membership of the other nodes on a topic that this
// node came or went.
func (n *Node) announce(topic string, joined bool) {
	for _, a := range n.mesh.members(topic) {
		if a.node == n.name {
			continue
		}
		if fn := a.ms.opts.OnConnection; fn != nil {
			fn(n.name, joined)
		}
	}
}

// greet tells a new membership about the other nodes already on its topic.
func (n *Node) greet(topic string, ms *membership) {
	fn := ms.opts.OnConnection
	if fn == nil {
		return
	}
	seen := make(map[string]bool)
	for _, a := range n.mesh.members(topic) {
		if a.node == n.name || seen[a.node] {
			continue
		}
		seen[a.node] = true
		fn(a.node, true)
	}
}

func indexOf(list []*membership, m Member) int {
	for i, ms := range list {
		if ms.member == m {
			return i
		}
	}
	return -1
}

func ahead(a, b PeerInfo) bool {
	return a.Fork > b.Fork || (a.Fork == b.Fork && a.Length > b.Length)
}

func (ms *membership) release() {
	for _, fn := range ms.cleanup {
		fn()
	}
	ms.cleanup = nil
}
