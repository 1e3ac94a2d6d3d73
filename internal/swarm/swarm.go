// Package swarm connects drives that share a discovery key so they can
// replicate.
//
// Swarm is the interface the bundle layer consumes. Mesh is an in-process
// implementation: every Node (typically one per corestore) that joins a
// topic is connected to every other node on that topic, and the mesh loop
// copies missing entries from the most advanced serving member to client
// members. All replication work runs on the mesh's single goroutine, fed by
// a FIFO queue; Flush is a barrier on that queue.
package swarm

import (
	"context"

	"github.com/roach88/pear/internal/drive"
)

// Member is a replicating drive session. *drive.Drive satisfies it.
type Member interface {
	HexDiscoveryKey() string
	ReplicaInfo() drive.ReplicaInfo
	Export(from, to uint64) ([][]byte, error)
	Absorb(info drive.ReplicaInfo, start uint64, raws [][]byte) (bool, error)
	Serving() bool
	OnActivity(fn func(drive.Activity)) (remove func())
	AddUpdater(fn func(context.Context) error) (remove func())
}

var _ Member = (*drive.Drive)(nil)

// PeerInfo is what one member learns about another on the same topic.
type PeerInfo struct {
	Node   string `json:"node"`
	Length uint64 `json:"length"`
	Fork   uint64 `json:"fork"`
	// Announcer is the hex announce key of a seeding peer.
	Announcer string `json:"announcer,omitempty"`
}

// JoinOptions configures a topic membership.
type JoinOptions struct {
	// Server members supply entries to others.
	Server bool
	// Client members download entries from others.
	Client bool
	// AnnounceKey is the stable key a server announces the topic under.
	AnnounceKey []byte

	// OnAdvert is called when a peer advertises a version ahead of ours.
	OnAdvert func(PeerInfo)
	// OnConnection is called when a peer joins (true) or leaves (false).
	OnConnection func(peer string, joined bool)
}

// Swarm is the replication network as seen by one node.
type Swarm interface {
	// Join adds the member to its discovery-key topic. Other members on the
	// same topic keep their own memberships; joining again with the same
	// member replaces its options.
	Join(m Member, opts JoinOptions) error
	// Leave drops the member's own membership. The node leaves the topic
	// once its last member has left. Leaving twice is a no-op.
	Leave(m Member) error
	// Flush returns once all replication queued so far has run.
	Flush(ctx context.Context) error
	// Peers lists the other members of a topic.
	Peers(discoveryKey string) []PeerInfo
	// Close drops every membership.
	Close() error
}
