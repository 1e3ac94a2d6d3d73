package swarm

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pear/internal/drive"
)

type pair struct {
	writer *drive.Drive
	reader *drive.Drive
}

func newPair(t *testing.T) pair {
	t.Helper()
	open := func() *drive.Corestore {
		cs, err := drive.OpenCorestore(drive.InMemoryCorestoreConfig())
		require.NoError(t, err)
		t.Cleanup(func() { cs.Close() })
		return cs
	}
	w, err := open().OpenNamespace("app~dev", drive.OpenOptions{})
	require.NoError(t, err)
	r, err := open().Open(w.Key(), drive.OpenOptions{})
	require.NoError(t, err)
	t.Cleanup(func() {
		w.Close()
		r.Close()
	})
	return pair{writer: w, reader: r}
}

func TestMesh_ReplicatesToClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := newPair(t)
	mesh := NewMesh(nil)
	defer mesh.Close()

	a, b := mesh.Node("a"), mesh.Node("b")
	require.NoError(t, p.writer.Put(ctx, "/index.js", []byte("1")))
	require.NoError(t, a.Join(p.writer, JoinOptions{Server: true, Client: true}))
	require.NoError(t, b.Join(p.reader, JoinOptions{Client: true}))
	require.NoError(t, b.Flush(ctx))

	got, err := p.reader.Get(ctx, "/index.js")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))

	// Appends propagate without an explicit flush from the reader side.
	require.NoError(t, p.writer.Put(ctx, "/index.js", []byte("2")))
	require.NoError(t, a.Flush(ctx))
	got, err = p.reader.Get(ctx, "/index.js")
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))
}

func TestMesh_UpdatePullsThroughUpdater(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := newPair(t)
	mesh := NewMesh(nil)
	defer mesh.Close()

	require.NoError(t, p.writer.Put(ctx, "release", []byte("1")))
	require.NoError(t, mesh.Node("a").Join(p.writer, JoinOptions{Server: true}))
	require.NoError(t, mesh.Node("b").Join(p.reader, JoinOptions{Client: true}))

	require.NoError(t, p.reader.Update(ctx))
	assert.Equal(t, uint64(1), p.reader.Length())
}

func TestMesh_PausedServerDoesNotSupply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := newPair(t)
	mesh := NewMesh(nil)
	defer mesh.Close()

	require.NoError(t, p.writer.Put(ctx, "/a", []byte("1")))
	p.writer.Pause()

	var mu sync.Mutex
	var adverts []PeerInfo
	require.NoError(t, mesh.Node("a").Join(p.writer, JoinOptions{Server: true}))
	b := mesh.Node("b")
	require.NoError(t, b.Join(p.reader, JoinOptions{Client: true, OnAdvert: func(pi PeerInfo) {
		mu.Lock()
		defer mu.Unlock()
		adverts = append(adverts, pi)
	}}))
	require.NoError(t, b.Flush(ctx))

	assert.Equal(t, uint64(0), p.reader.Length())
	mu.Lock()
	require.NotEmpty(t, adverts, "paused peers still advertise")
	assert.Equal(t, PeerInfo{Node: "a", Length: 1}, adverts[0])
	mu.Unlock()

	p.writer.Resume()
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, uint64(1), p.reader.Length())
}

func TestMesh_ConnectionsAndPeers(t *testing.T) {
	p := newPair(t)
	mesh := NewMesh(nil)
	defer mesh.Close()

	var mu sync.Mutex
	events := map[string][]bool{}
	record := func(who string) func(string, bool) {
		return func(peer string, joined bool) {
			mu.Lock()
			defer mu.Unlock()
			events[who+"<-"+peer] = append(events[who+"<-"+peer], joined)
		}
	}

	a, b := mesh.Node("a"), mesh.Node("b")
	require.NoError(t, a.Join(p.writer, JoinOptions{Server: true, OnConnection: record("a")}))
	require.NoError(t, b.Join(p.reader, JoinOptions{Client: true, OnConnection: record("b")}))

	topic := p.writer.HexDiscoveryKey()
	assert.Equal(t, []PeerInfo{{Node: "b"}}, a.Peers(topic))

	require.NoError(t, b.Leave(p.reader))
	require.NoError(t, b.Leave(p.reader), "leave is idempotent")
	assert.Empty(t, a.Peers(topic))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, events["a<-b"])
	assert.Equal(t, []bool{true}, events["b<-a"])
}

func TestMesh_HigherForkReplacesHistory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := newPair(t)
	mesh := NewMesh(nil)
	defer mesh.Close()

	a, b := mesh.Node("a"), mesh.Node("b")
	require.NoError(t, p.writer.Put(ctx, "/a", []byte("1")))
	require.NoError(t, p.writer.Put(ctx, "/a", []byte("2")))
	require.NoError(t, a.Join(p.writer, JoinOptions{Server: true}))
	require.NoError(t, b.Join(p.reader, JoinOptions{Client: true}))
	require.NoError(t, b.Flush(ctx))
	require.Equal(t, uint64(2), p.reader.Length())

	require.NoError(t, p.writer.Truncate(ctx, 1))
	require.NoError(t, a.Flush(ctx))

	v := p.reader.Version()
	assert.Equal(t, uint64(1), v.Fork)
	assert.Equal(t, uint64(1), v.Length)
	got, err := p.reader.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
}

func TestNode_ClosedRejectsJoin(t *testing.T) {
	p := newPair(t)
	mesh := NewMesh(nil)
	defer mesh.Close()

	n := mesh.Node("")
	assert.NotEmpty(t, n.Name())
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Join(p.writer, JoinOptions{}), ErrClosed)
}

func TestNode_MembershipsShareTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := newPair(t)
	mesh := NewMesh(nil)
	defer mesh.Close()

	// A second session on the writer's core, as a run next to a seeder.
	run, err := p.writer.Checkout(0)
	require.NoError(t, err)
	defer run.Close()
	require.NoError(t, p.writer.Put(ctx, "/index.js", []byte("1")))

	var mu sync.Mutex
	var seen []bool
	a, b := mesh.Node("a"), mesh.Node("b")
	require.NoError(t, b.Join(p.reader, JoinOptions{Client: true, OnConnection: func(_ string, joined bool) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, joined)
	}}))
	require.NoError(t, a.Join(p.writer, JoinOptions{Server: true}))
	require.NoError(t, a.Join(run, JoinOptions{Client: true}))

	require.NoError(t, a.Leave(run))
	require.NoError(t, b.Flush(ctx))
	got, err := p.reader.Get(ctx, "/index.js")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
	assert.Equal(t, []PeerInfo{{Node: "a", Length: 1}}, b.Peers(p.writer.HexDiscoveryKey()))

	require.NoError(t, a.Leave(p.writer))
	assert.Empty(t, b.Peers(p.writer.HexDiscoveryKey()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, seen, "one connection per node, not per membership")
}

func TestMesh_PausedSessionDoesNotStopSiblings(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := newPair(t)
	mesh := NewMesh(nil)
	defer mesh.Close()

	require.NoError(t, p.writer.Put(ctx, "/a", []byte("1")))
	idle, err := p.writer.Checkout(p.writer.Length())
	require.NoError(t, err)
	defer idle.Close()
	idle.Pause()

	a := mesh.Node("a")
	require.NoError(t, a.Join(idle, JoinOptions{Server: true}))
	require.NoError(t, a.Join(p.writer, JoinOptions{Server: true}))
	b := mesh.Node("b")
	require.NoError(t, b.Join(p.reader, JoinOptions{Client: true}))
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, uint64(1), p.reader.Length())
}

func TestNode_PeersReportAnnouncer(t *testing.T) {
	p := newPair(t)
	mesh := NewMesh(nil)
	defer mesh.Close()

	announce := p.writer.AnnounceKey()
	a, b := mesh.Node("a"), mesh.Node("b")
	require.NoError(t, a.Join(p.writer, JoinOptions{Server: true, AnnounceKey: announce}))
	require.NoError(t, b.Join(p.reader, JoinOptions{Client: true}))

	peers := b.Peers(p.writer.HexDiscoveryKey())
	require.Len(t, peers, 1)
	assert.Equal(t, hex.EncodeToString(announce), peers[0].Announcer)
	assert.Empty(t, a.Peers(p.writer.HexDiscoveryKey())[0].Announcer)
}
