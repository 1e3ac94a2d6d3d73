package bundle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/swarm"
)

type fakeSwarm struct {
	joins  atomic.Int32
	leaves atomic.Int32
	gate   chan struct{}

	mu   sync.Mutex
	opts swarm.JoinOptions
}

func (f *fakeSwarm) Join(_ swarm.Member, opts swarm.JoinOptions) error {
	if f.gate != nil {
		<-f.gate
	}
	f.joins.Add(1)
	f.mu.Lock()
	f.opts = opts
	f.mu.Unlock()
	return nil
}

func (f *fakeSwarm) Leave(swarm.Member) error {
	f.leaves.Add(1)
	return nil
}

func (f *fakeSwarm) Flush(context.Context) error { return nil }

func (f *fakeSwarm) Peers(string) []swarm.PeerInfo { return nil }

func (f *fakeSwarm) Close() error { return nil }

func (f *fakeSwarm) joinOptions() swarm.JoinOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts
}

func testDrive(t *testing.T) *drive.Drive {
	t.Helper()
	d, err := testCorestore(t).OpenNamespace("app~dev", drive.OpenOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestReplicator_ConcurrentJoinsShareOneJoin(t *testing.T) {
	ctx := context.Background()
	sw := &fakeSwarm{gate: make(chan struct{})}
	r := NewReplicator(testDrive(t), ReplicatorOptions{})
	defer r.Close()

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Join(ctx, sw, JoinOptions{Client: true}))
		}()
	}
	// Let the joins pile up on the in-flight one before it completes.
	time.Sleep(20 * time.Millisecond)
	close(sw.gate)
	wg.Wait()

	require.NoError(t, r.Join(ctx, sw, JoinOptions{Client: true}))
	assert.Equal(t, int32(1), sw.joins.Load())
	assert.True(t, r.Joined())
}

func TestReplicator_LeaveIsIdempotent(t *testing.T) {
	sw := &fakeSwarm{}
	r := NewReplicator(testDrive(t), ReplicatorOptions{})

	require.NoError(t, r.Leave(), "leave before join")
	require.NoError(t, r.Join(context.Background(), sw, JoinOptions{Client: true}))
	require.NoError(t, r.Leave())
	require.NoError(t, r.Leave())
	assert.Equal(t, int32(1), sw.leaves.Load())
	assert.False(t, r.Joined())
	require.NoError(t, r.Close())
}

func TestReplicator_AnnounceServesWritableDrives(t *testing.T) {
	sw := &fakeSwarm{}
	r := NewReplicator(testDrive(t), ReplicatorOptions{AnnounceSeeds: true})
	defer r.Close()

	require.NoError(t, r.Join(context.Background(), sw, JoinOptions{Client: true}))
	opts := sw.joinOptions()
	assert.True(t, opts.Server)
	assert.True(t, opts.Client)
	require.Len(t, opts.AnnounceKey, 32)
}

func TestReplicator_AnnounceKeyIsStable(t *testing.T) {
	ctx := context.Background()
	cs := testCorestore(t)
	announceKey := func() []byte {
		d, err := cs.OpenNamespace("app~dev", drive.OpenOptions{})
		require.NoError(t, err)
		defer d.Close()
		sw := &fakeSwarm{}
		r := NewReplicator(d, ReplicatorOptions{AnnounceSeeds: true})
		defer r.Close()
		require.NoError(t, r.Join(ctx, sw, JoinOptions{}))
		return sw.joinOptions().AnnounceKey
	}

	first := announceKey()
	assert.Equal(t, first, announceKey())

	d, err := cs.OpenNamespace("app~dev", drive.OpenOptions{})
	require.NoError(t, err)
	defer d.Close()
	assert.NotEqual(t, d.Key(), first, "announce key differs from the drive key")

	// Read-only sessions never announce.
	ro, err := cs.Open(d.Key(), drive.OpenOptions{})
	require.NoError(t, err)
	defer ro.Close()
	sw := &fakeSwarm{}
	r := NewReplicator(ro, ReplicatorOptions{AnnounceSeeds: true})
	defer r.Close()
	require.NoError(t, r.Join(ctx, sw, JoinOptions{Client: true}))
	assert.Empty(t, sw.joinOptions().AnnounceKey)
	assert.False(t, sw.joinOptions().Server)
}

func TestReplicator_PausesAfterLingerAndResumesOnActivity(t *testing.T) {
	ctx := context.Background()
	d := testDrive(t)
	sw := &fakeSwarm{}
	r := NewReplicator(d, ReplicatorOptions{Linger: 20 * time.Millisecond})
	defer r.Close()

	require.NoError(t, r.Join(ctx, sw, JoinOptions{Server: true}))
	assert.True(t, d.Serving())
	require.Eventually(t, func() bool { return !d.Serving() }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Put(ctx, "/a", []byte("1")))
	assert.True(t, d.Serving(), "append resumes serving")
	require.Eventually(t, func() bool { return !d.Serving() }, time.Second, 5*time.Millisecond)

	// A peer ahead of us always resumes.
	sw.joinOptions().OnAdvert(swarm.PeerInfo{Node: "peer", Length: 10})
	assert.True(t, d.Serving())
}

func TestReplicator_SeedingNeverPauses(t *testing.T) {
	d := testDrive(t)
	r := NewReplicator(d, ReplicatorOptions{Linger: 5 * time.Millisecond, Seeding: true})
	defer r.Close()

	require.NoError(t, r.Join(context.Background(), &fakeSwarm{}, JoinOptions{Server: true}))
	time.Sleep(30 * time.Millisecond)
	assert.True(t, d.Serving())
}
