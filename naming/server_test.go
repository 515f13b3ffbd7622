package naming

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"dfs"
)

// fakeCommand records the commands a storage server receives.
type fakeCommand struct {
	sync.Mutex
	created []dfs.Path
	deleted []dfs.Path
	copied  []dfs.Path
	sources []dfs.ServerAddress

	failDelete bool
	failCopy   bool
	copyHook   func() // runs after a successful copy, outside the lock
}

func (f *fakeCommand) Create(p dfs.Path) (bool, error) {
	f.Lock()
	defer f.Unlock()
	f.created = append(f.created, p)
	return true, nil
}

func (f *fakeCommand) Delete(p dfs.Path) (bool, error) {
	f.Lock()
	defer f.Unlock()
	if f.failDelete {
		return false, dfs.Errorf(dfs.RPCFailure, "storage server is down")
	}
	f.deleted = append(f.deleted, p)
	return true, nil
}

func (f *fakeCommand) Copy(p dfs.Path, source dfs.ServerAddress) (bool, error) {
	f.Lock()
	if f.failCopy {
		f.Unlock()
		return false, dfs.Errorf(dfs.RPCFailure, "storage server is down")
	}
	f.copied = append(f.copied, p)
	f.sources = append(f.sources, source)
	hook := f.copyHook
	f.Unlock()
	if hook != nil {
		hook()
	}
	return true, nil
}

func (f *fakeCommand) set(update func(f *fakeCommand)) {
	f.Lock()
	defer f.Unlock()
	update(f)
}

func (f *fakeCommand) copySources() []dfs.ServerAddress {
	f.Lock()
	defer f.Unlock()
	return append([]dfs.ServerAddress(nil), f.sources...)
}

func (f *fakeCommand) calls() (created, deleted, copied []dfs.Path) {
	f.Lock()
	defer f.Unlock()
	return append([]dfs.Path(nil), f.created...),
		append([]dfs.Path(nil), f.deleted...),
		append([]dfs.Path(nil), f.copied...)
}

const waitTimeout = 2 * time.Second

type ServerSuite struct {
	suite.Suite
	s     *Server
	fakes map[dfs.ServerAddress]*fakeCommand
	mu    sync.Mutex
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (ts *ServerSuite) dial(addr dfs.ServerAddress) Command {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	f, ok := ts.fakes[addr]
	if !ok {
		f = &fakeCommand{}
		ts.fakes[addr] = f
	}
	return f
}

func (ts *ServerSuite) fake(addr dfs.ServerAddress) *fakeCommand {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.fakes[addr]
}

func (ts *ServerSuite) SetupTest() {
	ts.fakes = make(map[dfs.ServerAddress]*fakeCommand)
	ts.s = newServer(dfs.DefaultNamingConfig(":0"), ts.dial)
}

func (ts *ServerSuite) TearDownTest() {
	ts.s.Shutdown()
}

// register registers storage server i, data address "d<i>" and command
// address "c<i>".
func (ts *ServerSuite) register(i string, files ...dfs.Path) []dfs.Path {
	dups, err := ts.s.Register(dfs.ServerAddress("d"+i), dfs.ServerAddress("c"+i), files)
	ts.Require().NoError(err)
	return dups
}

// lockAsync locks p in the background and reports the result on the
// returned channel.
func (ts *ServerSuite) lockAsync(p dfs.Path, exclusive bool) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- ts.s.Lock(p, exclusive)
	}()
	return ch
}

func (ts *ServerSuite) assertGranted(ch <-chan error, msg string) {
	select {
	case err := <-ch:
		ts.NoError(err, msg)
	case <-time.After(waitTimeout):
		ts.FailNow("lock was not granted: " + msg)
	}
}

func (ts *ServerSuite) assertBlocked(ch <-chan error, msg string) {
	select {
	case err := <-ch:
		ts.FailNow("lock should be blocked: "+msg, "got %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func (ts *ServerSuite) TestCreateAndList() {
	assert := ts.Assert()
	ts.register("1")

	ok, err := ts.s.CreateDirectory("/dir1")
	assert.NoError(err)
	assert.True(ok)
	ok, err = ts.s.CreateDirectory("/dir1")
	assert.NoError(err)
	assert.False(ok, "The same directory has been created twice.")

	ok, err = ts.s.CreateFile("/dir1/file3.txt")
	assert.NoError(err)
	assert.True(ok)
	ok, err = ts.s.CreateFile("/dir1/file3.txt")
	assert.NoError(err)
	assert.False(ok, "The same file has been created twice.")
	ok, err = ts.s.CreateFile("/dir1")
	assert.NoError(err)
	assert.False(ok)

	created, _, _ := ts.fake("c1").calls()
	assert.Equal([]dfs.Path{"/dir1/file3.txt"}, created)

	_, err = ts.s.CreateFile("/nope/file")
	assert.ErrorIs(err, dfs.ErrNotFound)
	_, err = ts.s.CreateDirectory("/dir1/file3.txt/sub")
	assert.ErrorIs(err, dfs.ErrNotFound)
	_, err = ts.s.CreateDirectory("/")
	assert.ErrorIs(err, dfs.ErrInvalidArgument)
	_, err = ts.s.CreateFile("no-slash")
	assert.ErrorIs(err, dfs.ErrInvalidArgument)

	names, err := ts.s.List("/")
	assert.NoError(err)
	assert.Equal([]string{"dir1"}, names)
	names, err = ts.s.List("/dir1")
	assert.NoError(err)
	assert.Equal([]string{"file3.txt"}, names)
	_, err = ts.s.List("/dir1/file3.txt")
	assert.ErrorIs(err, dfs.ErrInvalidArgument)
	_, err = ts.s.List("/missing")
	assert.ErrorIs(err, dfs.ErrNotFound)

	isDir, err := ts.s.IsDirectory("/dir1")
	assert.NoError(err)
	assert.True(isDir)
	isDir, err = ts.s.IsDirectory("/dir1/file3.txt")
	assert.NoError(err)
	assert.False(isDir)
	isDir, err = ts.s.IsDirectory("/")
	assert.NoError(err)
	assert.True(isDir)

	addr, err := ts.s.GetStorage("/dir1/file3.txt")
	assert.NoError(err)
	assert.Equal(dfs.ServerAddress("d1"), addr)
	_, err = ts.s.GetStorage("/dir1")
	assert.ErrorIs(err, dfs.ErrNotFound)

	assert.Equal(3.0, testutil.ToFloat64(ts.s.metrics.Operations.WithLabelValues("createFile", "success")))
	assert.Equal(1.0, testutil.ToFloat64(ts.s.metrics.Operations.WithLabelValues("createFile", "not found")))
}

func (ts *ServerSuite) TestCreateFileWithoutStorage() {
	_, err := ts.s.CreateFile("/a")
	ts.ErrorIs(err, dfs.ErrNoStorage)
	_, err = ts.s.IsDirectory("/a")
	ts.ErrorIs(err, dfs.ErrNotFound)
}

func (ts *ServerSuite) TestRegister() {
	assert := ts.Assert()
	dups := ts.register("1", "/docs/a.txt")
	assert.Empty(dups)

	isDir, err := ts.s.IsDirectory("/docs")
	assert.NoError(err)
	assert.True(isDir)
	isDir, err = ts.s.IsDirectory("/docs/a.txt")
	assert.NoError(err)
	assert.False(isDir)
	addr, err := ts.s.GetStorage("/docs/a.txt")
	assert.NoError(err)
	assert.Equal(dfs.ServerAddress("d1"), addr)

	dups = ts.register("2", "/docs/a.txt", "/docs/b.txt", "/docs/a.txt/x", "/docs", "/")
	assert.Equal([]dfs.Path{"/docs/a.txt", "/docs/a.txt/x", "/docs"}, dups)
	names, err := ts.s.List("/docs")
	assert.NoError(err)
	assert.Equal([]string{"a.txt", "b.txt"}, names)
	addr, err = ts.s.GetStorage("/docs/b.txt")
	assert.NoError(err)
	assert.Equal(dfs.ServerAddress("d2"), addr)

	_, err = ts.s.Register("d1", "c9", nil)
	assert.ErrorIs(err, dfs.ErrInvalidArgument)
	_, err = ts.s.Register("d9", "c2", nil)
	assert.ErrorIs(err, dfs.ErrInvalidArgument)
	_, err = ts.s.Register("", "c9", nil)
	assert.ErrorIs(err, dfs.ErrInvalidArgument)

	assert.Equal(2.0, testutil.ToFloat64(ts.s.metrics.RegisteredStorage))
}

func (ts *ServerSuite) TestDelete() {
	assert := ts.Assert()
	ts.register("1", "/d/x", "/d/sub/y", "/f")
	ts.register("2")

	ok, err := ts.s.Delete("/d")
	assert.NoError(err)
	assert.True(ok)
	_, deleted1, _ := ts.fake("c1").calls()
	_, deleted2, _ := ts.fake("c2").calls()
	assert.Equal([]dfs.Path{"/d"}, deleted1, "directory delete goes to every server")
	assert.Equal([]dfs.Path{"/d"}, deleted2)

	names, err := ts.s.List("/")
	assert.NoError(err)
	assert.Equal([]string{"f"}, names)
	_, err = ts.s.Delete("/d")
	assert.ErrorIs(err, dfs.ErrNotFound)
	_, err = ts.s.IsDirectory("/d/sub")
	assert.ErrorIs(err, dfs.ErrNotFound)

	ok, err = ts.s.Delete("/f")
	assert.NoError(err)
	assert.True(ok)
	_, deleted2, _ = ts.fake("c2").calls()
	assert.Equal([]dfs.Path{"/d"}, deleted2, "file delete only goes to its hosts")

	_, err = ts.s.Delete("/")
	assert.ErrorIs(err, dfs.ErrInvalidArgument)

	// the recreated name is independent of the deleted one
	ok, err = ts.s.CreateDirectory("/d")
	assert.NoError(err)
	assert.True(ok)
	names, err = ts.s.List("/d")
	assert.NoError(err)
	assert.Empty(names)
}

func (ts *ServerSuite) TestDeleteFailureKeepsTree() {
	assert := ts.Assert()
	ts.register("1", "/d/x")
	ts.register("2")
	ts.fake("c2").failDelete = true

	ok, err := ts.s.Delete("/d")
	assert.Equal(dfs.RPCFailure, dfs.CodeOf(err))
	assert.False(ok)
	names, err := ts.s.List("/d")
	assert.NoError(err)
	assert.Equal([]string{"x"}, names)
}

func (ts *ServerSuite) TestExclusiveLockExcludesOthers() {
	ts.register("1", "/a/f")

	ts.assertGranted(ts.lockAsync("/a/f", true), "first exclusive")
	shared := ts.lockAsync("/a/f", false)
	ts.assertBlocked(shared, "shared behind exclusive")
	exclusive := ts.lockAsync("/a/f", true)
	ts.assertBlocked(exclusive, "exclusive behind exclusive")

	ts.NoError(ts.s.Unlock("/a/f", true))
	ts.assertGranted(shared, "shared after unlock")
	ts.assertBlocked(exclusive, "exclusive behind shared")
	ts.NoError(ts.s.Unlock("/a/f", false))
	ts.assertGranted(exclusive, "exclusive after unlock")
	ts.NoError(ts.s.Unlock("/a/f", true))
}

func (ts *ServerSuite) TestSharedLocksCoexist() {
	ts.register("1", "/a/f")
	for i := 0; i < 5; i++ {
		ts.assertGranted(ts.lockAsync("/a/f", false), "shared")
	}
	for i := 0; i < 5; i++ {
		ts.NoError(ts.s.Unlock("/a/f", false))
	}
}

func (ts *ServerSuite) TestDisjointSubtreesDoNotBlock() {
	ts.register("1", "/a/x", "/b/y")
	ts.assertGranted(ts.lockAsync("/a/x", true), "/a/x")
	ts.assertGranted(ts.lockAsync("/b/y", true), "/b/y")
	ts.assertGranted(ts.lockAsync("/a", false), "ancestor shared alongside a descendant")
	ts.NoError(ts.s.Unlock("/a", false))
	ts.NoError(ts.s.Unlock("/a/x", true))
	ts.NoError(ts.s.Unlock("/b/y", true))
}

func (ts *ServerSuite) TestLockReleaseRelock() {
	ts.register("1", "/a/b/c")
	for i := 0; i < 3; i++ {
		ts.assertGranted(ts.lockAsync("/a/b/c", true), "relock")
		ts.NoError(ts.s.Unlock("/a/b/c", true))
	}
}

func (ts *ServerSuite) TestAncestorLocks() {
	ts.register("1", "/a/x")

	ts.assertGranted(ts.lockAsync("/a", true), "/a")
	below := ts.lockAsync("/a/x", false)
	ts.assertBlocked(below, "descendant of an exclusive directory")
	ts.NoError(ts.s.Unlock("/a", true))
	ts.assertGranted(below, "descendant after unlock")

	above := ts.lockAsync("/a", true)
	ts.assertBlocked(above, "exclusive ancestor of a held lock")
	root := ts.lockAsync("/", true)
	ts.assertBlocked(root, "exclusive root")
	ts.NoError(ts.s.Unlock("/a/x", false))
	ts.assertGranted(above, "ancestor after unlock")
	ts.assertBlocked(root, "exclusive root behind /a")
	ts.NoError(ts.s.Unlock("/a", true))
	ts.assertGranted(root, "root")

	other := ts.lockAsync("/a/x", false)
	ts.assertBlocked(other, "everything waits for the root")
	ts.NoError(ts.s.Unlock("/", true))
	ts.assertGranted(other, "after root unlock")
	ts.NoError(ts.s.Unlock("/a/x", false))
}

func (ts *ServerSuite) TestLockMissingPath() {
	ts.ErrorIs(ts.s.Lock("/missing", false), dfs.ErrNotFound)
	ts.ErrorIs(ts.s.Lock("bad", false), dfs.ErrInvalidArgument)
}

func (ts *ServerSuite) TestUnlockWithoutGrant() {
	ts.register("1", "/a/f")
	ts.ErrorIs(ts.s.Unlock("/a/f", false), dfs.ErrInvalidArgument)
	ts.ErrorIs(ts.s.Unlock("/missing", true), dfs.ErrInvalidArgument)

	ts.assertGranted(ts.lockAsync("/a/f", false), "shared")
	ts.ErrorIs(ts.s.Unlock("/a/f", true), dfs.ErrInvalidArgument)
	ts.ErrorIs(ts.s.Unlock("/a", false), dfs.ErrInvalidArgument, "an escort is not a client lock")
	ts.NoError(ts.s.Unlock("/a/f", false))
	ts.ErrorIs(ts.s.Unlock("/a/f", false), dfs.ErrInvalidArgument)
}

func (ts *ServerSuite) TestDeleteFailsQueuedLocks() {
	ts.register("1", "/d/f")
	ts.assertGranted(ts.lockAsync("/d/f", true), "holder")
	waiting := ts.lockAsync("/d/f", false)
	ts.assertBlocked(waiting, "waiter")

	ok, err := ts.s.Delete("/d")
	ts.NoError(err)
	ts.True(ok)
	select {
	case err := <-waiting:
		ts.ErrorIs(err, dfs.ErrNotFound)
	case <-time.After(waitTimeout):
		ts.FailNow("queued lock was not failed by delete")
	}

	ts.ErrorIs(ts.s.Unlock("/d/f", true), dfs.ErrInvalidArgument)
	ts.assertGranted(ts.lockAsync("/", true), "no grant survives on the root")
	ts.NoError(ts.s.Unlock("/", true))
}

func (ts *ServerSuite) TestDeleteFailsRequestsHeldAboveDeletedChild() {
	ts.register("1", "/d/f")
	ts.assertGranted(ts.lockAsync("/d", true), "holder")
	waiting := ts.lockAsync("/d/f", false)
	ts.assertBlocked(waiting, "waiter queued at /d")

	// deleting /d/f leaves the waiter queued at /d with nowhere to go
	ok, err := ts.s.Delete("/d/f")
	ts.NoError(err)
	ts.True(ok)
	ts.NoError(ts.s.Unlock("/d", true))
	select {
	case err := <-waiting:
		ts.ErrorIs(err, dfs.ErrNotFound)
	case <-time.After(waitTimeout):
		ts.FailNow("forwarded lock was not failed")
	}
	ts.assertGranted(ts.lockAsync("/d", true), "no escort left on /d")
	ts.NoError(ts.s.Unlock("/d", true))
}

func (ts *ServerSuite) replicationTasks(kind, result string) float64 {
	return testutil.ToFloat64(ts.s.metrics.ReplicationTasks.WithLabelValues(kind, result))
}

func (ts *ServerSuite) TestReplicationAndInvalidation() {
	assert := ts.Assert()
	ts.register("1", "/hot")
	ts.register("2")

	for i := 0; i < 25; i++ {
		ts.Require().NoError(ts.s.Lock("/hot", false))
		ts.Require().NoError(ts.s.Unlock("/hot", false))
	}
	assert.Eventually(func() bool {
		return ts.replicationTasks("replicate", "ok") == 1
	}, waitTimeout, 10*time.Millisecond)
	_, _, copied := ts.fake("c2").calls()
	assert.Equal([]dfs.Path{"/hot"}, copied)
	assert.Equal([]dfs.ServerAddress{"d1"}, ts.fake("c2").copySources())

	addr, err := ts.s.GetStorage("/hot")
	assert.NoError(err)
	assert.Equal(dfs.ServerAddress("d1"), addr, "primary stays first")

	ts.Require().NoError(ts.s.Lock("/hot", true))
	ts.Require().NoError(ts.s.Unlock("/hot", true))
	assert.Eventually(func() bool {
		return ts.replicationTasks("invalidate", "ok") == 1
	}, waitTimeout, 10*time.Millisecond)
	_, deleted, _ := ts.fake("c2").calls()
	assert.Equal([]dfs.Path{"/hot"}, deleted)
	_, deleted, _ = ts.fake("c1").calls()
	assert.Empty(deleted, "the primary copy is kept")
	assert.Equal(0.0, ts.replicationTasks("replicate", "failed"))

	// the internal locks are gone once the tasks finished
	ts.assertGranted(ts.lockAsync("/hot", true), "after replication")
	ts.NoError(ts.s.Unlock("/hot", true))
}

func (ts *ServerSuite) TestReplicationWithoutDestinationIsSkipped() {
	ts.register("1", "/hot")
	for i := 0; i < dfs.DefaultReplicationThreshold; i++ {
		ts.Require().NoError(ts.s.Lock("/hot", false))
		ts.Require().NoError(ts.s.Unlock("/hot", false))
	}
	ts.Eventually(func() bool {
		return ts.replicationTasks("replicate", "skipped") == 1
	}, waitTimeout, 10*time.Millisecond)
}

// heat takes and releases enough shared locks on p to trigger one
// replication.
func (ts *ServerSuite) heat(p dfs.Path) {
	for i := 0; i < dfs.DefaultReplicationThreshold; i++ {
		ts.Require().NoError(ts.s.Lock(p, false))
		ts.Require().NoError(ts.s.Unlock(p, false))
	}
}

func (ts *ServerSuite) replicaCount(p dfs.Path) int {
	var count int
	ts.Require().NoError(ts.s.nm.withRLock(p, func(n *treeNode) error {
		count = n.replicas.Size()
		return nil
	}))
	return count
}

func (ts *ServerSuite) TestFailedReplicationKeepsOneCopy() {
	assert := ts.Assert()
	ts.register("1", "/hot")
	ts.register("2")
	ts.fake("c2").set(func(f *fakeCommand) { f.failCopy = true })

	ts.heat("/hot")
	assert.Eventually(func() bool {
		return ts.replicationTasks("replicate", "failed") == 1
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(0.0, ts.replicationTasks("replicate", "ok"))
	assert.Equal(1, ts.replicaCount("/hot"))
	addr, err := ts.s.GetStorage("/hot")
	assert.NoError(err)
	assert.Equal(dfs.ServerAddress("d1"), addr)

	// the failed task gave its internal lock back
	ts.assertGranted(ts.lockAsync("/hot", true), "after failed replication")
	ts.NoError(ts.s.Unlock("/hot", true))
}

func (ts *ServerSuite) TestFailedInvalidationKeepsReplicas() {
	assert := ts.Assert()
	ts.register("1", "/hot")
	ts.register("2")

	ts.heat("/hot")
	assert.Eventually(func() bool {
		return ts.replicationTasks("replicate", "ok") == 1
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(2, ts.replicaCount("/hot"))

	ts.fake("c2").set(func(f *fakeCommand) { f.failDelete = true })
	ts.Require().NoError(ts.s.Lock("/hot", true))
	ts.Require().NoError(ts.s.Unlock("/hot", true))
	assert.Eventually(func() bool {
		return ts.replicationTasks("invalidate", "failed") == 1
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(0.0, ts.replicationTasks("invalidate", "ok"))
	assert.Equal(2, ts.replicaCount("/hot"), "a copy that could not be deleted stays known")

	ts.assertGranted(ts.lockAsync("/hot", true), "after failed invalidation")
	ts.NoError(ts.s.Unlock("/hot", true))
}

func (ts *ServerSuite) TestDeleteDuringCopyRemovesTheCopy() {
	assert := ts.Assert()
	ts.register("1", "/hot")
	ts.register("2")
	ts.fake("c2").set(func(f *fakeCommand) {
		f.copyHook = func() {
			ok, err := ts.s.Delete("/hot")
			ts.NoError(err)
			ts.True(ok)
		}
	})

	ts.heat("/hot")
	assert.Eventually(func() bool {
		return ts.replicationTasks("replicate", "abandoned") == 1
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(0.0, ts.replicationTasks("replicate", "ok"))

	_, deleted, copied := ts.fake("c2").calls()
	assert.Equal([]dfs.Path{"/hot"}, copied)
	assert.Equal([]dfs.Path{"/hot"}, deleted, "the late copy is deleted again")
	for _, si := range ts.s.sm.all() {
		assert.Zero(si.files.Size(), "%v still hosts a deleted file", si)
	}
	_, err := ts.s.GetStorage("/hot")
	assert.ErrorIs(err, dfs.ErrNotFound)
}

func (ts *ServerSuite) TestLockStress() {
	ts.register("1", "/a/x", "/a/y", "/b/z")
	paths := []dfs.Path{"/", "/a", "/a/x", "/a/y", "/b", "/b/z"}

	var mu sync.Mutex
	holders := make(map[dfs.Path][2]int) // shared, exclusive
	check := func(p dfs.Path, exclusive bool, delta int) {
		mu.Lock()
		defer mu.Unlock()
		h := holders[p]
		if exclusive {
			h[1] += delta
		} else {
			h[0] += delta
		}
		holders[p] = h
		ts.False(h[1] > 1 || (h[1] == 1 && h[0] > 0), "%v held %v shared and %v exclusive", p, h[0], h[1])
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				p := paths[rnd.Intn(len(paths))]
				exclusive := rnd.Intn(3) == 0
				if err := ts.s.Lock(p, exclusive); err != nil {
					ts.Fail("lock", "%v: %v", p, err)
					return
				}
				check(p, exclusive, 1)
				time.Sleep(time.Duration(rnd.Intn(200)) * time.Microsecond)
				check(p, exclusive, -1)
				if err := ts.s.Unlock(p, exclusive); err != nil {
					ts.Fail("unlock", "%v: %v", p, err)
					return
				}
			}
		}(int64(g))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		ts.FailNow("lock stress did not finish")
	}
}

func TestReplicatorDropsWhenFull(t *testing.T) {
	nm := newNamespaceManager()
	sm := newStorageManager(func(dfs.ServerAddress) Command { return &fakeCommand{} })
	metrics := newNamingMetrics()
	si := sm.add("d1", "c1")
	require.True(t, nm.createPath("/f", si))
	n, err := nm.resolve("/f")
	require.NoError(t, err)

	// no workers and no room in the queue
	rc := newReplicator(0, 0, nm, sm, metrics)
	defer rc.stop()

	lock := newLockRequest("/f", false, true)
	require.NoError(t, nm.rlocked(func() error {
		nm.submit(nm.root, lock)
		return nil
	}))
	rc.schedule(&replicationTask{path: "/f", node: n, lock: lock, replicate: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReplicationDropped))
	assert.Eventually(t, func() bool {
		shared, exclusive, waiting := n.lockState()
		return shared+exclusive+waiting == 0
	}, waitTimeout, 10*time.Millisecond, "dropped task releases its lock")
	shared, _, _ := nm.root.lockState()
	assert.Zero(t, shared)
}

func TestChooseReplicationPrefersLeastLoaded(t *testing.T) {
	nm := newNamespaceManager()
	sm := newStorageManager(func(dfs.ServerAddress) Command { return &fakeCommand{} })
	s1, s2, s3 := sm.add("d1", "c1"), sm.add("d2", "c2"), sm.add("d3", "c3")
	require.True(t, nm.createPath("/f", s1))
	require.True(t, nm.createPath("/busy1", s2))
	require.True(t, nm.createPath("/busy2", s2))
	require.True(t, nm.createPath("/light", s3))
	n, err := nm.resolve("/f")
	require.NoError(t, err)

	from, to, err := sm.chooseReplication(n)
	require.NoError(t, err)
	assert.Equal(t, s1, from)
	assert.Equal(t, s3, to)

	host(n, s3)
	_, to, err = sm.chooseReplication(n)
	require.NoError(t, err)
	assert.Equal(t, s2, to)

	host(n, s2)
	_, _, err = sm.chooseReplication(n)
	assert.ErrorIs(t, err, dfs.ErrNoStorage)
}
