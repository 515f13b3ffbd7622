package naming

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"dfs"
)

// replicationTask copies a hot file to one more storage server, or removes
// every copy of a written file except the primary. It runs under its own
// internal lock on the file.
type replicationTask struct {
	path      dfs.Path
	node      *treeNode
	lock      *lockRequest
	replicate bool // false: invalidate
}

func (t *replicationTask) kind() string {
	if t.replicate {
		return "replicate"
	}
	return "invalidate"
}

// replicator runs replication tasks on a fixed pool of workers fed by a
// bounded queue.
type replicator struct {
	tasks    chan *replicationTask
	shutdown chan struct{}
	wg       sync.WaitGroup

	nm      *namespaceManager
	sm      *storageManager
	metrics *namingMetrics
}

func newReplicator(workers, queue int, nm *namespaceManager, sm *storageManager, metrics *namingMetrics) *replicator {
	rc := &replicator{
		tasks:    make(chan *replicationTask, queue),
		shutdown: make(chan struct{}),
		nm:       nm,
		sm:       sm,
		metrics:  metrics,
	}
	rc.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go rc.worker()
	}
	return rc
}

// schedule hands t to the workers without blocking. When the queue is full
// the task is dropped: its internal lock is released as soon as it is
// granted.
func (rc *replicator) schedule(t *replicationTask) {
	select {
	case rc.tasks <- t:
		return
	default:
	}
	log.Warnf("Replication queue full, dropping %v of %v", t.kind(), t.path)
	rc.metrics.ReplicationDropped.Inc()
	go func() {
		if err := t.lock.wait(); err == nil {
			rc.releaseLock(t)
		}
	}()
}

// stop terminates the workers. Queued tasks are abandoned.
func (rc *replicator) stop() {
	close(rc.shutdown)
	rc.wg.Wait()
}

func (rc *replicator) worker() {
	defer rc.wg.Done()
	for {
		select {
		case <-rc.shutdown:
			return
		case t := <-rc.tasks:
			rc.run(t)
		}
	}
}

func (rc *replicator) run(t *replicationTask) {
	var err error
	select {
	case <-rc.shutdown:
		return
	case err = <-t.lock.done:
	}
	if err != nil {
		log.Warnf("%v of %v abandoned: %v", t.kind(), t.path, err)
		rc.metrics.ReplicationTasks.WithLabelValues(t.kind(), "abandoned").Inc()
		return
	}
	defer rc.releaseLock(t)

	if t.replicate {
		err = rc.replicateFile(t)
	} else {
		err = rc.invalidate(t)
	}
	switch {
	case err == nil:
		rc.metrics.ReplicationTasks.WithLabelValues(t.kind(), "ok").Inc()
		rc.metrics.ReplicasPerFileSeen.Observe(float64(t.node.replicas.Size()))
	case dfs.CodeOf(err) == dfs.NoStorage:
		log.Warnf("No storage server to replicate %v to: %v", t.path, err)
		rc.metrics.ReplicationTasks.WithLabelValues(t.kind(), "skipped").Inc()
	case dfs.CodeOf(err) == dfs.NotFound:
		log.Warnf("%v of %v abandoned: %v", t.kind(), t.path, err)
		rc.metrics.ReplicationTasks.WithLabelValues(t.kind(), "abandoned").Inc()
	default:
		log.Errorf("%v of %v failed: %v", t.kind(), t.path, err)
		rc.metrics.ReplicationTasks.WithLabelValues(t.kind(), "failed").Inc()
	}
}

func (rc *replicator) releaseLock(t *replicationTask) {
	if err := rc.nm.release(t.lock); err != nil {
		log.Warnf("Releasing internal lock of %v: %v", t.path, err)
	}
}

// replicateFile asks a server that does not host the file yet to copy it
// from the primary. If the file was deleted while the copy ran, the copy is
// removed again and the task fails with NotFound.
func (rc *replicator) replicateFile(t *replicationTask) error {
	from, to, err := rc.sm.chooseReplication(t.node)
	if err != nil {
		return err
	}
	log.Infof("Replicating %v from %v to %v", t.path, from, to)
	ok, err := to.stub.Copy(t.path, from.data)
	if err != nil {
		return err
	}
	if !ok {
		return dfs.Errorf(dfs.UnknownError, "%v refused to copy %v", to, t.path)
	}
	err = rc.nm.rlocked(func() error {
		if n, err := rc.nm.resolve(t.path); err != nil || n != t.node {
			return dfs.Errorf(dfs.NotFound, "%v was deleted while copying to %v", t.path, to)
		}
		host(t.node, to)
		return nil
	})
	if err != nil {
		if _, derr := to.stub.Delete(t.path); derr != nil {
			log.Warnf("Removing stale copy of %v from %v: %v", t.path, to, derr)
		}
	}
	return err
}

// invalidate deletes every copy of the file except the primary's.
func (rc *replicator) invalidate(t *replicationTask) error {
	hosts := t.node.replicas.GetAll()
	if len(hosts) == 0 {
		return dfs.Errorf(dfs.NotFound, "%v has no replica", t.path)
	}
	for _, si := range hosts[1:] {
		log.Infof("Invalidating %v on %v", t.path, si)
		if _, err := si.stub.Delete(t.path); err != nil {
			return err
		}
		unhost(t.node, si)
	}
	return nil
}
