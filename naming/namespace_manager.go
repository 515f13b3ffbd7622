package naming

import (
	sync "github.com/sasha-s/go-deadlock"
	log "github.com/sirupsen/logrus"

	"dfs"
)

// namespaceManager owns the directory tree.
//
// lock is the structural lock: creating, deleting and registering take it
// exclusively, every other operation takes it shared. Lock requests are
// routed through the tree while it is held shared, so the tree cannot change
// under a request that is being forwarded. Waiting for a grant happens with
// the lock released.
type namespaceManager struct {
	lock sync.RWMutex
	root *treeNode
}

func newNamespaceManager() *namespaceManager {
	return &namespaceManager{
		root: newTreeNode(directoryNode, ""),
	}
}

// resolve returns the node at p. Caller must hold nm.lock.
func (nm *namespaceManager) resolve(p dfs.Path) (*treeNode, error) {
	n := nm.root
	for _, name := range p.Components() {
		c, ok := n.child(name)
		if !ok {
			return nil, dfs.Errorf(dfs.NotFound, "%v does not exist", p)
		}
		n = c
	}
	return n, nil
}

// resolveParent returns the directory that should contain p and the name
// p has inside it. Caller must hold nm.lock.
func (nm *namespaceManager) resolveParent(p dfs.Path) (*treeNode, string, error) {
	dir, name, err := p.Split()
	if err != nil {
		return nil, "", err
	}
	parent, err := nm.resolve(dir)
	if err != nil {
		return nil, "", dfs.Errorf(dfs.NotFound, "parent directory %v does not exist", dir)
	}
	if !parent.isDir() {
		return nil, "", dfs.Errorf(dfs.NotFound, "%v is not a directory", dir)
	}
	return parent, name, nil
}

// withRLock resolves p with the structural lock held shared and calls f on
// the node. If p does not exist, it returns an error.
func (nm *namespaceManager) withRLock(p dfs.Path, f func(*treeNode) error) error {
	nm.lock.RLock()
	defer nm.lock.RUnlock()
	n, err := nm.resolve(p)
	if err != nil {
		return err
	}
	return f(n)
}

// rlocked calls f with the structural lock held shared.
func (nm *namespaceManager) rlocked(f func() error) error {
	nm.lock.RLock()
	defer nm.lock.RUnlock()
	return f()
}

// locked calls f with the structural lock held exclusively.
func (nm *namespaceManager) locked(f func() error) error {
	nm.lock.Lock()
	defer nm.lock.Unlock()
	return f()
}

// submit queues r at n and follows it down the tree for as long as it can
// move. Caller must hold nm.lock.
func (nm *namespaceManager) submit(n *treeNode, r *lockRequest) {
	here := n.path()
	nm.forward(n, here, n.enqueue(here, r))
}

// forward passes requests that n has escorted on to the next component of
// their path. A request whose next node no longer exists is failed.
func (nm *namespaceManager) forward(n *treeNode, here dfs.Path, reqs []*lockRequest) {
	for _, r := range reqs {
		name, err := here.NextComponentOf(r.path)
		if err != nil {
			log.Errorf("lock %v for %v reached unrelated node %v", r.id, r.path, here)
			nm.abort(r, err)
			continue
		}
		c, ok := n.child(name)
		if !ok {
			nm.abort(r, dfs.Errorf(dfs.NotFound, "%v was removed while %v was waiting", r.path, lockMode(r.exclusive)))
			continue
		}
		nm.submit(c, r)
	}
}

// abort fails r and drops the escorts it left behind.
func (nm *namespaceManager) abort(r *lockRequest, err error) {
	nm.releaseAlong(r.path, r.id)
	r.grant(err)
}

// releaseAlong drops the grant with the given id from every node on the
// way from the root to p, stopping at the first node that does not hold
// it. Grants along a request's way form an unbroken chain from the root.
// It returns how many nodes released a grant. Caller must hold nm.lock.
func (nm *namespaceManager) releaseAlong(p dfs.Path, id string) int {
	released := 0
	n := nm.root
	parts := p.Components()
	for i := 0; ; i++ {
		here := n.path()
		found, fwd := n.release(here, id)
		if !found {
			return released
		}
		released++
		nm.forward(n, here, fwd)
		if i == len(parts) {
			return released
		}
		c, ok := n.child(parts[i])
		if !ok {
			return released
		}
		n = c
	}
}

// unlock releases a client lock of the given exclusivity on n, first at n
// and then along the path from the root. Caller must hold nm.lock.
func (nm *namespaceManager) unlock(n *treeNode, exclusive bool) error {
	here := n.path()
	id, fwd, err := n.releaseClient(here, exclusive)
	if err != nil {
		return err
	}
	nm.forward(n, here, fwd)
	if released := nm.releaseAlong(here, id); released != here.Depth() {
		return dfs.Errorf(dfs.InvalidArgument, "lock on %v was held by %d of %d ancestors",
			here, released, here.Depth())
	}
	return nil
}

// release drops an internal lock from its whole chain.
func (nm *namespaceManager) release(r *lockRequest) error {
	return nm.rlocked(func() error {
		if released := nm.releaseAlong(r.path, r.id); released != r.path.Depth()+1 {
			return dfs.Errorf(dfs.InvalidArgument, "internal lock on %v was held by %d of %d nodes",
				r.path, released, r.path.Depth()+1)
		}
		return nil
	})
}

// createPath creates p as a file hosted by si, creating missing directories
// on the way. It returns false if p already exists or if one of its
// ancestors is a file. Caller must hold nm.lock exclusively.
func (nm *namespaceManager) createPath(p dfs.Path, si *storageInfo) bool {
	parts := p.Components()
	n := nm.root
	for _, name := range parts[:len(parts)-1] {
		c, ok := n.child(name)
		if !ok {
			c = newTreeNode(directoryNode, name)
			n.addChild(c)
		}
		if !c.isDir() {
			return false
		}
		n = c
	}
	name := parts[len(parts)-1]
	if _, ok := n.child(name); ok {
		return false
	}
	f := newTreeNode(fileNode, name)
	n.addChild(f)
	host(f, si)
	return true
}

// detach removes the subtree rooted at n. Requests still queued inside it
// fail with NotFound, and every grant held inside it is dropped from the
// ancestors that survive. Caller must hold nm.lock exclusively.
func (nm *namespaceManager) detach(n *treeNode) {
	p := n.path()
	n.parent.removeChild(n.name)

	orphans := make(map[string]*lockRequest)
	n.postOrder(func(c *treeNode) {
		granted, pending := c.drain()
		for _, r := range append(granted, pending...) {
			if o, ok := orphans[r.id]; !ok || o.isEscort() {
				orphans[r.id] = r
			}
		}
		for _, si := range c.replicas.GetAllAndClear() {
			si.files.Delete(c)
		}
	})
	for _, r := range orphans {
		nm.releaseAlong(r.path, r.id)
		r.grant(dfs.Errorf(dfs.NotFound, "%v was deleted", p))
	}
}
