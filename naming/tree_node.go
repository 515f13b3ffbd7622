package naming

import (
	"fmt"
	"sort"
	"strings"

	sync "github.com/sasha-s/go-deadlock"

	"dfs"
	"dfs/util"
)

type nodeType int

const (
	fileNode nodeType = iota
	directoryNode
)

func (t nodeType) String() string {
	if t == fileNode {
		return "file"
	}
	return "directory"
}

// treeNode is one file or directory of the global tree.
//
// name, parent and children are structural and only change while the
// namespace manager holds its lock exclusively. The lock queues and the read
// counter are guarded by the node's own mutex.
type treeNode struct {
	lock sync.Mutex

	kind     nodeType
	name     string
	parent   *treeNode // back-reference only, nil for the root
	children map[string]*treeNode

	// if it is a file
	replicas  util.ArraySet[*storageInfo] // hosts, the first one is the primary
	readCount int

	granted []*lockRequest
	pending []*lockRequest
}

func newTreeNode(kind nodeType, name string) *treeNode {
	n := &treeNode{kind: kind, name: name}
	if kind == directoryNode {
		n.children = make(map[string]*treeNode)
	}
	return n
}

func (n *treeNode) isDir() bool {
	return n.kind == directoryNode
}

// path rebuilds the absolute path of n from the parent chain.
func (n *treeNode) path() dfs.Path {
	var parts []string
	for cur := n; cur.parent != nil; cur = cur.parent {
		parts = append(parts, cur.name)
	}
	if len(parts) == 0 {
		return dfs.Root
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return dfs.Path(dfs.PathSeparator + strings.Join(parts, dfs.PathSeparator))
}

func (n *treeNode) child(name string) (*treeNode, bool) {
	c, ok := n.children[name]
	return c, ok
}

func (n *treeNode) addChild(c *treeNode) {
	c.parent = n
	n.children[c.name] = c
}

func (n *treeNode) removeChild(name string) {
	delete(n.children, name)
}

// childNames returns the sorted names of n's children.
func (n *treeNode) childNames() []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// postOrder visits every node of the subtree rooted at n, children first.
func (n *treeNode) postOrder(f func(*treeNode)) {
	for _, c := range n.children {
		c.postOrder(f)
	}
	f(n)
}

// countAccess records one access to a file and reports whether replica
// management is due: every threshold-th shared access, and every exclusive
// access.
func (n *treeNode) countAccess(exclusive bool, threshold int) bool {
	n.lock.Lock()
	defer n.lock.Unlock()
	if exclusive {
		return true
	}
	n.readCount++
	if n.readCount >= threshold {
		n.readCount %= threshold
		return true
	}
	return false
}

// enqueue appends r to the pending queue and runs the queue. here must be
// the path of n. It returns the requests that must continue to a child.
func (n *treeNode) enqueue(here dfs.Path, r *lockRequest) []*lockRequest {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.pending = append(n.pending, r)
	return n.process(here)
}

// process grants pending requests in FIFO order until one cannot proceed.
// Caller must hold n.lock.
//
// A request may proceed only if no exclusive grant is held here. If n is its
// target it is granted here, an exclusive one only when nothing else is
// granted. Otherwise n takes a shared escort grant on its behalf and the
// request moves on to the next component.
func (n *treeNode) process(here dfs.Path) (forward []*lockRequest) {
	for len(n.pending) > 0 {
		if len(n.granted) > 0 && n.granted[0].exclusive {
			break
		}
		r := n.pending[0]
		if r.path == here {
			if r.exclusive && len(n.granted) > 0 {
				break
			}
			n.pending = n.pending[1:]
			n.granted = append(n.granted, r)
			r.grant(nil)
			continue
		}
		n.pending = n.pending[1:]
		n.granted = append(n.granted, r.escort())
		forward = append(forward, r)
	}
	return forward
}

// release drops the grant with the given id and runs the queue again.
func (n *treeNode) release(here dfs.Path, id string) (found bool, forward []*lockRequest) {
	n.lock.Lock()
	defer n.lock.Unlock()
	for i, g := range n.granted {
		if g.id == id {
			n.granted = append(n.granted[:i], n.granted[i+1:]...)
			return true, n.process(here)
		}
	}
	return false, nil
}

// releaseClient finds a client grant of the given exclusivity targeting n
// itself and releases it. It returns the id of the released grant.
func (n *treeNode) releaseClient(here dfs.Path, exclusive bool) (id string, forward []*lockRequest, err error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	for i, g := range n.granted {
		if g.path == here && g.exclusive == exclusive && !g.internal && !g.isEscort() {
			n.granted = append(n.granted[:i], n.granted[i+1:]...)
			return g.id, n.process(here), nil
		}
	}
	return "", nil, dfs.Errorf(dfs.InvalidArgument, "no %v lock held on %v", lockMode(exclusive), here)
}

// drain empties both queues and returns what they held.
func (n *treeNode) drain() (granted, pending []*lockRequest) {
	n.lock.Lock()
	defer n.lock.Unlock()
	granted, pending = n.granted, n.pending
	n.granted, n.pending = nil, nil
	return granted, pending
}

// lockState summarizes the grants currently held at n.
func (n *treeNode) lockState() (shared, exclusive, waiting int) {
	n.lock.Lock()
	defer n.lock.Unlock()
	for _, g := range n.granted {
		if g.exclusive {
			exclusive++
		} else {
			shared++
		}
	}
	return shared, exclusive, len(n.pending)
}

func (n *treeNode) String() string {
	return fmt.Sprintf("%v %v", n.kind, n.path())
}

func lockMode(exclusive bool) string {
	if exclusive {
		return "exclusive"
	}
	return "shared"
}
