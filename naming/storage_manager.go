package naming

import (
	"dfs"
	"dfs/util"
)

// Command is the administrative surface of a storage server as seen from
// the naming server.
type Command interface {
	Create(p dfs.Path) (bool, error)
	Delete(p dfs.Path) (bool, error)
	Copy(p dfs.Path, source dfs.ServerAddress) (bool, error)
}

// CommandDialer returns the Command stub for a command plane address.
type CommandDialer func(addr dfs.ServerAddress) Command

// storageInfo is the naming server's record of one registered storage server.
type storageInfo struct {
	data    dfs.ServerAddress // handed to clients and used as copy source
	command dfs.ServerAddress
	stub    Command
	files   util.ArraySet[*treeNode] // files this server hosts
}

func (si *storageInfo) String() string {
	return string(si.data)
}

// storageManager manages registered storage servers. Registration happens
// with the namespace lock held exclusively; reads may come from anywhere.
type storageManager struct {
	servers util.ArraySet[*storageInfo]
	dial    CommandDialer
}

func newStorageManager(dial CommandDialer) *storageManager {
	return &storageManager{dial: dial}
}

// isRegistered reports whether either address already belongs to a
// registered server.
func (sm *storageManager) isRegistered(data, command dfs.ServerAddress) bool {
	for _, si := range sm.servers.GetAll() {
		if si.data == data || si.command == command {
			return true
		}
	}
	return false
}

func (sm *storageManager) add(data, command dfs.ServerAddress) *storageInfo {
	si := &storageInfo{
		data:    data,
		command: command,
		stub:    sm.dial(command),
	}
	sm.servers.Add(si)
	return si
}

// all returns a snapshot of the registered servers in registration order.
func (sm *storageManager) all() []*storageInfo {
	return sm.servers.GetAll()
}

func (sm *storageManager) size() int {
	return sm.servers.Size()
}

// chooseServer picks a random registered server to place a new file on.
func (sm *storageManager) chooseServer() (*storageInfo, error) {
	si, ok := sm.servers.RandomPick()
	if !ok {
		return nil, dfs.Errorf(dfs.NoStorage, "no storage server registered")
	}
	return si, nil
}

// chooseReplication returns the primary host of n and the least loaded
// registered server that does not host n yet.
func (sm *storageManager) chooseReplication(n *treeNode) (from, to *storageInfo, err error) {
	from, ok := n.replicas.First()
	if !ok {
		return nil, nil, dfs.Errorf(dfs.NotFound, "file has no replica")
	}
	for _, si := range sm.all() {
		if si == from || n.replicas.Contains(si) {
			continue
		}
		if to == nil || si.files.Size() < to.files.Size() {
			to = si
		}
	}
	if to == nil {
		return from, nil, dfs.Errorf(dfs.NoStorage, "every storage server already hosts the file")
	}
	return from, to, nil
}

// host records si as a host of n.
func host(n *treeNode, si *storageInfo) {
	n.replicas.Add(si)
	si.files.Add(n)
}

// unhost forgets that si hosts n.
func unhost(n *treeNode, si *storageInfo) {
	n.replicas.Delete(si)
	si.files.Delete(n)
}
