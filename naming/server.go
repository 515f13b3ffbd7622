package naming

import (
	"errors"
	"net"
	"net/http"
	"net/rpc"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dfs"
	"dfs/storage"
)

// Server is the naming server. It maintains the directory tree, maps every
// file to the storage servers hosting it, and hands out hierarchical locks.
// The same methods are reachable over RPC as "Naming.RPC*".
type Server struct {
	address  dfs.ServerAddress
	config   dfs.NamingConfig
	l        net.Listener
	shutdown chan struct{}
	httpSrv  *http.Server

	nm      *namespaceManager
	sm      *storageManager
	rc      *replicator
	metrics *namingMetrics
}

// newServer builds a server without any network endpoint.
func newServer(config dfs.NamingConfig, dial CommandDialer) *Server {
	s := &Server{
		address:  config.Address,
		config:   config,
		shutdown: make(chan struct{}),
		nm:       newNamespaceManager(),
		sm:       newStorageManager(dial),
		metrics:  newNamingMetrics(),
	}
	s.rc = newReplicator(config.ReplicationWorkers, config.ReplicationQueue, s.nm, s.sm, s.metrics)
	return s
}

// DialCommand is the CommandDialer used by NewAndServe.
func DialCommand(addr dfs.ServerAddress) Command {
	return storage.NewCommandClient(addr)
}

// NewAndServe starts a naming server and returns the pointer to it.
func NewAndServe(config dfs.NamingConfig) *Server {
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid naming config: %v", err)
	}
	if err := dfs.SetLogLevel(config.LogLevel); err != nil {
		log.Warnf("Ignoring log level: %v", err)
	}
	s := newServer(config, DialCommand)

	rpcs := rpc.NewServer()
	if err := rpcs.RegisterName("Naming", s); err != nil {
		log.Fatalf("Register naming service: %v", err)
	}
	l, e := net.Listen("tcp", string(s.address))
	if e != nil {
		log.Fatal("listen error:", e)
	}
	s.l = l

	// RPC Handler
	go func() {
		for {
			conn, err := s.l.Accept()
			if err == nil {
				go func() {
					rpcs.ServeConn(conn)
					conn.Close()
				}()
				continue
			}
			select {
			case <-s.shutdown:
				return
			default:
				log.Errorf("Naming server accept error: %v", err)
			}
		}
	}()

	if config.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
		s.httpSrv = &http.Server{Addr: config.MetricsAddress, Handler: mux}
		go func() {
			if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Metrics endpoint: %v", err)
			}
		}()
	}

	log.Infof("Naming server is running now. addr = %v, replication threshold = %v",
		s.address, config.ReplicationThreshold)
	return s
}

// Shutdown shuts down the naming server. Clients blocked in Lock stay
// blocked until their connection goes away.
func (s *Server) Shutdown() {
	close(s.shutdown)
	if s.l != nil {
		if err := s.l.Close(); err != nil {
			log.Errorf("Failed to close listener: %v", err)
		}
	}
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	s.rc.stop()
}

func canonical(p dfs.Path) (dfs.Path, error) {
	return dfs.NewPath(string(p))
}

// Lock blocks until p is locked, shared or exclusive. Locking a file also
// counts an access to it and may schedule replication (every
// ReplicationThreshold shared locks) or invalidation (every exclusive lock).
func (s *Server) Lock(p dfs.Path, exclusive bool) (err error) {
	defer func() { s.metrics.operation("lock", err) }()
	if p, err = canonical(p); err != nil {
		return err
	}
	start := time.Now()
	req := newLockRequest(p, exclusive, false)
	var task *replicationTask
	err = s.nm.withRLock(p, func(n *treeNode) error {
		s.nm.submit(s.nm.root, req)
		if n.kind == fileNode && n.countAccess(exclusive, s.config.ReplicationThreshold) {
			task = &replicationTask{
				path:      p,
				node:      n,
				lock:      newLockRequest(p, exclusive, true),
				replicate: !exclusive,
			}
			s.nm.submit(s.nm.root, task.lock)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if task != nil {
		s.rc.schedule(task)
	}
	if err = req.wait(); err != nil {
		return err
	}
	s.metrics.lockWait(exclusive, start)
	return nil
}

// Unlock releases a lock on p previously taken with the same exclusivity.
func (s *Server) Unlock(p dfs.Path, exclusive bool) (err error) {
	defer func() { s.metrics.operation("unlock", err) }()
	if p, err = canonical(p); err != nil {
		return err
	}
	err = s.nm.withRLock(p, func(n *treeNode) error {
		return s.nm.unlock(n, exclusive)
	})
	if dfs.CodeOf(err) == dfs.NotFound {
		return dfs.Errorf(dfs.InvalidArgument, "no lock held on %v: %v", p, err)
	}
	return err
}

// IsDirectory reports whether p names a directory.
func (s *Server) IsDirectory(p dfs.Path) (isDir bool, err error) {
	defer func() { s.metrics.operation("isDirectory", err) }()
	if p, err = canonical(p); err != nil {
		return false, err
	}
	err = s.nm.withRLock(p, func(n *treeNode) error {
		isDir = n.isDir()
		return nil
	})
	return isDir, err
}

// List returns the names of the entries of directory p, sorted.
func (s *Server) List(p dfs.Path) (names []string, err error) {
	defer func() { s.metrics.operation("list", err) }()
	if p, err = canonical(p); err != nil {
		return nil, err
	}
	err = s.nm.withRLock(p, func(n *treeNode) error {
		if !n.isDir() {
			return dfs.Errorf(dfs.InvalidArgument, "%v is a file, not directory", p)
		}
		names = n.childNames()
		return nil
	})
	return names, err
}

// CreateFile creates an empty file at p on a randomly chosen storage
// server. It returns false if p already exists.
func (s *Server) CreateFile(p dfs.Path) (created bool, err error) {
	defer func() { s.metrics.operation("createFile", err) }()
	if p, err = creationPath(p); err != nil {
		return false, err
	}
	err = s.nm.locked(func() error {
		parent, name, err := s.nm.resolveParent(p)
		if err != nil {
			return err
		}
		if _, ok := parent.child(name); ok {
			return nil
		}
		si, err := s.sm.chooseServer()
		if err != nil {
			return err
		}
		ok, err := si.stub.Create(p)
		if err != nil || !ok {
			return err
		}
		n := newTreeNode(fileNode, name)
		parent.addChild(n)
		host(n, si)
		created = true
		return nil
	})
	if created {
		log.Infof("Created file %v", p)
	}
	return created, err
}

// CreateDirectory creates an empty directory at p. It returns false if p
// already exists.
func (s *Server) CreateDirectory(p dfs.Path) (created bool, err error) {
	defer func() { s.metrics.operation("createDirectory", err) }()
	if p, err = creationPath(p); err != nil {
		return false, err
	}
	err = s.nm.locked(func() error {
		parent, name, err := s.nm.resolveParent(p)
		if err != nil {
			return err
		}
		if _, ok := parent.child(name); ok {
			return nil
		}
		parent.addChild(newTreeNode(directoryNode, name))
		created = true
		return nil
	})
	return created, err
}

func creationPath(p dfs.Path) (dfs.Path, error) {
	p, err := canonical(p)
	if err != nil {
		return "", err
	}
	if p.IsRoot() {
		return "", dfs.Errorf(dfs.InvalidArgument, "the root directory cannot be created or deleted")
	}
	return p, nil
}

// Delete removes the file or directory at p. A file is deleted from its
// hosts, a directory from every storage server. The tree is only changed
// once all of those deletes succeeded.
func (s *Server) Delete(p dfs.Path) (deleted bool, err error) {
	defer func() { s.metrics.operation("delete", err) }()
	if p, err = creationPath(p); err != nil {
		return false, err
	}
	err = s.nm.locked(func() error {
		n, err := s.nm.resolve(p)
		if err != nil {
			return err
		}
		servers := n.replicas.GetAll()
		if n.isDir() {
			servers = s.sm.all()
		}
		if err := deleteFrom(servers, p); err != nil {
			return err
		}
		s.nm.detach(n)
		deleted = true
		return nil
	})
	if deleted {
		log.Infof("Deleted %v", p)
	}
	return deleted, err
}

// deleteFrom deletes p on every given server concurrently. A server that
// has nothing at p is fine; a failing call fails the whole delete.
func deleteFrom(servers []*storageInfo, p dfs.Path) error {
	var g errgroup.Group
	for _, si := range servers {
		si := si
		g.Go(func() error {
			_, err := si.stub.Delete(p)
			return err
		})
	}
	return g.Wait()
}

// GetStorage returns the data address of the primary host of file p.
func (s *Server) GetStorage(p dfs.Path) (addr dfs.ServerAddress, err error) {
	defer func() { s.metrics.operation("getStorage", err) }()
	if p, err = canonical(p); err != nil {
		return "", err
	}
	err = s.nm.withRLock(p, func(n *treeNode) error {
		if n.isDir() {
			return dfs.Errorf(dfs.NotFound, "%v is a directory", p)
		}
		si, ok := n.replicas.First()
		if !ok {
			return dfs.Errorf(dfs.NotFound, "%v has no replica", p)
		}
		addr = si.data
		return nil
	})
	return addr, err
}

// Register admits a storage server and adds the files it advertises to the
// tree. Files that already exist are returned; the storage server is
// expected to delete its copies of them.
func (s *Server) Register(data, command dfs.ServerAddress, files []dfs.Path) (duplicates []dfs.Path, err error) {
	defer func() { s.metrics.operation("register", err) }()
	if data == "" || command == "" {
		return nil, dfs.Errorf(dfs.InvalidArgument, "storage server must provide data and command addresses")
	}
	err = s.nm.locked(func() error {
		if s.sm.isRegistered(data, command) {
			return dfs.Errorf(dfs.InvalidArgument, "storage server %v/%v is already registered", data, command)
		}
		si := s.sm.add(data, command)
		for _, f := range files {
			p, err := canonical(f)
			if err != nil {
				log.Warnf("Storage server %v advertised malformed path %q", data, f)
				continue
			}
			if p.IsRoot() {
				continue
			}
			if !s.nm.createPath(p, si) {
				duplicates = append(duplicates, p)
			}
		}
		s.metrics.RegisteredStorage.Set(float64(s.sm.size()))
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Registered storage server %v (command %v) with %d files, %d duplicates",
		data, command, len(files), len(duplicates))
	return duplicates, nil
}

// RPCLock is called by client to lock a path. It blocks until granted.
func (s *Server) RPCLock(args dfs.LockArg, reply *dfs.LockReply) error {
	return s.Lock(args.Path, args.Exclusive)
}

// RPCUnlock is called by client to release a lock.
func (s *Server) RPCUnlock(args dfs.UnlockArg, reply *dfs.UnlockReply) error {
	return s.Unlock(args.Path, args.Exclusive)
}

func (s *Server) RPCIsDirectory(args dfs.IsDirectoryArg, reply *dfs.IsDirectoryReply) error {
	isDir, err := s.IsDirectory(args.Path)
	reply.IsDir = isDir
	return err
}

// RPCList is called by client to list all files under a directory
func (s *Server) RPCList(args dfs.ListArg, reply *dfs.ListReply) error {
	names, err := s.List(args.Path)
	reply.Names = names
	return err
}

// RPCCreateFile is called by client to create a new file
func (s *Server) RPCCreateFile(args dfs.CreateFileArg, reply *dfs.CreateFileReply) error {
	created, err := s.CreateFile(args.Path)
	reply.Created = created
	return err
}

// RPCCreateDirectory is called by client to make a new directory
func (s *Server) RPCCreateDirectory(args dfs.CreateDirectoryArg, reply *dfs.CreateDirectoryReply) error {
	created, err := s.CreateDirectory(args.Path)
	reply.Created = created
	return err
}

func (s *Server) RPCDelete(args dfs.DeleteArg, reply *dfs.DeleteReply) error {
	deleted, err := s.Delete(args.Path)
	reply.Deleted = deleted
	return err
}

// RPCGetStorage is called by client to find the storage server of a file.
func (s *Server) RPCGetStorage(args dfs.GetStorageArg, reply *dfs.GetStorageReply) error {
	addr, err := s.GetStorage(args.Path)
	reply.Address = addr
	return err
}

// RPCRegister is called by a starting storage server.
func (s *Server) RPCRegister(args dfs.RegisterArg, reply *dfs.RegisterReply) error {
	dups, err := s.Register(args.DataAddress, args.CommandAddress, args.Files)
	reply.Duplicates = dups
	return err
}
