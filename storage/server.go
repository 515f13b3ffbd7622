package storage

import (
	"net"
	"net/rpc"
	"sync"

	log "github.com/sirupsen/logrus"

	"dfs"
	"dfs/util"
)

// Server is an in-memory storage server. It serves the data plane
// ("Storage.RPC*": size, read, write) and the command plane
// ("Command.RPC*": create, delete, copy) on two separate addresses.
type Server struct {
	dataAddress    dfs.ServerAddress
	commandAddress dfs.ServerAddress
	naming         dfs.ServerAddress
	dl, cl         net.Listener
	shutdown       chan struct{}

	files    map[dfs.Path][]byte
	fileLock sync.RWMutex
}

// dataPlane and commandPlane split the RPC surface of Server by role.
type dataPlane struct{ s *Server }
type commandPlane struct{ s *Server }

func newServer(config dfs.StorageConfig, files map[dfs.Path][]byte) *Server {
	s := &Server{
		dataAddress:    config.DataAddress,
		commandAddress: config.CommandAddress,
		naming:         config.NamingAddress,
		shutdown:       make(chan struct{}),
		files:          make(map[dfs.Path][]byte),
	}
	for p, data := range files {
		cp, err := dfs.NewPath(string(p))
		if err != nil || cp.IsRoot() {
			log.Warnf("Skipping malformed initial file %q", p)
			continue
		}
		s.files[cp] = append([]byte(nil), data...)
	}
	return s
}

// NewAndServe starts a storage server holding the given initial files,
// registers it with the naming server and returns the pointer to it.
// Files the naming server reports as duplicates are deleted locally.
func NewAndServe(config dfs.StorageConfig, files map[dfs.Path][]byte) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := newServer(config, files)

	data := rpc.NewServer()
	if err := data.RegisterName("Storage", &dataPlane{s}); err != nil {
		return nil, err
	}
	command := rpc.NewServer()
	if err := command.RegisterName("Command", &commandPlane{s}); err != nil {
		return nil, err
	}

	var err error
	if s.dl, err = net.Listen("tcp", string(s.dataAddress)); err != nil {
		return nil, err
	}
	if s.cl, err = net.Listen("tcp", string(s.commandAddress)); err != nil {
		s.dl.Close()
		return nil, err
	}
	go s.serve(s.dl, data)
	go s.serve(s.cl, command)

	if err := s.register(); err != nil {
		s.Shutdown()
		return nil, err
	}
	log.Infof("Storage server is now running. data = %v, command = %v, naming = %v",
		s.dataAddress, s.commandAddress, s.naming)
	return s, nil
}

// RPC Handler
func (s *Server) serve(l net.Listener, rpcs *rpc.Server) {
	for {
		conn, err := l.Accept()
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
			log.Errorf("Storage server %v accept error: %v", s.dataAddress, err)
			return
		}
	}
}

// register advertises every local file to the naming server and purges the
// ones it already knows from elsewhere.
func (s *Server) register() error {
	args := dfs.RegisterArg{
		DataAddress:    s.dataAddress,
		CommandAddress: s.commandAddress,
		Files:          s.Files(),
	}
	var reply dfs.RegisterReply
	if err := util.Call(s.naming, "Naming.RPCRegister", args, &reply); err != nil {
		return err
	}
	for _, p := range reply.Duplicates {
		s.remove(p)
	}
	if len(reply.Duplicates) > 0 {
		log.Infof("Storage server %v dropped %d duplicate files", s.dataAddress, len(reply.Duplicates))
	}
	return nil
}

// Shutdown shuts the storage server down
func (s *Server) Shutdown() {
	select {
	case <-s.shutdown:
		return
	default:
	}
	log.Warnf("Storage server %v shuts down", s.dataAddress)
	close(s.shutdown)
	if s.dl != nil {
		s.dl.Close()
	}
	if s.cl != nil {
		s.cl.Close()
	}
}

func (s *Server) DataAddress() dfs.ServerAddress {
	return s.dataAddress
}

func (s *Server) CommandAddress() dfs.ServerAddress {
	return s.commandAddress
}

// Files returns the paths of all locally stored files, sorted.
func (s *Server) Files() []dfs.Path {
	s.fileLock.RLock()
	defer s.fileLock.RUnlock()
	ps := make([]dfs.Path, 0, len(s.files))
	for p := range s.files {
		ps = append(ps, p)
	}
	dfs.SortPaths(ps)
	return ps
}

// Has reports whether the file p is stored here.
func (s *Server) Has(p dfs.Path) bool {
	s.fileLock.RLock()
	defer s.fileLock.RUnlock()
	_, ok := s.files[p]
	return ok
}

// under returns the files at or below p, sorted. Caller must hold fileLock.
func (s *Server) under(p dfs.Path) []dfs.Path {
	var ps []dfs.Path
	for f := range s.files {
		if f.IsSubpath(p) {
			ps = append(ps, f)
		}
	}
	dfs.SortPaths(ps)
	return ps
}

// isDir reports whether p is a directory, i.e. a strict prefix of some
// stored file. Caller must hold fileLock.
func (s *Server) isDir(p dfs.Path) bool {
	for f := range s.files {
		if f != p && f.IsSubpath(p) {
			return true
		}
	}
	return false
}

// blocked reports whether a stored file sits on the way to p, so that p
// cannot be created. Caller must hold fileLock.
func (s *Server) blocked(p dfs.Path) bool {
	for dir, err := p.Parent(); err == nil && !dir.IsRoot(); dir, err = dir.Parent() {
		if _, ok := s.files[dir]; ok {
			return true
		}
	}
	return false
}

func (s *Server) remove(p dfs.Path) bool {
	s.fileLock.Lock()
	defer s.fileLock.Unlock()
	ps := s.under(p)
	for _, f := range ps {
		delete(s.files, f)
	}
	return len(ps) > 0
}

func (s *Server) file(p dfs.Path) ([]byte, error) {
	data, ok := s.files[p]
	if !ok {
		if s.isDir(p) {
			return nil, dfs.Errorf(dfs.NotFound, "%v is a directory", p)
		}
		return nil, dfs.Errorf(dfs.NotFound, "file %v not found", p)
	}
	return data, nil
}

func checkPath(p dfs.Path) (dfs.Path, error) {
	cp, err := dfs.NewPath(string(p))
	if err != nil {
		return "", err
	}
	if cp.IsRoot() {
		return "", dfs.Errorf(dfs.InvalidArgument, "the root is not a file")
	}
	return cp, nil
}

// RPCSize is called by client to get the length of a file.
func (d *dataPlane) RPCSize(args dfs.StorageSizeArg, reply *dfs.StorageSizeReply) error {
	p, err := checkPath(args.Path)
	if err != nil {
		return err
	}
	d.s.fileLock.RLock()
	defer d.s.fileLock.RUnlock()
	data, err := d.s.file(p)
	if err != nil {
		return err
	}
	reply.Size = int64(len(data))
	return nil
}

// RPCRead is called by client to read Length bytes at Offset. The range
// must lie within the file.
func (d *dataPlane) RPCRead(args dfs.StorageReadArg, reply *dfs.StorageReadReply) error {
	p, err := checkPath(args.Path)
	if err != nil {
		return err
	}
	d.s.fileLock.RLock()
	defer d.s.fileLock.RUnlock()
	data, err := d.s.file(p)
	if err != nil {
		return err
	}
	size := int64(len(data))
	if args.Offset < 0 || args.Length < 0 || args.Offset > size || int64(args.Length) > size-args.Offset {
		return dfs.Errorf(dfs.InvalidArgument, "%d bytes at %d is outside %v of length %d",
			args.Length, args.Offset, p, len(data))
	}
	reply.Data = append([]byte(nil), data[args.Offset:args.Offset+int64(args.Length)]...)
	return nil
}

// RPCWrite is called by client to write Data at Offset. Writing past the end
// extends the file, zero filling any gap, up to dfs.MaxFileSize.
func (d *dataPlane) RPCWrite(args dfs.StorageWriteArg, reply *dfs.StorageWriteReply) error {
	p, err := checkPath(args.Path)
	if err != nil {
		return err
	}
	if args.Offset < 0 {
		return dfs.Errorf(dfs.InvalidArgument, "negative offset %d", args.Offset)
	}
	if args.Offset > dfs.MaxFileSize-int64(len(args.Data)) {
		return dfs.Errorf(dfs.InvalidArgument, "write of %d bytes at %d exceeds the maximum file size %d",
			len(args.Data), args.Offset, dfs.MaxFileSize)
	}
	d.s.fileLock.Lock()
	defer d.s.fileLock.Unlock()
	data, err := d.s.file(p)
	if err != nil {
		return err
	}
	if end := args.Offset + int64(len(args.Data)); end > int64(len(data)) {
		data = append(data, make([]byte, end-int64(len(data)))...)
	}
	copy(data[args.Offset:], args.Data)
	d.s.files[p] = data
	return nil
}

// RPCCreate is called by the naming server to create an empty file. It
// replies false if something already exists at the path.
func (c *commandPlane) RPCCreate(args dfs.StorageCreateArg, reply *dfs.StorageCreateReply) error {
	p, err := checkPath(args.Path)
	if err != nil {
		return err
	}
	c.s.fileLock.Lock()
	defer c.s.fileLock.Unlock()
	if _, ok := c.s.files[p]; ok || c.s.isDir(p) || c.s.blocked(p) {
		return nil
	}
	c.s.files[p] = []byte{}
	reply.Created = true
	return nil
}

// RPCDelete is called by the naming server to delete a file or a whole
// directory. It replies false if nothing was stored at the path.
func (c *commandPlane) RPCDelete(args dfs.StorageDeleteArg, reply *dfs.StorageDeleteReply) error {
	p, err := checkPath(args.Path)
	if err != nil {
		return err
	}
	reply.Deleted = c.s.remove(p)
	return nil
}

// RPCCopy is called by the naming server. It fetches the whole file from
// the data plane at Source and stores it here, replacing any local copy.
func (c *commandPlane) RPCCopy(args dfs.StorageCopyArg, reply *dfs.StorageCopyReply) error {
	p, err := checkPath(args.Path)
	if err != nil {
		return err
	}
	// the naming server gives up after dfs.CommandTimeout, leave room for the reply
	timeout := dfs.CommandTimeout / 2
	var size dfs.StorageSizeReply
	if err := util.CallTimeout(args.Source, "Storage.RPCSize", dfs.StorageSizeArg{Path: p}, &size, timeout); err != nil {
		return err
	}
	var read dfs.StorageReadReply
	err = util.CallTimeout(args.Source, "Storage.RPCRead",
		dfs.StorageReadArg{Path: p, Offset: 0, Length: int(size.Size)}, &read, timeout)
	if err != nil {
		return err
	}

	c.s.fileLock.Lock()
	defer c.s.fileLock.Unlock()
	if c.s.isDir(p) || c.s.blocked(p) {
		return nil
	}
	c.s.files[p] = read.Data
	reply.Copied = true
	return nil
}
