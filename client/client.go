package client

import (
	"time"

	"github.com/sirupsen/logrus"

	"dfs"
	"dfs/util"
)

const (
	// ReadRetryNum is the maximum number of retries for a read operation.
	ReadRetryNum = 3
	// ReadRetryInterval is the interval between retries for a read operation.
	ReadRetryInterval = 200 * time.Millisecond
)

// Client struct is the client-side driver of the filesystem.
type Client struct {
	naming dfs.ServerAddress
}

// NewClient returns a new client talking to the naming server at naming.
func NewClient(naming dfs.ServerAddress) *Client {
	return &Client{
		naming: naming,
	}
}

// Lock locks path, shared or exclusive. It blocks until the lock is granted.
func (c *Client) Lock(path dfs.Path, exclusive bool) error {
	return util.Call(c.naming, "Naming.RPCLock", dfs.LockArg{Path: path, Exclusive: exclusive}, nil)
}

// Unlock releases a lock taken with Lock.
func (c *Client) Unlock(path dfs.Path, exclusive bool) error {
	return util.Call(c.naming, "Naming.RPCUnlock", dfs.UnlockArg{Path: path, Exclusive: exclusive}, nil)
}

func (c *Client) IsDirectory(path dfs.Path) (bool, error) {
	var reply dfs.IsDirectoryReply
	err := util.Call(c.naming, "Naming.RPCIsDirectory", dfs.IsDirectoryArg{Path: path}, &reply)
	return reply.IsDir, err
}

// List lists everything in specific directory.
func (c *Client) List(path dfs.Path) ([]string, error) {
	var reply dfs.ListReply
	err := util.Call(c.naming, "Naming.RPCList", dfs.ListArg{Path: path}, &reply)
	if err != nil {
		return nil, err
	}
	return reply.Names, nil
}

// CreateFile creates a new empty file. It returns false if path exists.
func (c *Client) CreateFile(path dfs.Path) (bool, error) {
	var reply dfs.CreateFileReply
	err := util.Call(c.naming, "Naming.RPCCreateFile", dfs.CreateFileArg{Path: path}, &reply)
	return reply.Created, err
}

// CreateDirectory creates a new directory. It returns false if path exists.
func (c *Client) CreateDirectory(path dfs.Path) (bool, error) {
	var reply dfs.CreateDirectoryReply
	err := util.Call(c.naming, "Naming.RPCCreateDirectory", dfs.CreateDirectoryArg{Path: path}, &reply)
	return reply.Created, err
}

// Delete deletes a file or a directory with everything below it.
func (c *Client) Delete(path dfs.Path) (bool, error) {
	var reply dfs.DeleteReply
	err := util.Call(c.naming, "Naming.RPCDelete", dfs.DeleteArg{Path: path}, &reply)
	return reply.Deleted, err
}

// GetStorage returns the data address of the storage server to use for path.
func (c *Client) GetStorage(path dfs.Path) (dfs.ServerAddress, error) {
	var reply dfs.GetStorageReply
	err := util.Call(c.naming, "Naming.RPCGetStorage", dfs.GetStorageArg{Path: path}, &reply)
	return reply.Address, err
}

// Size returns the length of path as stored on server.
func (c *Client) Size(server dfs.ServerAddress, path dfs.Path) (int64, error) {
	var reply dfs.StorageSizeReply
	err := util.Call(server, "Storage.RPCSize", dfs.StorageSizeArg{Path: path}, &reply)
	return reply.Size, err
}

// Read reads length bytes of path at offset from server.
func (c *Client) Read(server dfs.ServerAddress, path dfs.Path, offset int64, length int) ([]byte, error) {
	var reply dfs.StorageReadReply
	err := util.Call(server, "Storage.RPCRead", dfs.StorageReadArg{Path: path, Offset: offset, Length: length}, &reply)
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// Write writes data to path at offset on server.
func (c *Client) Write(server dfs.ServerAddress, path dfs.Path, offset int64, data []byte) error {
	return util.Call(server, "Storage.RPCWrite", dfs.StorageWriteArg{Path: path, Offset: offset, Data: data}, nil)
}

// ReadFile reads the whole file under a shared lock. Transport failures
// against the storage server are retried.
func (c *Client) ReadFile(path dfs.Path) (data []byte, err error) {
	if err = c.Lock(path, false); err != nil {
		return nil, err
	}
	defer func() {
		if uerr := c.Unlock(path, false); uerr != nil && err == nil {
			err = uerr
		}
	}()

	server, err := c.GetStorage(path)
	if err != nil {
		return nil, err
	}
	for i := 0; i < ReadRetryNum; i++ {
		var size int64
		size, err = c.Size(server, path)
		if err == nil {
			data, err = c.Read(server, path, 0, int(size))
		}
		if dfs.CodeOf(err) != dfs.RPCFailure {
			break
		}
		logrus.Warnf("Read error: %v, retrying for %v times", err, ReadRetryNum-i-1)
		time.Sleep(ReadRetryInterval)
	}
	return data, err
}

// WriteFile writes data to path at offset under an exclusive lock.
func (c *Client) WriteFile(path dfs.Path, offset int64, data []byte) (err error) {
	if err = c.Lock(path, true); err != nil {
		return err
	}
	defer func() {
		if uerr := c.Unlock(path, true); uerr != nil && err == nil {
			err = uerr
		}
	}()

	server, err := c.GetStorage(path)
	if err != nil {
		return err
	}
	return c.Write(server, path, offset, data)
}
