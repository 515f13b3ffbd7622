package storage

import (
	"time"

	"dfs"
	"dfs/util"
)

// CommandClient calls the command plane of one storage server. Each call
// uses its own connection and fails with dfs.RPCFailure after
// dfs.CommandTimeout.
type CommandClient struct {
	address dfs.ServerAddress
	timeout time.Duration
}

func NewCommandClient(address dfs.ServerAddress) *CommandClient {
	return &CommandClient{address: address, timeout: dfs.CommandTimeout}
}

func (c *CommandClient) Address() dfs.ServerAddress {
	return c.address
}

// Create creates an empty file. It returns false if the path is taken.
func (c *CommandClient) Create(p dfs.Path) (bool, error) {
	var reply dfs.StorageCreateReply
	err := util.CallTimeout(c.address, "Command.RPCCreate", dfs.StorageCreateArg{Path: p}, &reply, c.timeout)
	return reply.Created, err
}

// Delete removes a file or directory. It returns false if nothing was there.
func (c *CommandClient) Delete(p dfs.Path) (bool, error) {
	var reply dfs.StorageDeleteReply
	err := util.CallTimeout(c.address, "Command.RPCDelete", dfs.StorageDeleteArg{Path: p}, &reply, c.timeout)
	return reply.Deleted, err
}

// Copy makes the server fetch p from the data plane at source.
func (c *CommandClient) Copy(p dfs.Path, source dfs.ServerAddress) (bool, error) {
	var reply dfs.StorageCopyReply
	err := util.CallTimeout(c.address, "Command.RPCCopy", dfs.StorageCopyArg{Path: p, Source: source}, &reply, c.timeout)
	return reply.Copied, err
}
