package util

import (
	"errors"
	"net"
	"net/rpc"
	"time"

	"dfs"
)

// Call dials srv, issues a single RPC and closes the connection. The call
// itself has no deadline, since a client Lock may wait indefinitely.
//
// Errors returned by the remote method come back as dfs.Error with their
// code intact. Anything that goes wrong on the way is reported as
// dfs.RPCFailure.
func Call(srv dfs.ServerAddress, rpcname string, args interface{}, reply interface{}) error {
	return CallTimeout(srv, rpcname, args, reply, 0)
}

// CallTimeout is like Call, but gives up with dfs.RPCFailure when the whole
// exchange takes longer than timeout. A zero timeout means no deadline.
func CallTimeout(srv dfs.ServerAddress, rpcname string, args interface{}, reply interface{}, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", string(srv), dfs.DialTimeout)
	if err != nil {
		return dfs.Errorf(dfs.RPCFailure, "dial %v: %v", srv, err)
	}
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			conn.Close()
			return dfs.Errorf(dfs.RPCFailure, "set deadline on %v: %v", srv, err)
		}
	}
	c := rpc.NewClient(conn)
	defer c.Close()

	err = c.Call(rpcname, args, reply)
	if err == nil {
		return nil
	}
	var serverErr rpc.ServerError
	if errors.As(err, &serverErr) {
		return dfs.ParseError(string(serverErr))
	}
	return dfs.Errorf(dfs.RPCFailure, "%v on %v: %v", rpcname, srv, err)
}
