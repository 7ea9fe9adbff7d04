// Package registry tracks the live, upgraded WebSocket sessions of a server.
//
// A Registry maps a connection handle to an Entry. An entry is inserted by the
// upgrade stage right after the handshake response has been written and is
// removed by the connection's close listener, so an entry exists exactly while
// its connection is upgraded and open.
//
// The map is split into a power-of-two number of shards selected by an FNV-1a
// hash of the handle. Each shard has its own sync.RWMutex, so operations on
// unrelated handles never contend on a shared lock. Single-key operations are
// linearizable. Snapshot and Range visit the shards one at a time; they never
// return an entry twice and never miss an entry that was present for the whole
// call.
//
// Usage:
//
//	reg := registry.New(registry.WithShards(64))
//	reg.Register(conn, map[string]string{"remote": conn.RemoteAddr()})
//	defer reg.Unregister(conn.Handle())
//
//	for _, e := range reg.Snapshot() {
//		fmt.Println(e.Session.Handle(), e.RegisteredAt)
//	}
package registry
