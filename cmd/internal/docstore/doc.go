// Package docstore is the remote document store the history engine syncs
// against.
//
// It keeps two collections: per-user history summary rows and the session
// records they link to. Backends (MemoryStore, PostgresStore) persist them
// and announce every write on a topic; Docs turns topic wake-ups into live
// query and record watches. Gateway serves those watches and the session
// commands over WebSocket and Client consumes them on the engine side.
package docstore
