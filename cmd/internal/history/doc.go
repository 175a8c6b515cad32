// Package history keeps a client's list of past and current estimation
// sessions in sync with the remote document store.
//
// An Engine owns a Store and a single run loop. A change feed watches the
// user's summary collection one page window at a time; for every summary
// row a deep fetcher watches the linked session record and merges it over
// the row. Command effects (delete, access-code rotation, external auth
// exchange) run on their own goroutines and report back into the same loop.
package history
