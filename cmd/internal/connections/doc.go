// Package connections links a user to an external work tracker.
//
// POST /api/connections takes an authorization code issued by the
// tracker, validates it with the tracker, and stores the resulting access
// token sealed at rest. HTTPExchanger is the client side of that endpoint
// and is what the history engine's ExchangeExternalAuth command calls.
package connections
