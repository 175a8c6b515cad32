// Package ctl implements scopingctl, a terminal client that mirrors a user's
// session history through a history.Engine connected to a scoping server.
package ctl
