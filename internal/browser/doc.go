// Package browser connects tenants to a web messaging client driven through a
// real browser.
//
// A Connector owns one tenant's session and walks it through the states in
// package session:
//
//	idle -> connecting -> challenge -> authenticated -> ready
//
// The challenge is a QR payload the user scans with their phone; it is
// published as a PNG data URL and cached so a repeated Start re-broadcasts it
// instead of launching a second browser. A challenge left unanswered longer
// than the configured timeout resets the session.
//
// Each tenant gets its own profile directory, so an authenticated session
// survives restarts and RestoreAll can bring it back without a new challenge.
// If a previous process left a browser holding the profile, the connector
// kills it and retries once.
//
// The automation layer sits behind the Client interface. NewRodFactory
// provides the go-rod implementation; tests supply fakes.
package browser
