// Package auth binds HTTP requests and websocket connections to a tenant.
//
// Tenants present an HS256 JWT whose "sub" claim is the tenant id, either as
// an "Authorization: Bearer" header or, for websocket upgrades, a "token"
// query parameter. Middleware verifies the token and stores the tenant id in
// the request context, where handlers read it with TenantFromContext.
//
// Tokens for local testing can be minted with "switchboard token <tenant>".
package auth
