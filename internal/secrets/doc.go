// Package secrets seals credentials, such as tenant bot tokens, before they
// are written to the store.
package secrets
