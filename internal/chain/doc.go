// Package chain registers and resolves agent DIDs against the on-chain
// identity service.
//
// Registration is best-effort: the hub functions fully without a DID, and
// the identity package retries failed registrations in the background.
package chain
