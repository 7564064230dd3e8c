// Package session maps opaque login tokens to user identities. Sessions are
// created by the login flow and read by the connection handshake; they are
// stored as Redis hashes with a sliding TTL.
package session
