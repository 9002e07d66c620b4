// Package wallet holds the identity and session value types for the
// custodial wallet provider.
package wallet

import "time"

// DeviceIdentity is the locally persisted opaque identifier for this
// device. Created once and reused across sessions.
type DeviceIdentity struct {
	ID        string
	CreatedAt time.Time
}

// DeviceCredential is the token pair the provider issues for a device
// identity. Cached across reloads; invalidated only by explicit disconnect
// or provider-side expiry.
type DeviceCredential struct {
	DeviceID      string
	Token         string
	EncryptionKey string
	IssuedAt      time.Time
}

// LoginResult is produced when a social-login redirect completes. It is
// held in memory only and required for every signing operation.
type LoginResult struct {
	UserToken     string
	EncryptionKey string
}

// Handle identifies a provisioned wallet. The address is the durable
// cross-session identity the rest of the application keys data on.
type Handle struct {
	ID         string
	Address    string
	Blockchain string
}
