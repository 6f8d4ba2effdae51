// Package turn implements the session-level state a TURN (RFC 8656)
// client needs once an allocation exists: long-term credential
// bookkeeping and the per-peer permission/channel map. It does not
// implement the Allocate/Refresh/CreatePermission/ChannelBind
// request/response exchange itself -- driving those transactions,
// including retry and nonce-rotation pacing, is the ice.Agent event
// loop's job, which uses this package's types to hold the resulting
// state and the stun package to build/parse the messages.
package turn

import (
	"github.com/lanikai/goice/internal/logging"
	"github.com/lanikai/goice/stun"
)

var log = logging.DefaultLogger.WithTag("turn")

// Credentials holds the long-term credential material a TURN server
// challenges a client for, per RFC 8656 §5. Nonce and Realm start empty
// and are adopted from the server's 401 (Unauthorized) response.
type Credentials struct {
	Username string
	Userhash [32]byte
	Realm    string
	Nonce    string
	Password string

	// Algorithm is the PASSWORD-ALGORITHM the server selected (or MD5 by
	// default if it never sent PASSWORD-ALGORITHMS).
	Algorithm stun.PasswordAlgorithm
}

// IntegrityAlgorithm maps Algorithm onto the stun package's MESSAGE-
// INTEGRITY variant used to authenticate requests under these
// credentials.
func (c Credentials) IntegrityAlgorithm() stun.IntegrityAlgorithm {
	if c.Algorithm == stun.PasswordAlgorithmSHA256 {
		return stun.IntegritySHA256
	}
	return stun.IntegritySHA1
}

func (c Credentials) StunCredentials() stun.Credentials {
	return stun.Credentials{
		Type:     stun.LongTermCredential,
		Username: c.Username,
		Realm:    c.Realm,
		Password: c.Password,
	}
}

// TurnState is the per-allocation state owned by a relay entry.
type TurnState struct {
	Credentials Credentials

	// HasAllocation is set once Allocate succeeds; the relayed address
	// itself is kept on the owning relay entry.
	HasAllocation bool

	Map TurnMap
}
