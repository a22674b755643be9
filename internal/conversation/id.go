package conversation

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// NewSessionID creates a cryptographically random session ID with 128 bits
// of entropy, prefixed with "ses_" and encoded URL-safe without padding.
func NewSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return "ses_" + base64.RawURLEncoding.EncodeToString(b)
}

// NewMessageID creates a lexically sortable message ID.
func NewMessageID() string { return "msg_" + ulid.Make().String() }

// NewStepID creates a lexically sortable step ID.
func NewStepID() string { return "stp_" + ulid.Make().String() }

// NewPartID creates a lexically sortable part ID.
func NewPartID() string { return "prt_" + ulid.Make().String() }
