package base

import "fmt"

// Redact controls whether UD/MD actually redact their argument. Off by default,
// matching sync_gateway's default logRedactionLevel=none; cmd/cblite-replicate
// can turn it on for production logs.
var Redact = false

// udValue wraps a value that may identify an end user (document ID, doc body)
// for log redaction, mirroring base.UD(docID) calls throughout blip_handler.go.
type udValue struct{ val interface{} }

func (u udValue) String() string {
	if Redact {
		return "<ud>REDACTED</ud>"
	}
	return fmt.Sprintf("%v", u.val)
}

// UD wraps a user-identifying value for redaction-aware logging.
func UD(v interface{}) fmt.Stringer { return udValue{v} }

// mdValue wraps metadata (digests, nonces) for the same treatment as base.MD(...).
type mdValue struct{ val interface{} }

func (m mdValue) String() string {
	if Redact {
		return "<md>REDACTED</md>"
	}
	return fmt.Sprintf("%v", m.val)
}

// MD wraps a metadata value (content digest, nonce) for redaction-aware logging.
func MD(v interface{}) fmt.Stringer { return mdValue{v} }
