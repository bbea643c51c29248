// Package ids defines the three identifier spaces the connection core
// deals in: UAID (stable per user-agent), UID (fresh per session), and
// ChannelId (per-subscription). All three are 128-bit values; the wire
// form is always the canonical lowercase hyphenated UUID string.
package ids

import (
	"encoding/json"

	"github.com/google/uuid"
)

// UAID identifies a user-agent. Assigned by the server at first hello
// and stable across reconnects until a reset (§4.4.1, §4.4.3).
type UAID uuid.UUID

// UID identifies one connection session. Fresh on every connect; used by
// the Registry to tell racing sessions for the same UAID apart (§3).
type UID uuid.UUID

// ChannelId identifies one subscription, unique within a UAID.
type ChannelId uuid.UUID

// NewUAID allocates a fresh UAID.
func NewUAID() UAID { return UAID(uuid.New()) }

// NewUID allocates a fresh per-session UID.
func NewUID() UID { return UID(uuid.New()) }

func (u UAID) String() string      { return uuid.UUID(u).String() }
func (u UID) String() string       { return uuid.UUID(u).String() }
func (c ChannelId) String() string { return uuid.UUID(c).String() }

func (u UAID) IsZero() bool { return u == UAID{} }

// ParseUAID accepts any form uuid.Parse accepts (hello's uaid field is
// not subject to the strict-format rule that Register's channelID is).
func ParseUAID(s string) (UAID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return UAID{}, err
	}
	return UAID(id), nil
}

// ParseChannelIDStrict implements the P8 invariant: the textual form must
// be exactly the canonical lowercase hyphenated UUID of its bytes, or the
// Register call must be rejected. uuid.Parse is lenient (accepts
// no-hyphen, upper-case, urn: forms); this re-derives the canonical
// string and compares it byte-for-byte against the input to reject
// anything uuid.Parse would otherwise silently normalize.
func ParseChannelIDStrict(s string) (ChannelId, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ChannelId{}, false
	}
	if id.String() != s {
		return ChannelId{}, false
	}
	return ChannelId(id), true
}

// MarshalJSON renders the canonical UUID string, not the raw byte
// array — ChannelId does not inherit uuid.UUID's own JSON methods
// since it is a distinct defined type.
func (c ChannelId) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *ChannelId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*c = ChannelId(id)
	return nil
}

func (u UAID) MarshalJSON() ([]byte, error) { return json.Marshal(u.String()) }

func (u *UAID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*u = UAID(id)
	return nil
}

func (u UID) MarshalJSON() ([]byte, error) { return json.Marshal(u.String()) }

func (u *UID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*u = UID(id)
	return nil
}
