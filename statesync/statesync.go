package statesync

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// statesync keeps a client-resident copy of server-owned state consistent
// with the server across an unreliable, reconnecting transport.
// the building blocks are:
// - `Channel` binds one named, optionally session-scoped slice of server
//   state to a local value, with snapshot fetch, push updates, delta merge,
//   staleness refresh, reconnect resync, and bounded optimistic writes
// - `Coordinator` owns the set of channels for whichever session is active
//   and serializes session switches so that no stale-session callback can
//   leak into the new session's state

// Logging convention in the `statesync` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation
//     this includes:
//     - snapshot and subscription failures
//     - reconnect and teardown anomalies
// Debug (V(1), V(2)):
//     key events for trace debugging, with short bracketed tags that can be
//     used to filter - e.g. [ch], [co], [h]

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// the partition key under which a channel's subscriptions and state are
// isolated. the zero value is the global scope.
// comparable
type Scope struct {
	SessionId string
}

func GlobalScope() Scope {
	return Scope{}
}

func SessionScope(sessionId string) Scope {
	return Scope{
		SessionId: sessionId,
	}
}

func (self Scope) IsGlobal() bool {
	return self.SessionId == ""
}

func (self Scope) String() string {
	if self.IsGlobal() {
		return "global"
	}
	return fmt.Sprintf("session(%s)", self.SessionId)
}
