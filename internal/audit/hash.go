package audit

import (
	"crypto/sha256"
	"encoding/json"
	"time"
)

// HashSize is the length of every link hash.
const HashSize = sha256.Size

// genesisHash is the previous hash of the first entry.
var genesisHash = make([]byte, HashSize)

// GenesisHash returns a copy of the all-zero hash that precedes seq 1.
func GenesisHash() []byte {
	return append([]byte(nil), genesisHash...)
}

// canonicalEntry fixes field order and encodings for hashing.
type canonicalEntry struct {
	Seq       uint64 `json:"seq"`
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	RecordID  string `json:"record_id"`
	OwnerID   string `json:"owner_id"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason"`
}

// ComputeHash returns SHA-256(prevHash || canonical JSON of e without hashes).
func ComputeHash(prevHash []byte, e Entry) []byte {
	c := canonicalEntry{
		Seq:       e.Seq,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:     e.Actor,
		Action:    string(e.Action),
		Outcome:   string(e.Outcome),
		Reason:    e.Reason,
	}
	if !e.RecordID.IsNil() {
		c.RecordID = e.RecordID.String()
	}
	if !e.OwnerID.IsNil() {
		c.OwnerID = e.OwnerID.String()
	}
	// Marshal of a struct with only string and integer fields cannot fail.
	body, _ := json.Marshal(c)

	h := sha256.New()
	h.Write(prevHash)
	h.Write(body)
	return h.Sum(nil)
}

// normalizeTimestamp keeps the precision every store can round-trip.
func normalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
