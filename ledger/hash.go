package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// HashDomain prefixes every digest input. The version suffix leaves room
// for a future encoding without ambiguity.
const HashDomain = "pharmaledger/entry/v1"

// Canonicalize produces the deterministic byte form of e that is hashed.
//
// Format: a JSON object with a fixed key order (not sorted), strings NFC
// normalized with HTML escaping disabled, quantity as a base-10 integer and
// the timestamp as TimestampLayout text. ID and CurrentHash are excluded:
// the ID is assigned after hashing and CurrentHash is the output.
func Canonicalize(e Entry) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeField(&buf, "partition_key", string(e.PartitionKey), true)
	writeField(&buf, "item_ref", string(e.ItemRef), false)
	writeField(&buf, "kind", string(e.Kind), false)
	buf.WriteString(`,"quantity":`)
	buf.WriteString(strconv.FormatInt(e.Quantity, 10))
	writeField(&buf, "source_location", e.SourceLocation, false)
	writeField(&buf, "dest_location", e.DestLocation, false)
	writeField(&buf, "actor_ref", string(e.ActorRef), false)
	writeField(&buf, "notes", e.Notes, false)
	writeField(&buf, "previous_hash", e.PreviousHash, false)
	writeField(&buf, "timestamp", e.TimestampString(), false)
	buf.WriteByte('}')
	return buf.Bytes()
}

// Digest returns the lowercase hex SHA-256 of the entry's canonical form.
// Format: SHA256(HashDomain + 0x00 + Canonicalize(e))
func Digest(e Entry) string {
	h := sha256.New()
	h.Write([]byte(HashDomain))
	h.Write([]byte{0x00})
	h.Write(Canonicalize(e))
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(buf *bytes.Buffer, key, value string, first bool) {
	if !first {
		buf.WriteByte(',')
	}
	writeString(buf, key)
	buf.WriteByte(':')
	writeString(buf, value)
}

func writeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	// Encoding a string never fails.
	_ = enc.Encode(norm.NFC.String(s))
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
}
