package selection

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/xxh3"

	"github.com/dvpn-native/dvpnd/internal/provider"
)

// Fingerprint is a 128-bit digest of a provider's stable fields, used as a
// log correlation key only — it never participates in selection.
type Fingerprint [16]byte

// Hex returns the lowercase hex encoding of the fingerprint.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// FingerprintOf computes a Fingerprint from a provider's endpoint, public key,
// and allowed-ips, so identical records returned across polls collapse to
// the same key regardless of field ordering upstream.
func FingerprintOf(p provider.Provider) Fingerprint {
	h := xxh3.New()
	h.WriteString(p.Endpoint)
	h.WriteString("|")
	h.WriteString(p.PublicKey)
	h.WriteString("|")
	h.WriteString(p.AllowedIPs)
	h128 := h.Sum128()

	var out Fingerprint
	binary.LittleEndian.PutUint64(out[:8], h128.Lo)
	binary.LittleEndian.PutUint64(out[8:], h128.Hi)
	return out
}
