package ledger

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// signEntry computes the signature for an entry given the signature of the
// wallet's previous entry (empty for the first entry). Each wallet's history
// forms a hash chain: altering or dropping any stored entry breaks every
// signature after it.
func signEntry(prev string, e Entry) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(prev))
	h.Write([]byte(e.TransferID.String()))
	h.Write([]byte(e.WalletID.String()))
	h.Write([]byte(e.Kind))
	h.Write([]byte(e.Amount.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain checks the signature chain of one wallet's entries, ordered
// oldest first. It returns the index of the first broken link.
func VerifyChain(entries []Entry) error {
	prev := ""
	for i, e := range entries {
		want := signEntry(prev, e)
		if e.Signature != want {
			return fmt.Errorf("entry %d (%s): signature mismatch", i, e.ID)
		}
		prev = e.Signature
	}
	return nil
}
