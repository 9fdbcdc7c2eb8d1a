package indexing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// entryHash builds the upsert key: a hash over a row's
// displayable fields, stable across re-extraction of the same logical value
// so ON CONFLICT refreshes rather than duplicates it. fields are joined with
// a separator unlikely to appear in FHIR values.
func entryHash(fields ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func fmtInt(i *int) string {
	if i == nil {
		return ""
	}
	return fmt.Sprintf("%d", *i)
}
