package repeatsubmit

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies one submission. Two calls with equal fingerprints
// for the same operation inside the window are treated as duplicates.
type Fingerprint struct {
	// Identity is the caller's network identity, usually the client IP
	Identity string
	// Path is the request path or another locator of the operation target
	Path string
	// Args is a canonical serialization of the call arguments, see CanonicalArgs
	Args []byte
}

// Hash returns the 64-bit xxhash of identity and args as 16 hex digits
func (f Fingerprint) Hash() string {
	d := xxhash.New()
	_, _ = d.WriteString(f.Identity)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(f.Args)
	return fmt.Sprintf("%016x", d.Sum64())
}

// Excluded marks an argument that never takes part in a fingerprint
type Excluded interface {
	ExcludeFromFingerprint()
}

// CanonicalArgs serializes values to a JSON array usable as
// Fingerprint.Args. Map keys come out sorted, so equal data always yields
// equal bytes.
//
// Streams, contexts, request/response carriers, uploads and Excluded values
// are skipped, as is anything holding funcs or channels, which JSON cannot
// encode. Other encoding failures are returned.
func CanonicalArgs(values ...interface{}) ([]byte, error) {
	kept := make([]interface{}, 0, len(values))
	for i, v := range values {
		if skipArg(v) {
			continue
		}
		if _, err := json.Marshal(v); err != nil {
			var unsupported *json.UnsupportedTypeError
			if stderrors.As(err, &unsupported) {
				continue
			}
			return nil, fmt.Errorf("argument %d is not serializable: %w", i, err)
		}
		kept = append(kept, v)
	}
	return json.Marshal(kept)
}

func skipArg(v interface{}) bool {
	switch v.(type) {
	case io.Reader, io.Writer, context.Context, Excluded,
		*http.Request, http.ResponseWriter,
		*multipart.FileHeader, []*multipart.FileHeader, *multipart.Form:
		return true
	}
	return false
}
