package apiclient

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// acceptEncoding is advertised on every request. Setting it ourselves turns
// off the transport's transparent gzip, so decodeBody handles all three.
const acceptEncoding = "br, gzip, deflate"

// decodeBody replaces resp.Body with a decoding reader based on
// Content-Encoding. Unknown encodings are left untouched.
func decodeBody(resp *http.Response) {
	encoding := strings.ToLower(strings.TrimSpace(strings.Split(resp.Header.Get("Content-Encoding"), ",")[0]))

	var reader io.Reader
	switch encoding {
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			// empty or corrupt gzip stream; surface it on read
			resp.Body = &decodedBody{Reader: errReader{err}, closer: resp.Body}
			dropEncodingHeaders(resp)
			return
		}
		reader = gz
	case "deflate":
		reader = flate.NewReader(resp.Body)
	default:
		return
	}

	resp.Body = &decodedBody{Reader: reader, closer: resp.Body}
	dropEncodingHeaders(resp)
}

func dropEncodingHeaders(resp *http.Response) {
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
}

type decodedBody struct {
	io.Reader
	closer io.Closer
}

func (b *decodedBody) Close() error {
	return b.closer.Close()
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
