// internal/network/compression.go
package network

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// acceptEncoding is what the browser itself would advertise to the catalog API.
const acceptEncoding = "gzip, deflate, br"

var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} { return new(gzip.Reader) },
	}
	brotliReaderPool = sync.Pool{
		New: func() interface{} { return brotli.NewReader(nil) },
	}
	emptyReader = strings.NewReader("")
)

// CompressionMiddleware advertises gzip, deflate and brotli on outgoing
// requests and transparently decodes the response body.
//
// Go's transport only handles gzip on its own, and only when the caller did
// not set Accept-Encoding. The catalog serves brotli to browsers, so the API
// client must speak it to look like the page it shares cookies with.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps transport, defaulting to http.DefaultTransport.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

// RoundTrip implements http.RoundTripper.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		// Clone before mutating; RoundTrippers must not modify the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}

	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if err := DecompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return resp, nil
}

// DecompressResponse unwraps every Content-Encoding layer in reverse order and
// strips the encoding headers. On error the body must be treated as corrupted.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}

	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}

	// A single header may also list several codings separated by commas.
	var layers []string
	for _, value := range encodings {
		for _, part := range strings.Split(value, ",") {
			layers = append(layers, strings.ToLower(strings.TrimSpace(part)))
		}
	}

	for i := len(layers) - 1; i >= 0; i-- {
		var (
			reader  io.ReadCloser
			release func()
		)

		switch layers[i] {
		case "gzip", "x-gzip":
			zr := gzipReaderPool.Get().(*gzip.Reader)
			if err := zr.Reset(resp.Body); err != nil {
				gzipReaderPool.Put(zr)
				return fmt.Errorf("gzip: %w", err)
			}
			reader = zr
			release = func() {
				_ = zr.Reset(emptyReader)
				gzipReaderPool.Put(zr)
			}

		case "br":
			br := brotliReaderPool.Get().(*brotli.Reader)
			if err := br.Reset(resp.Body); err != nil {
				brotliReaderPool.Put(br)
				return fmt.Errorf("brotli: %w", err)
			}
			reader = io.NopCloser(br)
			release = func() {
				_ = br.Reset(emptyReader)
				brotliReaderPool.Put(br)
			}

		case "deflate":
			var err error
			reader, err = openDeflate(resp.Body)
			if err != nil {
				return fmt.Errorf("deflate: %w", err)
			}

		case "identity", "":
			continue

		default:
			return fmt.Errorf("unsupported Content-Encoding %q", layers[i])
		}

		resp.Body = &decodedBody{ReadCloser: reader, original: resp.Body, release: release}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// decodedBody closes the decoder and the wire body, returning pooled readers.
type decodedBody struct {
	io.ReadCloser
	original io.ReadCloser
	release  func()
}

func (b *decodedBody) Close() error {
	err1 := b.ReadCloser.Close()
	err2 := b.original.Close()
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return errors.Join(err1, err2)
}

// openDeflate accepts both zlib-wrapped (RFC 1950) and raw (RFC 1951) deflate,
// since servers disagree on what "deflate" means.
func openDeflate(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	if hdr, err := br.Peek(2); err == nil && isZlibHeader(hdr) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(hdr []byte) bool {
	return hdr[0]&0x0f == 8 && (uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0
}
