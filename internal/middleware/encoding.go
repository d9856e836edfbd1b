package middleware

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// DecodedBodyMiddleware caps the request body at maxBytes and transparently
// decompresses gzip and zstd bodies, capping the decompressed size at the same
// limit. Unknown encodings get 415.
func DecodedBodyMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)

		enc := strings.ToLower(strings.TrimSpace(c.GetHeader("Content-Encoding")))
		switch enc {
		case "", "identity":
			c.Request.Body = body
		case "gzip", "x-gzip":
			zr, err := gzip.NewReader(body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid gzip body"})
				return
			}
			c.Request.Body = &decodedBody{r: http.MaxBytesReader(c.Writer, zr, maxBytes), closers: []io.Closer{zr, body}}
		case "zstd":
			zr, err := zstd.NewReader(body, zstd.WithDecoderMaxMemory(uint64(maxBytes)))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid zstd body"})
				return
			}
			rc := zr.IOReadCloser()
			c.Request.Body = &decodedBody{r: http.MaxBytesReader(c.Writer, rc, maxBytes), closers: []io.Closer{rc, body}}
		default:
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported Content-Encoding " + enc})
			return
		}
		c.Request.Header.Del("Content-Encoding")
		c.Next()
	}
}

type decodedBody struct {
	r       io.ReadCloser
	closers []io.Closer
}

func (d *decodedBody) Read(p []byte) (int, error) { return d.r.Read(p) }

func (d *decodedBody) Close() error {
	var errs []error
	for _, cl := range d.closers {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}

// IsBodyTooLarge reports whether err came from a body exceeding the configured cap.
func IsBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
