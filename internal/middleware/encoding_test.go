package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

func newEchoRouter(maxBytes int64) *gin.Engine {
	r := gin.New()
	r.Use(DecodedBodyMiddleware(maxBytes))
	r.POST("/", func(c *gin.Context) {
		b, err := io.ReadAll(c.Request.Body)
		if err != nil {
			if IsBodyTooLarge(err) {
				c.Status(http.StatusRequestEntityTooLarge)
				return
			}
			c.Status(http.StatusBadRequest)
			return
		}
		c.String(http.StatusOK, string(b))
	})
	return r
}

func post(r *gin.Engine, body []byte, encoding string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	zw.Close()
	return buf.Bytes()
}

func zstdBytes(t *testing.T, s string) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()
	return enc.EncodeAll([]byte(s), nil)
}

func TestDecodedBodyMiddleware(t *testing.T) {
	const doc = `{"transaction":{"client_ip":"10.0.0.1"}}`
	r := newEchoRouter(1 << 20)

	tests := []struct {
		name     string
		body     []byte
		encoding string
	}{
		{"identity", []byte(doc), ""},
		{"gzip", gzipBytes(t, doc), "gzip"},
		{"zstd", zstdBytes(t, doc), "zstd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(r, tt.body, tt.encoding)
			if w.Code != http.StatusOK || w.Body.String() != doc {
				t.Errorf("got %d %q, want 200 %q", w.Code, w.Body.String(), doc)
			}
		})
	}
}

func TestDecodedBodyMiddleware_Rejects(t *testing.T) {
	r := newEchoRouter(64)

	if w := post(r, []byte("x"), "br"); w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("br: code = %d, want 415", w.Code)
	}
	if w := post(r, []byte("not gzip"), "gzip"); w.Code != http.StatusBadRequest {
		t.Errorf("bad gzip: code = %d, want 400", w.Code)
	}
	if w := post(r, []byte(strings.Repeat("a", 65)), ""); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized: code = %d, want 413", w.Code)
	}
	// Small on the wire, large once inflated.
	if w := post(r, gzipBytes(t, strings.Repeat("a", 4096)), "gzip"); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("gzip bomb: code = %d, want 413", w.Code)
	}
}
