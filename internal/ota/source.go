package ota

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/stofradar/ota/internal/otaerr"
)

// Source names as reported in session status.
const (
	SourcePush       = "push"
	SourcePull       = "pull"
	SourcePullSecure = "pull-secure"
)

// DefaultReadBufferSize bounds the chunks handed to the flash writer.
const DefaultReadBufferSize = 4096

// A Source produces the ordered, finite byte stream of one image. Next
// returns io.EOF once the stream ended. The returned slice is only valid
// until the next call. Sources are not restartable: a failed Source must be
// discarded.
type Source interface {
	Name() string
	Next(ctx context.Context) ([]byte, error)

	// ExpectedLength returns the exact image length if the transport
	// announced one.
	ExpectedLength() (n int64, known bool)
}

// A Digester announces the MD5 the finished image must have.
type Digester interface {
	ExpectedMD5() string
}

// PushUpload is the Source for images pushed to the device by a client.
// Chunk boundaries follow whatever the transport delivers, up to
// BufferSize bytes.
type PushUpload struct {
	Body io.Reader

	// Length is the exact body length, or negative if unknown (e.g. a
	// multipart file part).
	Length int64

	// MD5, if non-empty, is the hex MD5 the client claims for the image.
	MD5 string

	BufferSize int

	buf []byte
}

func (p *PushUpload) Name() string { return SourcePush }

func (p *PushUpload) ExpectedLength() (int64, bool) {
	return p.Length, p.Length >= 0
}

func (p *PushUpload) ExpectedMD5() string { return p.MD5 }

func (p *PushUpload) Next(ctx context.Context) ([]byte, error) {
	if p.Body == nil {
		return nil, io.EOF
	}
	if p.buf == nil {
		n := p.BufferSize
		if n <= 0 {
			n = DefaultReadBufferSize
		}
		p.buf = make([]byte, n)
	}
	return readChunk(ctx, p.Body, p.buf)
}

func readChunk(ctx context.Context, r io.Reader, buf []byte) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			// A trailing io.EOF is reported again by the next Read.
			return buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// PullOptions configures how images are fetched by URL.
type PullOptions struct {
	// VerifyPeer enables TLS certificate verification for https URLs.
	// Disabling it reproduces the historic trust-everything behavior and
	// must be an explicit choice.
	VerifyPeer bool

	// FollowRedirects follows redirects, including ones that change host
	// or scheme.
	FollowRedirects bool

	// Timeout bounds the whole transfer. Zero means no timeout.
	Timeout time.Duration
}

// NewPullClient returns the HTTP client used for Pull-By-URL sources.
// Connections are not reused between transfers.
func NewPullClient(opts PullOptions) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !opts.VerifyPeer,
		},
	}
	c := &http.Client{
		Transport: tr,
		Timeout:   opts.Timeout,
	}
	if !opts.FollowRedirects {
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return c
}

type pullSource struct {
	name   string
	url    string
	resp   *http.Response
	buf    []byte
	length int64
	md5    string
}

// OpenURL connects to rawURL and returns a Source streaming the response
// body. Any failure before the first byte is a SourceUnavailable error.
func OpenURL(ctx context.Context, client *http.Client, rawURL string, bufSize int) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, otaerr.New(otaerr.SourceUnavailable, "open", err)
	}
	name := SourcePull
	switch u.Scheme {
	case "http":
	case "https":
		name = SourcePullSecure
	default:
		return nil, otaerr.Errorf(otaerr.SourceUnavailable, "open", "unsupported URL scheme %q", u.Scheme)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, otaerr.New(otaerr.SourceUnavailable, "open", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, otaerr.New(otaerr.SourceUnavailable, "open", err)
	}
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		resp.Body.Close()
		return nil, otaerr.Errorf(otaerr.SourceUnavailable, "open",
			"unexpected HTTP status: got %v, want %v", resp.Status, want)
	}
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}
	return &pullSource{
		name:   name,
		url:    resp.Request.URL.String(),
		resp:   resp,
		buf:    make([]byte, bufSize),
		length: resp.ContentLength,
		md5:    resp.Header.Get("x-MD5"),
	}, nil
}

func (p *pullSource) Name() string { return p.name }

func (p *pullSource) ExpectedLength() (int64, bool) {
	return p.length, p.length >= 0
}

func (p *pullSource) ExpectedMD5() string { return p.md5 }

func (p *pullSource) Next(ctx context.Context) ([]byte, error) {
	return readChunk(ctx, p.resp.Body, p.buf)
}

func (p *pullSource) Close() error {
	return p.resp.Body.Close()
}

func (p *pullSource) String() string {
	return fmt.Sprintf("%s %s", p.name, p.url)
}
