package install

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// DefaultDownloadTimeout bounds one download's wall clock.
const DefaultDownloadTimeout = 180 * time.Second

// DefaultMaxRedirects caps how many Location hops one download follows.
const DefaultMaxRedirects = 10

// HTTPStatusError reports a non-success HTTP response.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	URL        string
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("download %s: %s", e.URL, e.Status)
}

// FetchOptions configures one download.
type FetchOptions struct {
	// Timeout bounds the whole download. Defaults to DefaultDownloadTimeout.
	Timeout time.Duration

	// MaxRedirects caps Location hops. Defaults to DefaultMaxRedirects.
	MaxRedirects int

	// Progress receives byte-level updates. May be nil.
	Progress ProgressFunc

	// Client overrides the HTTP client. Redirect handling is replaced so
	// hops are followed here, not inside the client.
	Client *http.Client

	// AllowHTTP permits plain-http URLs. Loopback test servers need it;
	// release artifact URLs never do.
	AllowHTTP bool
}

// Fetch downloads url to dest. Redirects are followed by re-issuing the
// request at the Location target, capped at MaxRedirects hops. The
// context is polled on every received chunk; cancellation aborts the
// download and deletes the partial file.
func Fetch(ctx context.Context, rawURL, dest string, opts FetchOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultDownloadTimeout
	}
	maxHops := opts.MaxRedirects
	if maxHops <= 0 {
		maxHops = DefaultMaxRedirects
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	// Hops are counted by the loop below.
	client = &http.Client{
		Transport: client.Transport,
		Jar:       client.Jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	current := rawURL
	for hop := 0; ; hop++ {
		if hop > maxHops {
			return fmt.Errorf("download %s: more than %d redirects", rawURL, maxHops)
		}

		parsed, err := url.Parse(current)
		if err != nil {
			return fmt.Errorf("download %s: %w", current, err)
		}
		if parsed.Scheme != "https" && !opts.AllowHTTP {
			return fmt.Errorf("download %s: refusing non-https url", current)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return fmt.Errorf("download %s: %w", current, err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("download %s: %w", current, err)
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			location := resp.Header.Get("Location")
			resp.Body.Close()
			if location == "" {
				return fmt.Errorf("download %s: redirect without location", current)
			}
			next, err := parsed.Parse(location)
			if err != nil {
				return fmt.Errorf("download %s: bad redirect target: %w", current, err)
			}
			current = next.String()
			continue

		case http.StatusOK:
			err := streamToFile(ctx, resp.Body, resp.ContentLength, dest, opts.Progress)
			resp.Body.Close()
			return err

		default:
			resp.Body.Close()
			return &HTTPStatusError{
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				URL:        current,
			}
		}
	}
}

// streamToFile copies body to dest in chunks, checking the context and
// reporting progress on each one. Any failure deletes the partial file.
func streamToFile(ctx context.Context, body io.Reader, total int64, dest string, progress ProgressFunc) (err error) {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer func() {
		closeErr := f.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	var received int64
	buf := make([]byte, 32*1024)
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("download aborted: %w", ctxErr)
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("writing %s: %w", dest, writeErr)
			}
			received += int64(n)
			if progress != nil {
				progress(progressAt(received, total))
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("reading download stream: %w", readErr)
		}
	}
}

func progressAt(received, total int64) Progress {
	p := Progress{Bytes: received, Total: total, Percent: -1}
	if total <= 0 {
		p.Total = -1
		return p
	}
	p.Percent = float64(received) / float64(total) * 100
	return p
}
