// Package httputil holds the JSON response helpers shared by the ledger
// handlers and the outbound client plumbing used by the scanner.
package httputil

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPClient is the part of *http.Client that outbound callers use, so
// tests can substitute a FakeClient.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewClient returns a client with the given overall timeout whose idle
// connection pool is sized for conns concurrent callers to one host.
func NewClient(timeout time.Duration, conns int) *http.Client {
	if conns < 1 {
		conns = 1
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = conns
	return &http.Client{Timeout: timeout, Transport: tr}
}

// NewResponse builds a response with a string body, for fakes.
func NewResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

// Call is one request seen by a FakeClient.
type Call struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type reply struct {
	status int
	body   string
	err    error
}

// FakeClient records requests and answers them from a queue of canned
// replies, then with 200 and an empty body once the queue runs dry. A
// handler installed with Handle takes precedence over the queue.
type FakeClient struct {
	mu      sync.Mutex
	replies []reply
	handle  func(*http.Request) (*http.Response, error)
	calls   []Call
}

func NewFakeClient() *FakeClient { return &FakeClient{} }

// Reply queues a response.
func (f *FakeClient) Reply(status int, body string) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply{status: status, body: body})
	return f
}

// Fail queues a transport error.
func (f *FakeClient) Fail(err error) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply{err: err})
	return f
}

// Handle routes every request to fn. The request body is still readable.
func (f *FakeClient) Handle(fn func(*http.Request) (*http.Response, error)) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handle = fn
	return f
}

func (f *FakeClient) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	f.mu.Lock()
	f.calls = append(f.calls, Call{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		Body:   body,
	})
	fn := f.handle
	next := reply{status: http.StatusOK}
	if fn == nil && len(f.replies) > 0 {
		next, f.replies = f.replies[0], f.replies[1:]
	}
	f.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	if next.err != nil {
		return nil, next.err
	}
	return NewResponse(req, next.status, next.body), nil
}

// Calls returns a copy of the recorded requests in arrival order.
func (f *FakeClient) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}
