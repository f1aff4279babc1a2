// Package xnat is a thin client for the XNAT REST API covering the
// calls this application needs: session login, dicomdump metadata,
// resource creation and in-body file upload.
package xnat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrorKind classifies a failed request. Only transport-level failures
// (network, timeout) are worth retrying; auth and http failures will
// fail the same way again.
type ErrorKind string

const (
	KindNone    ErrorKind = ""
	KindNetwork ErrorKind = "network"
	KindTimeout ErrorKind = "timeout"
	KindHTTP    ErrorKind = "http"
	KindAuth    ErrorKind = "auth"
)

// Result describes the outcome of one API call after retries.
type Result struct {
	OK         bool
	StatusCode int
	Kind       ErrorKind
	Message    string
	Body       []byte

	sessionCookie string
}

// Err converts a failed Result into an error for callers that only
// need the failure path.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("xnat %s error: %s", r.Kind, r.Message)
}

// Options configures a Client. Zero values fall back to the defaults
// below.
type Options struct {
	BaseURL string
	Timeout time.Duration
	Retries int
	Backoff float64
}

const (
	defaultTimeout = 300 * time.Second
	defaultRetries = 3
	defaultBackoff = 1.5

	maxBodyBytes = 4 << 20
)

// Client talks to one XNAT server. It is safe for use from a single
// session's requests; Login stores the JSESSIONID used by later calls.
type Client struct {
	baseURL  string
	http     *http.Client
	timeout  time.Duration
	retries  int
	backoff  float64
	jsession string

	// sleep is replaceable in tests.
	sleep func(time.Duration)
}

// NewClient builds a client for the given server.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    &http.Client{},
		timeout: opts.Timeout,
		retries: opts.Retries,
		backoff: opts.Backoff,
		sleep:   time.Sleep,
	}
}

// BaseURL returns the server base URL the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// Session returns the JSESSIONID obtained by Login, empty before login.
func (c *Client) Session() string { return c.jsession }

// SetSession restores a previously obtained JSESSIONID, used when a
// server-side session is rehydrated after a restart.
func (c *Client) SetSession(jsession string) { c.jsession = jsession }

// Login exchanges basic-auth credentials for a JSESSIONID via
// GET /data/JSESSION. The Set-Cookie value is preferred over the
// response body when both are present.
func (c *Client) Login(ctx context.Context, username, password string) Result {
	res := c.do(ctx, http.MethodGet, "/data/JSESSION", nil, func(req *http.Request) {
		req.SetBasicAuth(username, password)
	})
	if !res.OK {
		return res
	}

	jsession := strings.TrimSpace(string(res.Body))
	if res.sessionCookie != "" {
		jsession = res.sessionCookie
	}
	if jsession == "" {
		return Result{StatusCode: res.StatusCode, Kind: KindAuth, Message: "login returned no session id"}
	}

	c.jsession = jsession
	return Result{OK: true, StatusCode: res.StatusCode}
}

// Logout invalidates the server-side session and clears the stored id.
func (c *Client) Logout(ctx context.Context) Result {
	res := c.do(ctx, http.MethodDelete, "/data/JSESSION", nil, nil)
	c.jsession = ""
	return res
}

// ScanPath builds the REST path for a scan.
func ScanPath(project, subject, experiment, scan string) string {
	return fmt.Sprintf("/data/projects/%s/subjects/%s/experiments/%s/scans/%s",
		url.PathEscape(project), url.PathEscape(subject), url.PathEscape(experiment), url.PathEscape(scan))
}

// DicomDump fetches one DICOM field for a scan through the dicomdump
// service and returns the non-empty values found.
func (c *Client) DicomDump(ctx context.Context, project, subject, experiment, scan, field string) ([]string, Result) {
	src := fmt.Sprintf("/archive/projects/%s/subjects/%s/experiments/%s/scans/%s",
		project, subject, experiment, scan)
	path := "/data/services/dicomdump?" + url.Values{
		"src":    {src},
		"field":  {field},
		"format": {"json"},
	}.Encode()

	res := c.do(ctx, http.MethodGet, path, nil, nil)
	if !res.OK {
		return nil, res
	}

	var payload struct {
		ResultSet struct {
			Result []struct {
				Value string `json:"value"`
			} `json:"Result"`
		} `json:"ResultSet"`
	}
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return nil, Result{StatusCode: res.StatusCode, Kind: KindHTTP,
			Message: fmt.Sprintf("dicomdump returned unparseable body: %v", err)}
	}

	var values []string
	for _, entry := range payload.ResultSet.Result {
		if v := strings.TrimSpace(entry.Value); v != "" {
			values = append(values, v)
		}
	}
	return values, res
}

// EnsureResource creates the MRS resource on a scan if it does not
// exist. An already-existing resource reports conflict, which callers
// treat as success.
func (c *Client) EnsureResource(ctx context.Context, project, subject, experiment, scan, resource string) Result {
	path := ScanPath(project, subject, experiment, scan) + "/resources/" + url.PathEscape(resource)
	res := c.do(ctx, http.MethodPut, path, nil, nil)
	if !res.OK && res.Kind == KindHTTP && res.StatusCode == http.StatusConflict {
		return Result{OK: true, StatusCode: res.StatusCode}
	}
	return res
}

// UploadFile PUTs file bytes into a scan resource using inbody upload.
func (c *Client) UploadFile(ctx context.Context, project, subject, experiment, scan, resource, fileName string, data []byte) Result {
	path := ScanPath(project, subject, experiment, scan) +
		"/resources/" + url.PathEscape(resource) +
		"/files/" + url.PathEscape(fileName) + "?inbody=true"
	return c.do(ctx, http.MethodPut, path, data, nil)
}

// do performs one API call with the retry policy: transport failures
// (network, timeout) are retried with exponential backoff, everything
// else is terminal on the first response.
func (c *Client) do(ctx context.Context, method, path string, body []byte, prepare func(*http.Request)) Result {
	var last Result

	for attempt := 1; attempt <= c.retries; attempt++ {
		last = c.once(ctx, method, path, body, prepare)
		if last.OK || (last.Kind != KindNetwork && last.Kind != KindTimeout) {
			return last
		}
		if attempt == c.retries || ctx.Err() != nil {
			break
		}
		c.sleep(time.Duration(math.Pow(c.backoff, float64(attempt)) * float64(time.Second)))
	}

	return last
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, prepare func(*http.Request)) Result {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return Result{Kind: KindNetwork, Message: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if c.jsession != "" {
		req.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: c.jsession})
	}
	if prepare != nil {
		prepare(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Kind: classifyTransport(err), Message: err.Error()}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{StatusCode: resp.StatusCode, Kind: KindAuth,
			Message: fmt.Sprintf("authentication rejected (HTTP %d)", resp.StatusCode), Body: data}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Result{StatusCode: resp.StatusCode, Kind: KindHTTP,
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, snippet(data)), Body: data}
	}

	return Result{OK: true, StatusCode: resp.StatusCode, Body: data, sessionCookie: sessionCookie(resp)}
}

// sessionCookie pulls the JSESSIONID value out of a response, if set.
func sessionCookie(resp *http.Response) string {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "JSESSIONID" && cookie.Value != "" {
			return cookie.Value
		}
	}
	return ""
}

func classifyTransport(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNetwork
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
