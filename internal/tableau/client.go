// Package tableau is a small client for the Tableau Server / Tableau Cloud
// REST API: personal-access-token sign-in, paginated listings, datasource
// refresh with job polling, and datasource publishing.
//
// A Client holds one session. It is not safe for concurrent use.
package tableau

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"tableauetl/internal/config"
	"tableauetl/internal/logging"
	"tableauetl/internal/metrics"
)

const (
	// DefaultPageSize is the page size used by the listing helpers.
	DefaultPageSize = 1000
	// DefaultJobTimeout bounds WaitForJob when no timeout is given.
	DefaultJobTimeout = 900 * time.Second
	// DefaultPollInterval is the fixed delay between job status requests.
	DefaultPollInterval = 3 * time.Second

	// DefaultChunkThreshold is the largest file published in one request.
	DefaultChunkThreshold int64 = 64 << 20
	// DefaultChunkSize is the size of one PUT in a chunked upload.
	DefaultChunkSize int64 = 5 << 20

	// discoveryVersion is a version every supported server still answers
	// serverinfo on.
	discoveryVersion = "2.4"

	authHeader = "X-Tableau-Auth"
)

// ErrNotSignedIn is returned by calls that need a session when SignIn has
// not run.
var ErrNotSignedIn = errors.New("tableau: not signed in")

// Options tunes a Client. The zero value is usable.
type Options struct {
	// HTTPClient is the underlying transport. Defaults to a client with a
	// 5 minute timeout.
	HTTPClient *http.Client

	// RetryMax is the number of retries on connection errors and 5xx
	// responses. 0 disables retries.
	RetryMax int

	Logger *slog.Logger

	PageSize       int
	PollInterval   time.Duration
	ChunkThreshold int64
	ChunkSize      int64

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Client talks to one Tableau site.
type Client struct {
	creds config.TableauCredentials
	opts  Options
	log   *slog.Logger
	http  *retryablehttp.Client

	version string

	token    string
	siteLUID string
}

// New builds a client for creds. No request is made until SignIn.
//
// Edge cases:
//   - creds.APIVersion empty means the version is discovered from the
//     server on SignIn.
//   - creds.SiteURL must be an absolute http(s) URL.
func New(creds config.TableauCredentials, opts Options) (*Client, error) {
	u, err := url.Parse(creds.SiteURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("tableau: invalid site url %q", creds.SiteURL)
	}
	creds.SiteURL = strings.TrimRight(creds.SiteURL, "/")

	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ChunkThreshold <= 0 {
		opts.ChunkThreshold = DefaultChunkThreshold
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.sleep == nil {
		opts.sleep = sleepCtx
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = opts.Logger
	// keep the last response once retries are exhausted so its error body
	// can be decoded
	rc.ErrorHandler = func(resp *http.Response, err error, _ int) (*http.Response, error) {
		if resp != nil {
			return resp, nil
		}
		return nil, err
	}
	if opts.HTTPClient != nil {
		rc.HTTPClient = opts.HTTPClient
	} else {
		rc.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}

	return &Client{
		creds:   creds,
		opts:    opts,
		log:     opts.Logger,
		http:    rc,
		version: creds.APIVersion,
	}, nil
}

// Version returns the REST API version in use ("" before discovery).
func (c *Client) Version() string { return c.version }

// SiteID returns the site LUID of the current session.
func (c *Client) SiteID() string { return c.siteLUID }

// SignedIn reports whether the client holds a session token.
func (c *Client) SignedIn() bool { return c.token != "" }

type signInRequest struct {
	Credentials struct {
		Name   string `json:"personalAccessTokenName"`
		Secret string `json:"personalAccessTokenSecret"`
		Site   struct {
			ContentURL string `json:"contentUrl"`
		} `json:"site"`
	} `json:"credentials"`
}

type signInResponse struct {
	Credentials struct {
		Token string `json:"token"`
		Site  struct {
			ID string `json:"id"`
		} `json:"site"`
	} `json:"credentials"`
}

// SignIn authenticates with the personal access token. Calling it on a
// signed-in client does nothing.
func (c *Client) SignIn(ctx context.Context) error {
	if c.token != "" {
		return nil
	}
	if c.version == "" {
		if err := c.discoverVersion(ctx); err != nil {
			return err
		}
	}

	var req signInRequest
	req.Credentials.Name = c.creds.PATName
	req.Credentials.Secret = c.creds.PATSecret
	req.Credentials.Site.ContentURL = c.creds.SiteID
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	var resp signInResponse
	if err := c.do(ctx, http.MethodPost, c.apiPath("auth/signin"), "signin", body, "application/json", &resp); err != nil {
		return fmt.Errorf("tableau sign in: %w", err)
	}
	if resp.Credentials.Token == "" {
		return fmt.Errorf("tableau sign in: empty token in response")
	}
	c.token = resp.Credentials.Token
	c.siteLUID = resp.Credentials.Site.ID
	c.log.Info("Signed in to Tableau", "site", c.creds.SiteID, "api_version", c.version)
	return nil
}

// SignOut ends the session. It does nothing when not signed in. The local
// session is dropped even when the server call fails.
func (c *Client) SignOut(ctx context.Context) error {
	if c.token == "" {
		return nil
	}
	err := c.do(ctx, http.MethodPost, c.apiPath("auth/signout"), "signout", nil, "", nil)
	c.token, c.siteLUID = "", ""
	if err != nil {
		return fmt.Errorf("tableau sign out: %w", err)
	}
	c.log.Info("Signed out of Tableau")
	return nil
}

// WithSession signs in, runs fn and always signs out. Errors from fn and
// from SignOut are joined.
func (c *Client) WithSession(ctx context.Context, fn func(ctx context.Context, c *Client) error) (err error) {
	if err := c.SignIn(ctx); err != nil {
		return err
	}
	defer func() {
		// sign out even when ctx is already canceled
		err = errors.Join(err, c.SignOut(context.WithoutCancel(ctx)))
	}()
	return fn(ctx, c)
}

type serverInfoResponse struct {
	ServerInfo struct {
		RestAPIVersion string `json:"restApiVersion"`
	} `json:"serverInfo"`
}

func (c *Client) discoverVersion(ctx context.Context) error {
	var info serverInfoResponse
	path := "/api/" + discoveryVersion + "/serverinfo"
	if err := c.do(ctx, http.MethodGet, path, "serverinfo", nil, "", &info); err != nil {
		return fmt.Errorf("tableau server info: %w", err)
	}
	if info.ServerInfo.RestAPIVersion == "" {
		return fmt.Errorf("tableau server info: no restApiVersion in response")
	}
	c.version = info.ServerInfo.RestAPIVersion
	return nil
}

func (c *Client) apiPath(p string) string {
	return "/api/" + c.version + "/" + p
}

func (c *Client) sitePath(p string) (string, error) {
	if c.token == "" {
		return "", ErrNotSignedIn
	}
	return c.apiPath("sites/" + url.PathEscape(c.siteLUID) + "/" + p), nil
}

// do sends one request. endpoint is a low-cardinality name used for
// metrics and error messages. A non-nil out receives the decoded JSON body.
func (c *Client) do(ctx context.Context, method, path, endpoint string, body []byte, contentType string, out any) error {
	var raw any
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.creds.SiteURL+path, raw)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set(authHeader, c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	metrics.RecordHTTP(endpoint, status, err, time.Since(start), int64(len(body)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", endpoint, err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, resp.Header.Get("Content-Type"), data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
