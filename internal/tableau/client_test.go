package tableau

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tableauetl/internal/config"
)

const (
	testVersion = "3.19"
	testSite    = "site-luid"
	testToken   = "session-token"
)

type fakeServer struct {
	*httptest.Server
	mux *http.ServeMux

	mu       sync.Mutex
	counts   map[string]int
	authSeen []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{mux: http.NewServeMux(), counts: map[string]int{}}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.counts[r.Method+" "+r.URL.Path]++
		fs.authSeen = append(fs.authSeen, r.Header.Get(authHeader))
		fs.mu.Unlock()
		fs.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(fs.Close)

	fs.handle("GET /api/2.4/serverinfo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"serverInfo": map[string]any{"restApiVersion": testVersion}})
	})
	fs.handle("POST /api/"+testVersion+"/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		var req signInRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Credentials.Name != "pat" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": "401001", "summary": "Signin Error"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"credentials": map[string]any{
			"token": testToken,
			"site":  map[string]any{"id": testSite, "contentUrl": req.Credentials.Site.ContentURL},
		}})
	})
	fs.handle("POST /api/"+testVersion+"/auth/signout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return fs
}

func (fs *fakeServer) handle(pattern string, h http.HandlerFunc) {
	fs.mux.HandleFunc(pattern, h)
}

func (fs *fakeServer) count(key string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.counts[key]
}

func (fs *fakeServer) lastAuth() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.authSeen) == 0 {
		return ""
	}
	return fs.authSeen[len(fs.authSeen)-1]
}

func (fs *fakeServer) total() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for _, c := range fs.counts {
		n += c
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sitePrefix() string { return "/api/" + testVersion + "/sites/" + testSite }

func newTestClient(t *testing.T, fs *fakeServer, opts Options) *Client {
	t.Helper()
	c, err := New(config.TableauCredentials{
		PATName:   "pat",
		PATSecret: "secret",
		SiteID:    "pokedex",
		SiteURL:   fs.URL + "/",
	}, opts)
	require.NoError(t, err)
	return c
}

func signedIn(t *testing.T, fs *fakeServer, opts Options) *Client {
	t.Helper()
	c := newTestClient(t, fs, opts)
	require.NoError(t, c.SignIn(context.Background()))
	return c
}

func TestNew_RejectsBadSiteURL(t *testing.T) {
	_, err := New(config.TableauCredentials{SiteURL: "not a url"}, Options{})
	require.Error(t, err)
}

func TestSignIn_DiscoversVersionOnceAndIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, Options{})
	ctx := context.Background()

	require.NoError(t, c.SignIn(ctx))
	require.NoError(t, c.SignIn(ctx))

	assert.Equal(t, testVersion, c.Version())
	assert.Equal(t, testSite, c.SiteID())
	assert.True(t, c.SignedIn())
	assert.Equal(t, 1, fs.count("GET /api/2.4/serverinfo"))
	assert.Equal(t, 1, fs.count("POST /api/"+testVersion+"/auth/signin"))

	require.NoError(t, c.SignOut(ctx))
	require.NoError(t, c.SignOut(ctx))
	assert.Equal(t, 1, fs.count("POST /api/"+testVersion+"/auth/signout"))
	assert.False(t, c.SignedIn())
	assert.Equal(t, testToken, fs.lastAuth(), "sign out must carry the session token")
}

func TestSignIn_ConfiguredVersionSkipsDiscovery(t *testing.T) {
	fs := newFakeServer(t)
	c, err := New(config.TableauCredentials{
		PATName: "pat", PATSecret: "s", SiteID: "pokedex", SiteURL: fs.URL, APIVersion: testVersion,
	}, Options{})
	require.NoError(t, err)
	require.NoError(t, c.SignIn(context.Background()))
	assert.Equal(t, 0, fs.count("GET /api/2.4/serverinfo"))
}

func TestSignIn_BadCredentials(t *testing.T) {
	fs := newFakeServer(t)
	c, err := New(config.TableauCredentials{PATName: "wrong", SiteURL: fs.URL, APIVersion: testVersion}, Options{})
	require.NoError(t, err)

	err = c.SignIn(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "401001", apiErr.Code)
	assert.False(t, c.SignedIn())
}

func TestSignOut_WithoutSignInMakesNoRequest(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, Options{})
	require.NoError(t, c.SignOut(context.Background()))
	assert.Equal(t, 0, fs.total())
}

func TestWithSession_AlwaysSignsOutAndJoinsErrors(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, Options{})
	boom := errors.New("boom")

	err := c.WithSession(context.Background(), func(ctx context.Context, c *Client) error {
		assert.True(t, c.SignedIn())
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, fs.count("POST /api/"+testVersion+"/auth/signout"))
	assert.False(t, c.SignedIn())
}

func TestWithSession_SignOutFailureIsReported(t *testing.T) {
	fs := newFakeServer(t)
	fs.mux = http.NewServeMux()
	fs.handle("POST /api/"+testVersion+"/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"credentials": map[string]any{"token": testToken, "site": map[string]any{"id": testSite}}})
	})
	fs.handle("POST /api/"+testVersion+"/auth/signout", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": map[string]any{"code": "500000", "summary": "Internal"}})
	})
	c, err := New(config.TableauCredentials{PATName: "pat", SiteURL: fs.URL, APIVersion: testVersion}, Options{})
	require.NoError(t, err)

	err = c.WithSession(context.Background(), func(context.Context, *Client) error { return nil })
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
}

func TestProjects_PaginatesUntilTotal(t *testing.T) {
	fs := newFakeServer(t)
	const total = 2500
	fs.handle("GET "+sitePrefix()+"/projects", func(w http.ResponseWriter, r *http.Request) {
		size, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
		page, _ := strconv.Atoi(r.URL.Query().Get("pageNumber"))
		var items []map[string]any
		for i := (page - 1) * size; i < page*size && i < total; i++ {
			items = append(items, map[string]any{"id": fmt.Sprintf("p-%d", i), "name": fmt.Sprintf("Project %d", i)})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"pagination": map[string]any{
				"pageNumber": strconv.Itoa(page), "pageSize": strconv.Itoa(size), "totalAvailable": strconv.Itoa(total),
			},
			"projects": map[string]any{"project": items},
		})
	})
	c := signedIn(t, fs, Options{})

	projects, err := c.Projects(context.Background())
	require.NoError(t, err)
	assert.Len(t, projects, total)
	assert.Equal(t, "p-2499", projects[total-1].ID)
	assert.Equal(t, 3, fs.count("GET "+sitePrefix()+"/projects"))
}

func TestDatasourcesAndWorkbooks_EmptySite(t *testing.T) {
	fs := newFakeServer(t)
	empty := func(key string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"pagination": map[string]any{"pageNumber": "1", "pageSize": "1000", "totalAvailable": "0"},
				key:          map[string]any{},
			})
		}
	}
	fs.handle("GET "+sitePrefix()+"/datasources", empty("datasources"))
	fs.handle("GET "+sitePrefix()+"/workbooks", empty("workbooks"))
	c := signedIn(t, fs, Options{})

	ds, err := c.Datasources(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ds)
	wb, err := c.Workbooks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, wb)
}

func TestListing_RequiresSession(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, Options{})
	_, err := c.Projects(context.Background())
	require.ErrorIs(t, err, ErrNotSignedIn)
}

func TestListAll_StopsOnEmptyPage(t *testing.T) {
	calls := 0
	fetch := func(_ context.Context, page, size int) ([]int, Pagination, error) {
		calls++
		p := Pagination{PageNumber: Int(page), PageSize: Int(size), TotalAvailable: 10}
		if page == 1 {
			return []int{1, 2, 3}, p, nil
		}
		return nil, p, nil
	}
	items, err := ListAll(context.Background(), nil, 3, fetch)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, items)
	assert.Equal(t, 2, calls)
}

func TestListAll_PropagatesFetchError(t *testing.T) {
	boom := errors.New("boom")
	_, err := ListAll(context.Background(), nil, 0, func(context.Context, int, int) ([]string, Pagination, error) {
		return nil, Pagination{}, boom
	})
	require.ErrorIs(t, err, boom)
}

// fakeClock advances only when the client sleeps.
type fakeClock struct {
	t      time.Time
	sleeps int
}

func (f *fakeClock) now() time.Time { return f.t }
func (f *fakeClock) sleep(_ context.Context, d time.Duration) error {
	f.sleeps++
	f.t = f.t.Add(d)
	return nil
}

func jobHandler(completeAfter int) (http.HandlerFunc, *int) {
	calls := 0
	return func(w http.ResponseWriter, r *http.Request) {
		calls++
		job := map[string]any{"id": r.PathValue("id"), "type": "RefreshExtract", "progress": "50"}
		if completeAfter > 0 && calls >= completeAfter {
			job["progress"] = "100"
			job["completedAt"] = "2024-05-01T12:00:00Z"
			job["finishCode"] = "0"
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": job})
	}, &calls
}

func TestWaitForJob_ReturnsWhenCompleted(t *testing.T) {
	fs := newFakeServer(t)
	h, calls := jobHandler(3)
	fs.handle("GET "+sitePrefix()+"/jobs/{id}", h)

	clk := &fakeClock{t: time.Unix(0, 0)}
	c := signedIn(t, fs, Options{now: clk.now, sleep: clk.sleep})

	job, err := c.WaitForJob(context.Background(), "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, job.Succeeded())
	assert.Equal(t, Int(100), job.Progress)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, 2, clk.sleeps)
}

func TestWaitForJob_TimesOut(t *testing.T) {
	fs := newFakeServer(t)
	h, _ := jobHandler(0)
	fs.handle("GET "+sitePrefix()+"/jobs/{id}", h)

	clk := &fakeClock{t: time.Unix(0, 0)}
	c := signedIn(t, fs, Options{now: clk.now, sleep: clk.sleep})

	_, err := c.WaitForJob(context.Background(), "job-2", 10*time.Second)
	require.ErrorIs(t, err, ErrJobTimeout)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "job-2", te.JobID)
	// polls at t=0,3,6,9,12; 12s exceeds the 10s budget
	assert.Equal(t, 4, clk.sleeps)
}

func TestWaitForJob_ContextCanceled(t *testing.T) {
	fs := newFakeServer(t)
	h, _ := jobHandler(0)
	fs.handle("GET "+sitePrefix()+"/jobs/{id}", h)
	c := signedIn(t, fs, Options{PollInterval: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.WaitForJob(ctx, "job-3", 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrJobTimeout)
}

func TestRefreshDatasource(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("POST "+sitePrefix()+"/datasources/{id}/refresh", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testToken, r.Header.Get(authHeader))
		writeJSON(w, http.StatusAccepted, map[string]any{"job": map[string]any{
			"id": "job-for-" + r.PathValue("id"), "mode": "Asynchronous", "type": "RefreshExtract",
		}})
	})
	c := signedIn(t, fs, Options{})

	job, err := c.RefreshDatasource(context.Background(), "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "job-for-ds-1", job.ID)
	assert.False(t, job.Completed())
}

type receivedPart struct {
	disposition string
	body        []byte
}

func readMixed(t *testing.T, r *http.Request) []receivedPart {
	t.Helper()
	mt, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mt)
	mr := multipart.NewReader(r.Body, params["boundary"])
	var parts []receivedPart
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return parts
		}
		require.NoError(t, err)
		b, err := io.ReadAll(p)
		require.NoError(t, err)
		parts = append(parts, receivedPart{disposition: p.Header.Get("Content-Disposition"), body: b})
	}
}

func writeExtract(t *testing.T, size int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pokemon.duckdb")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestPublish_SingleRequest(t *testing.T) {
	fs := newFakeServer(t)
	path := writeExtract(t, 64)
	want, _ := os.ReadFile(path)

	fs.handle("POST "+sitePrefix()+"/datasources", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "duckdb", q.Get("datasourceType"))
		assert.Equal(t, "true", q.Get("overwrite"))
		assert.Empty(t, q.Get("append"))

		parts := readMixed(t, r)
		require.Len(t, parts, 2)
		assert.Contains(t, parts[0].disposition, `name="request_payload"`)
		assert.Contains(t, string(parts[0].body), `<datasource name="Pokedex">`)
		assert.Contains(t, string(parts[0].body), `<project id="proj-1">`)
		assert.Contains(t, parts[1].disposition, `name="tableau_datasource"`)
		assert.Contains(t, parts[1].disposition, `filename="pokemon.duckdb"`)
		assert.Equal(t, want, parts[1].body)

		writeJSON(w, http.StatusCreated, map[string]any{"datasource": map[string]any{
			"id": "ds-new", "name": "Pokedex", "project": map[string]any{"id": "proj-1"},
		}})
	})
	c := signedIn(t, fs, Options{})

	ds, err := c.Publish(context.Background(), PublishRequest{Path: path, ProjectID: "proj-1", Name: "Pokedex", Mode: Overwrite})
	require.NoError(t, err)
	assert.Equal(t, "ds-new", ds.ID)
	assert.Equal(t, "proj-1", ds.Project.ID)
}

func TestPublish_ChunkedUpload(t *testing.T) {
	fs := newFakeServer(t)
	path := writeExtract(t, 11)
	want, _ := os.ReadFile(path)

	var mu sync.Mutex
	var uploaded []byte
	chunks := 0
	fs.handle("POST "+sitePrefix()+"/fileUploads", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"fileUpload": map[string]any{"uploadSessionId": "up-1", "fileSize": "0"}})
	})
	fs.handle("PUT "+sitePrefix()+"/fileUploads/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "up-1", r.PathValue("id"))
		parts := readMixed(t, r)
		require.Len(t, parts, 2)
		assert.Contains(t, parts[1].disposition, `name="tableau_file"`)
		mu.Lock()
		uploaded = append(uploaded, parts[1].body...)
		chunks++
		mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"fileUpload": map[string]any{"uploadSessionId": "up-1"}})
	})
	fs.handle("POST "+sitePrefix()+"/datasources", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "up-1", q.Get("uploadSessionId"))
		assert.Equal(t, "true", q.Get("append"))
		parts := readMixed(t, r)
		require.Len(t, parts, 1, "commit carries only the payload")
		assert.Contains(t, string(parts[0].body), `<datasource name="pokemon">`)
		writeJSON(w, http.StatusCreated, map[string]any{"datasource": map[string]any{"id": "ds-big", "name": "pokemon"}})
	})
	c := signedIn(t, fs, Options{ChunkThreshold: 8, ChunkSize: 4})

	ds, err := c.Publish(context.Background(), PublishRequest{Path: path, ProjectID: "proj-1", Mode: Append})
	require.NoError(t, err)
	assert.Equal(t, "ds-big", ds.ID)
	assert.Equal(t, 3, chunks)
	assert.Equal(t, want, uploaded)
}

func TestPublish_Validation(t *testing.T) {
	fs := newFakeServer(t)
	path := writeExtract(t, 4)

	c := newTestClient(t, fs, Options{})
	_, err := c.Publish(context.Background(), PublishRequest{Path: path, ProjectID: "p"})
	require.ErrorIs(t, err, ErrNotSignedIn)

	c = signedIn(t, fs, Options{})
	_, err = c.Publish(context.Background(), PublishRequest{Path: path})
	require.Error(t, err)

	_, err = c.Publish(context.Background(), PublishRequest{Path: path + ".missing", ProjectID: "p"})
	require.Error(t, err)

	noExt := filepath.Join(t.TempDir(), "extract")
	require.NoError(t, os.WriteFile(noExt, []byte("x"), 0o644))
	_, err = c.Publish(context.Background(), PublishRequest{Path: noExt, ProjectID: "p"})
	require.ErrorContains(t, err, "no extension")

	_, err = c.Publish(context.Background(), PublishRequest{Path: path, ProjectID: "p", Mode: "Upsert"})
	require.ErrorContains(t, err, "unknown publish mode")
}

func TestPublish_ConflictSurfacesAPIError(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("POST "+sitePrefix()+"/datasources", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("overwrite"))
		assert.Empty(t, r.URL.Query().Get("append"))
		writeJSON(w, http.StatusConflict, map[string]any{"error": map[string]any{
			"code": "409004", "summary": "Resource Conflict", "detail": "A datasource named 'pokemon' already exists",
		}})
	})
	c := signedIn(t, fs, Options{})

	_, err := c.Publish(context.Background(), PublishRequest{Path: writeExtract(t, 4), ProjectID: "p", Mode: CreateNew})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "409004", apiErr.Code)
	assert.Contains(t, err.Error(), "already exists")
}

func TestParsePublishMode(t *testing.T) {
	tests := []struct {
		in   string
		want PublishMode
	}{
		{"", CreateNew},
		{"createnew", CreateNew},
		{"APPEND", Append},
		{" Overwrite ", Overwrite},
	}
	for _, tc := range tests {
		got, err := ParsePublishMode(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
	_, err := ParsePublishMode("replace")
	require.Error(t, err)
}

func TestDecodeError(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		err := decodeError(404, "application/json", []byte(`{"error":{"summary":"Resource Not Found","detail":"Datasource 'x' could not be found.","code":"404011"}}`))
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "Resource Not Found", apiErr.Summary)
		assert.Equal(t, "404011", apiErr.Code)
	})
	t.Run("html", func(t *testing.T) {
		page := `<!DOCTYPE html><html><head><title>502 Bad Gateway</title><style>body{}</style></head>
<body><h1>Bad Gateway</h1>
<p>The proxy   server received an invalid response.</p><script>track()</script></body></html>`
		err := decodeError(502, "text/html; charset=utf-8", []byte(page))
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "502 Bad Gateway", apiErr.Summary)
		assert.Equal(t, "Bad Gateway The proxy server received an invalid response.", apiErr.Detail)
		assert.NotContains(t, apiErr.Detail, "track")
	})
	t.Run("plain", func(t *testing.T) {
		err := decodeError(503, "text/plain", []byte(strings.Repeat("x", 500)))
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "Service Unavailable", apiErr.Summary)
		assert.True(t, strings.HasSuffix(apiErr.Detail, "..."))
	})
}

func TestInt_UnmarshalJSON(t *testing.T) {
	var p Pagination
	require.NoError(t, json.Unmarshal([]byte(`{"pageNumber":"2","pageSize":100,"totalAvailable":""}`), &p))
	assert.Equal(t, Int(2), p.PageNumber)
	assert.Equal(t, Int(100), p.PageSize)
	assert.Equal(t, Int(0), p.TotalAvailable)
	require.Error(t, json.Unmarshal([]byte(`{"pageNumber":"two"}`), &p))
}
