package manifest

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	manifestcache "github.com/wolfeidau/manifest-cache"
	"github.com/wolfeidau/manifest-cache/backend"
	"github.com/wolfeidau/manifest-cache/upstream"
)

const contentPrefix = "/common/destiny2_content/sqlite/"

// fakeBungie serves a manifest descriptor and one zipped content database
// per language.
type fakeBungie struct {
	t   *testing.T
	srv *httptest.Server

	descriptorCalls atomic.Int32
	archiveCalls    atomic.Int32

	mu        sync.Mutex
	errorCode int
	version   string
	archives  map[string][]byte // request path -> zip bytes
	// gate, when set, blocks the descriptor handler until closed.
	gate chan struct{}
	// archiveHandler, when set, replaces the archive handler.
	archiveHandler http.HandlerFunc
}

func newFakeBungie(t *testing.T) *fakeBungie {
	t.Helper()
	f := &fakeBungie{
		t:         t,
		errorCode: upstream.ErrorCodeSuccess,
		version:   "v1",
		archives:  make(map[string][]byte),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBungie) client() *upstream.Client {
	return upstream.New(upstream.WithBaseURL(f.srv.URL))
}

// contentName returns the content file name the fake serves for lang.
func (f *fakeBungie) contentName(lang manifestcache.Language) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return contentFile(lang, f.version)
}

func contentFile(lang manifestcache.Language, version string) string {
	return "world_sql_content_" + strings.ReplaceAll(string(lang), "-", "_") + "_" + version + ".content"
}

func (f *fakeBungie) setErrorCode(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorCode = code
}

func (f *fakeBungie) setVersion(v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version = v
}

func (f *fakeBungie) setGate(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = ch
}

func (f *fakeBungie) setArchiveHandler(h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archiveHandler = h
}

// serveArchive registers the zip served for lang at the current version.
func (f *fakeBungie) serveArchive(lang manifestcache.Language, data []byte) {
	name := f.contentName(lang)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archives[contentPrefix+string(lang)+"/"+name] = data
}

func (f *fakeBungie) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/Platform/Destiny2/Manifest/" {
		f.serveDescriptor(w, r)
		return
	}

	f.archiveCalls.Add(1)
	f.mu.Lock()
	h := f.archiveHandler
	data, ok := f.archives[r.URL.Path]
	f.mu.Unlock()

	if h != nil {
		h(w, r)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (f *fakeBungie) serveDescriptor(w http.ResponseWriter, r *http.Request) {
	f.descriptorCalls.Add(1)

	f.mu.Lock()
	gate := f.gate
	code := f.errorCode
	version := f.version
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	paths := make(map[string]string)
	for _, lang := range manifestcache.Languages() {
		paths[string(lang)] = contentPrefix + string(lang) + "/" + contentFile(lang, version)
	}

	resp := map[string]any{
		"ErrorCode":       code,
		"ErrorStatus":     "Success",
		"Message":         "Ok",
		"ThrottleSeconds": 0,
	}
	if code == upstream.ErrorCodeSuccess {
		resp["Response"] = map[string]any{
			"version":                 version,
			"mobileWorldContentPaths": paths,
		}
	} else {
		resp["ErrorStatus"] = "SystemDisabled"
		resp["Message"] = "This system is temporarily disabled for maintenance."
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// buildContentDB creates a content database with a WeaponDef table and
// returns its bytes.
func buildContentDB(t *testing.T, rows map[int32]string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "content.sqlite")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE WeaponDef (id INTEGER PRIMARY KEY, json TEXT)`)
	require.NoError(t, err)
	for id, payload := range rows {
		_, err = db.Exec(`INSERT INTO WeaponDef (id, json) VALUES (?, ?)`, id, payload)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// defaultRows are the rows served by the standard fixture.
var defaultRows = map[int32]string{
	1234: `{"name":"Rifle"}`,
	-1:   `{"name":"Max"}`,
	7:    `not json`,
	8:    `[1,2,3]`,
}

// buildZip returns a zip archive containing the given name -> content entries.
func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// serveDefault registers an archive holding the standard content database for
// lang at the current version.
func (f *fakeBungie) serveDefault(lang manifestcache.Language) {
	f.t.Helper()
	db := buildContentDB(f.t, defaultRows)
	f.serveArchive(lang, buildZip(f.t, map[string][]byte{f.contentName(lang): db}))
}

func newTestBackend(t *testing.T) *backend.Filesystem {
	t.Helper()
	b, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return b
}

// dirEntries lists the file names in dir.
func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
