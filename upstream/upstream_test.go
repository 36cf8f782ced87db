package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const manifestJSON = `{
  "Response": {
    "version": "229767.25.09.23.2000-1-bnet.61234",
    "mobileWorldContentPaths": {
      "en": "/common/destiny2_content/sqlite/en/world_sql_content_4b0b2c5c.content",
      "fr": "/common/destiny2_content/sqlite/fr/world_sql_content_8a1de3c1.content"
    }
  },
  "ErrorCode": 1,
  "ThrottleSeconds": 0,
  "ErrorStatus": "Success",
  "Message": "Ok"
}`

func TestFetchManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Platform/Destiny2/Manifest/", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("X-API-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, manifestJSON)
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL+"/"), WithAPIKey("secret"))
	mr, err := c.FetchManifest(context.Background())
	require.NoError(t, err)
	require.True(t, mr.OK())
	require.Equal(t, "Success", mr.ErrorStatus)
	require.Equal(t, "229767.25.09.23.2000-1-bnet.61234", mr.Response.Version)
	require.Equal(t, "/common/destiny2_content/sqlite/en/world_sql_content_4b0b2c5c.content", mr.Response.MobileWorldContentPaths["en"])
}

func TestFetchManifest_NoAPIKeyHeaderByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("X-API-Key"))
		_, _ = io.WriteString(w, manifestJSON)
	}))
	defer srv.Close()

	_, err := New(WithBaseURL(srv.URL)).FetchManifest(context.Background())
	require.NoError(t, err)
}

func TestFetchManifest_PlatformFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ErrorCode":5,"ErrorStatus":"SystemDisabled","Message":"This system is temporarily disabled for maintenance."}`)
	}))
	defer srv.Close()

	mr, err := New(WithBaseURL(srv.URL)).FetchManifest(context.Background())
	require.NoError(t, err)
	require.False(t, mr.OK())
	require.Equal(t, 5, mr.ErrorCode)
	require.Equal(t, "SystemDisabled", mr.ErrorStatus)
}

func TestFetchManifest_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(WithBaseURL(srv.URL)).FetchManifest(context.Background())
	require.ErrorContains(t, err, "upstream returned 502")
}

func TestFetchManifest_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>")
	}))
	defer srv.Close()

	_, err := New(WithBaseURL(srv.URL)).FetchManifest(context.Background())
	require.ErrorContains(t, err, "decoding manifest")
}

func TestFetchArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/common/en/world.content":
			_, _ = io.WriteString(w, "PK-archive")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))

	rc, err := c.FetchArchive(context.Background(), c.ContentURL("/common/en/world.content"))
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "PK-archive", string(body))

	_, err = c.FetchArchive(context.Background(), c.ContentURL("/common/en/missing.content"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFetchArchive_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	_, err := c.FetchArchive(context.Background(), srv.URL+"/x")
	require.ErrorContains(t, err, "upstream returned 500")
}

func TestFetchArchive_ContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(WithBaseURL(srv.URL)).FetchArchive(ctx, srv.URL+"/slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContentURL(t *testing.T) {
	c := New(WithBaseURL("https://www.bungie.net/"))

	require.Equal(t, "https://www.bungie.net", c.BaseURL())
	require.Equal(t, "https://www.bungie.net/common/a.content", c.ContentURL("/common/a.content"))
	require.Equal(t, "https://www.bungie.net/common/a.content", c.ContentURL("common/a.content"))
	require.Equal(t, "https://cdn.example.com/a.content", c.ContentURL("https://cdn.example.com/a.content"))
}

func TestWithHTTPClient(t *testing.T) {
	hc := &http.Client{Timeout: time.Second}
	c := New(WithHTTPClient(hc))
	require.Same(t, hc, c.client)
}
