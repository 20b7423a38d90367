package remote_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/osmsync/osmsync/internal/overpass"
	"github.com/osmsync/osmsync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestFetchStagesByRename(t *testing.T) {
	defer goleak.VerifyNone(t)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"type":"FeatureCollection"}`))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "boundaries.json")
	op := &remote.Fetch{URL: srv.URL, Dest: dest, Client: srv.Client(), Accept: "application/json"}
	err := remote.Do(context.Background(), op, remote.Policy{Attempts: 5})
	require.NoError(t, err)

	// Two 503s burned two attempts before the payload landed.
	assert.Equal(t, int64(3), hits.Load())
	body, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"FeatureCollection"}`, string(body))
}

func TestFetchLeavesNoPartialFile(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "notes.xml")
	op := &remote.Fetch{URL: srv.URL, Dest: dest, Client: srv.Client()}
	err := remote.Do(context.Background(), op, remote.Policy{Attempts: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestOverpassQueryStagesResponse(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Contains(t, r.Form.Get("data"), "out geom")
		_, _ = w.Write([]byte(`{"elements":[]}`))
	}))
	defer srv.Close()

	client := overpass.NewClient(overpass.ClientConfig{InterpreterURL: srv.URL, Client: srv.Client()})
	dest := filepath.Join(t.TempDir(), "relations.json")
	op := &remote.OverpassQuery{
		Client: client,
		Query:  `relation["boundary"="administrative"];out geom;`,
		Dest:   dest,
	}
	require.NoError(t, remote.Do(context.Background(), op, remote.Policy{Attempts: 1}))

	body, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.JSONEq(t, `{"elements":[]}`, string(body))
}

func TestOSMFetchProbeNeverFailsTheRequest(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Endpoints that reject HEAD must not break the real GET.
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, _ = w.Write([]byte(`<osm version="0.6"></osm>`))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "notes.osm")
	op := &remote.OSMFetch{URL: srv.URL, Dest: dest, Client: srv.Client()}
	require.NoError(t, remote.Do(context.Background(), op, remote.Policy{Attempts: 1}))

	body, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(body), `osm version`)
}

func TestGeoServerCall(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "geoserver", pass)

		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "application/xml", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			assert.Contains(t, string(body), "<featureType>")
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			_, _ = w.Write([]byte(`<layers></layers>`))
		}
	}))
	defer srv.Close()

	post := &remote.GeoServerCall{
		Method:   http.MethodPost,
		URL:      srv.URL + "/rest/workspaces/osm/featuretypes",
		Body:     []byte("<featureType><name>boundaries</name></featureType>"),
		User:     "admin",
		Password: "geoserver",
		Client:   srv.Client(),
	}
	require.NoError(t, remote.Do(context.Background(), post, remote.Policy{Attempts: 1}))
	assert.Equal(t, "geoserver.post", post.Kind())

	var reply bytes.Buffer
	get := &remote.GeoServerCall{
		Method:   http.MethodGet,
		URL:      srv.URL + "/rest/layers",
		User:     "admin",
		Password: "geoserver",
		Client:   srv.Client(),
		Response: &reply,
	}
	require.NoError(t, remote.Do(context.Background(), get, remote.Policy{Attempts: 1}))
	assert.Contains(t, reply.String(), "<layers>")
}

func TestExecRunnerScansForMarkers(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := &remote.ExecRunner{Command: "/bin/sh", StmtFlag: "-c"}

	// A zero exit with a server error banner still counts as a failure.
	err := runner.Run(context.Background(), `printf 'ERROR:  relation "notes" does not exist\n'; exit 0`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERROR:")

	require.NoError(t, runner.Run(context.Background(), `printf 'INSERT 0 42\n'`))

	err = runner.Run(context.Background(), `exit 3`)
	require.Error(t, err)
}
