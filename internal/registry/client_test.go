package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registryStub is an httptest registry speaking just enough of the
// distribution token auth extension for the client tests.
type registryStub struct {
	t            *testing.T
	server       *httptest.Server
	token        string
	tokenCalls   atomic.Int32
	manifest     string
	mediaType    string
	noChallenge  bool
	badChallenge bool
	emptyToken   bool
}

func newRegistryStub(t *testing.T) *registryStub {
	s := &registryStub{
		t:         t,
		token:     "stub-token",
		manifest:  indexJSON,
		mediaType: MediaTypeOCIIndex,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		s.tokenCalls.Add(1)
		assert.NotEmpty(t, r.URL.Query().Get("scope"))
		assert.NotEmpty(t, r.URL.Query().Get("service"))
		if s.emptyToken {
			fmt.Fprint(w, `{"expires_in": 300}`)
			return
		}
		fmt.Fprintf(w, `{"token": %q, "expires_in": 300}`, s.token)
	})
	mux.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.token {
			if s.noChallenge {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			challenge := fmt.Sprintf(`Bearer realm="%s/token",service="registry.test"`, s.server.URL)
			if s.badChallenge {
				challenge = `Bearer nonsense`
			}
			w.Header().Set("Www-Authenticate", challenge)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.Contains(r.URL.Path, "/manifests/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", s.mediaType)
		fmt.Fprint(w, s.manifest)
	})
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func (s *registryStub) client() *Client {
	return NewClient("ghcr.io", "pat", WithBaseURL(s.server.URL))
}

func TestClient_GetManifest_ChallengeFlow(t *testing.T) {
	stub := newRegistryStub(t)
	client := stub.client()

	m, err := client.GetManifest(context.Background(), "acme/app", "latest")
	require.NoError(t, err)

	idx, ok := AsIndex(m)
	require.True(t, ok)
	assert.Len(t, idx.Manifests, 2)
	assert.Equal(t, int32(1), stub.tokenCalls.Load())
}

func TestClient_GetManifest_TokenReusedAcrossRequests(t *testing.T) {
	stub := newRegistryStub(t)
	client := stub.client()

	_, err := client.GetManifest(context.Background(), "acme/app", "latest")
	require.NoError(t, err)
	_, err = client.GetManifest(context.Background(), "acme/app", "sha256:aaa")
	require.NoError(t, err)

	// Same scope: one challenge round trip total.
	assert.Equal(t, int32(1), stub.tokenCalls.Load())
}

func TestClient_GetManifest_ExpiredTokenRenewed(t *testing.T) {
	stub := newRegistryStub(t)
	client := stub.client()

	_, err := client.GetManifest(context.Background(), "acme/app", "latest")
	require.NoError(t, err)

	// Jump past the expiry; the next request must re-challenge.
	client.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	_, err = client.GetManifest(context.Background(), "acme/app", "latest")
	require.NoError(t, err)
	assert.Equal(t, int32(2), stub.tokenCalls.Load())
}

func TestClient_GetManifest_DistinctScopes(t *testing.T) {
	stub := newRegistryStub(t)
	client := stub.client()

	_, err := client.GetManifest(context.Background(), "acme/app", "latest")
	require.NoError(t, err)
	_, err = client.GetManifest(context.Background(), "acme/other", "latest")
	require.NoError(t, err)

	assert.Equal(t, int32(2), stub.tokenCalls.Load())
}

func TestClient_GetManifest_MalformedChallenge(t *testing.T) {
	stub := newRegistryStub(t)
	stub.badChallenge = true
	client := stub.client()

	_, err := client.GetManifest(context.Background(), "acme/app", "latest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed Www-Authenticate challenge")
}

func TestClient_GetManifest_TokenResponseMissingToken(t *testing.T) {
	stub := newRegistryStub(t)
	stub.emptyToken = true
	client := stub.client()

	_, err := client.GetManifest(context.Background(), "acme/app", "latest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing token field")
}

func TestClient_GetManifest_UnknownMediaType(t *testing.T) {
	stub := newRegistryStub(t)
	stub.mediaType = "application/vnd.buildkit.cacheconfig.v0"
	client := stub.client()

	_, err := client.GetManifest(context.Background(), "acme/app", "latest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown manifest media type")
}

func TestClient_GetManifest_MediaTypeFromBodyFallback(t *testing.T) {
	stub := newRegistryStub(t)
	stub.mediaType = "" // no usable Content-Type header
	stub.manifest = manifestJSON
	client := stub.client()

	m, err := client.GetManifest(context.Background(), "acme/app", "latest")
	require.NoError(t, err)
	assert.Equal(t, MediaTypeOCIManifest, m.ManifestMediaType())
}

func TestClient_GetManifest_InvalidRepository(t *testing.T) {
	stub := newRegistryStub(t)
	client := stub.client()

	_, err := client.GetManifest(context.Background(), "NOT VALID", "latest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid repository")
}

func TestContentMediaType(t *testing.T) {
	assert.Equal(t, MediaTypeOCIIndex, contentMediaType(MediaTypeOCIIndex+"; charset=utf-8"))
	assert.Equal(t, MediaTypeOCIIndex, contentMediaType(MediaTypeOCIIndex))
	assert.Equal(t, "", contentMediaType(""))
}

func TestCachedToken_Valid(t *testing.T) {
	now := time.Now()
	assert.True(t, CachedToken{Token: "x", ExpiresAt: now.Add(time.Minute)}.Valid(now))
	assert.False(t, CachedToken{Token: "x", ExpiresAt: now.Add(-time.Minute)}.Valid(now))
	assert.False(t, CachedToken{ExpiresAt: now.Add(time.Minute)}.Valid(now))
}
