package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const indexJSON = `{
	"schemaVersion": 2,
	"mediaType": "application/vnd.oci.image.index.v1+json",
	"manifests": [
		{
			"mediaType": "application/vnd.oci.image.manifest.v1+json",
			"digest": "sha256:aaa",
			"size": 100,
			"platform": {"os": "linux", "architecture": "amd64"}
		},
		{
			"mediaType": "application/vnd.oci.image.manifest.v1+json",
			"digest": "sha256:bbb",
			"size": 100,
			"platform": {"os": "linux", "architecture": "arm64", "variant": "v8"}
		}
	]
}`

const manifestJSON = `{
	"schemaVersion": 2,
	"mediaType": "application/vnd.oci.image.manifest.v1+json",
	"config": {"mediaType": "application/vnd.oci.image.config.v1+json", "digest": "sha256:cfg", "size": 10},
	"layers": [{"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip", "digest": "sha256:l1", "size": 20}]
}`

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name      string
		mediaType string
		data      string
		wantIndex bool
	}{
		{"oci index", MediaTypeOCIIndex, indexJSON, true},
		{"docker manifest list", MediaTypeDockerManifestList, indexJSON, true},
		{"oci manifest", MediaTypeOCIManifest, manifestJSON, false},
		{"docker manifest", MediaTypeDockerManifest, manifestJSON, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest(tt.mediaType, []byte(tt.data))
			require.NoError(t, err)

			idx, ok := AsIndex(m)
			assert.Equal(t, tt.wantIndex, ok)
			if tt.wantIndex {
				assert.Len(t, idx.Manifests, 2)
				assert.Equal(t, "sha256:aaa", idx.Manifests[0].Digest)
			}
		})
	}
}

func TestParseManifest_UnknownMediaType(t *testing.T) {
	_, err := ParseManifest("application/vnd.buildkit.cacheconfig.v0", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown manifest media type")
}

func TestParseManifest_FillsMediaTypeFromArgument(t *testing.T) {
	m, err := ParseManifest(MediaTypeDockerManifestList, []byte(`{"schemaVersion": 2, "manifests": []}`))
	require.NoError(t, err)
	assert.Equal(t, MediaTypeDockerManifestList, m.ManifestMediaType())
}

func TestIsManifestMediaType(t *testing.T) {
	assert.True(t, IsManifestMediaType(MediaTypeOCIIndex))
	assert.True(t, IsManifestMediaType(MediaTypeDockerManifest))
	assert.False(t, IsManifestMediaType("application/vnd.buildkit.cacheconfig.v0"))
	assert.False(t, IsManifestMediaType(""))
}

func TestPlatform_String(t *testing.T) {
	assert.Equal(t, "linux/amd64", (&Platform{OS: "linux", Architecture: "amd64"}).String())
	assert.Equal(t, "linux/arm64v8", (&Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}).String())
	assert.Equal(t, "unknown/unknown", (&Platform{}).String())

	var nilPlatform *Platform
	assert.Equal(t, "unknown/unknown", nilPlatform.String())
}
