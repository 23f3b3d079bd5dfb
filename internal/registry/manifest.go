// Package registry is a minimal client for the OCI distribution
// protocol, covering manifest fetches with bearer token auth. It is
// just enough to walk multi-arch image indices, not a general registry
// client.
package registry

import (
	"encoding/json"
	"fmt"
	"strings"
)

// The four manifest media types the client understands. Anything else
// is rejected as an unknown format.
const (
	MediaTypeOCIIndex           = "application/vnd.oci.image.index.v1+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeOCIManifest        = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
)

var acceptHeader = strings.Join([]string{
	MediaTypeOCIIndex,
	MediaTypeDockerManifestList,
	MediaTypeOCIManifest,
	MediaTypeDockerManifest,
}, ", ")

// IsManifestMediaType reports whether the media type is one of the
// four supported manifest formats.
func IsManifestMediaType(mediaType string) bool {
	switch mediaType {
	case MediaTypeOCIIndex, MediaTypeDockerManifestList,
		MediaTypeOCIManifest, MediaTypeDockerManifest:
		return true
	}
	return false
}

// Platform identifies the target of a platform-specific manifest.
type Platform struct {
	Architecture string   `json:"architecture"`
	OS           string   `json:"os"`
	OSVersion    string   `json:"os.version,omitempty"`
	OSFeatures   []string `json:"os.features,omitempty"`
	Variant      string   `json:"variant,omitempty"`
}

func (p *Platform) String() string {
	if p == nil {
		return "unknown/unknown"
	}
	os := p.OS
	if os == "" {
		os = "unknown"
	}
	arch := p.Architecture
	if arch == "" {
		arch = "unknown"
	}
	return os + "/" + arch + p.Variant
}

// Descriptor is a content descriptor referencing another manifest or
// blob by digest.
type Descriptor struct {
	MediaType string    `json:"mediaType"`
	Digest    string    `json:"digest"`
	Size      int64     `json:"size"`
	Platform  *Platform `json:"platform,omitempty"`
}

// Manifest is the closed union over the four manifest shapes,
// discriminated by media type. Use AsIndex to narrow to the multi-arch
// variants.
type Manifest interface {
	ManifestMediaType() string
}

// ImageIndex is a multi-arch index: an OCI image index or a Docker
// manifest list. Its descriptors reference per-platform manifests
// fetchable at repository@digest.
type ImageIndex struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Manifests     []Descriptor `json:"manifests"`
}

// ManifestMediaType implements Manifest.
func (i *ImageIndex) ManifestMediaType() string { return i.MediaType }

// ImageManifest is a single-platform manifest: an OCI image manifest
// or a Docker v2.2 manifest.
type ImageManifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
}

// ManifestMediaType implements Manifest.
func (m *ImageManifest) ManifestMediaType() string { return m.MediaType }

// AsIndex narrows a Manifest to its multi-arch variant, if it is one.
func AsIndex(m Manifest) (*ImageIndex, bool) {
	idx, ok := m.(*ImageIndex)
	return idx, ok
}

// ParseManifest decodes manifest JSON into the variant selected by the
// media type. An unrecognized media type is a hard error.
func ParseManifest(mediaType string, data []byte) (Manifest, error) {
	switch mediaType {
	case MediaTypeOCIIndex, MediaTypeDockerManifestList:
		var idx ImageIndex
		if err := json.Unmarshal(data, &idx); err != nil {
			return nil, fmt.Errorf("parsing image index: %w", err)
		}
		if idx.MediaType == "" {
			idx.MediaType = mediaType
		}
		return &idx, nil
	case MediaTypeOCIManifest, MediaTypeDockerManifest:
		var m ImageManifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing image manifest: %w", err)
		}
		if m.MediaType == "" {
			m.MediaType = mediaType
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown manifest media type %q", mediaType)
	}
}
