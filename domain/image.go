package domain

import "time"

// PullToken is a registry bearer token cached across pull invocations.
//
// Invariant: IsExpired() is true once now >= IssuedAt+ExpiresIn-60s. The
// 60s margin absorbs clock skew and the round trip of the request the
// token is about to authorize.
type PullToken struct {
	Token     string    `json:"token"`
	ExpiresIn int       `json:"expires_in"`
	IssuedAt  time.Time `json:"issued_at"`
}

// IsExpired reports whether the token should be treated as unusable.
func (t PullToken) IsExpired(now time.Time) bool {
	deadline := t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second).Add(-60 * time.Second)
	return !now.Before(deadline)
}

// MediaDescriptor pairs a digest with its OCI/Docker media type, used for
// both the manifest's config and its layers.
type MediaDescriptor struct {
	Digest    Digest `json:"digest"`
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
}

// Manifest is the resolved, single-platform image manifest. Layers is
// ordered bottom-to-top: index 0 is the first layer applied to the root.
type Manifest struct {
	Registry string            `json:"registry"`
	Repo     string            `json:"repo"`
	Digest   Digest            `json:"digest"`
	Config   MediaDescriptor   `json:"config"`
	Layers   []MediaDescriptor `json:"layers"`
}

// ImageRuntimeConfig mirrors the subset of the OCI image config's "config"
// object that pbcr needs to build a command line.
type ImageRuntimeConfig struct {
	Entrypoint []string          `json:"Entrypoint,omitempty"`
	Cmd        []string          `json:"Cmd,omitempty"`
	Env        []string          `json:"Env,omitempty"`
	WorkingDir string            `json:"WorkingDir,omitempty"`
	Labels     map[string]string `json:"Labels,omitempty"`
}

// ImageConfig is the image's config.json plus the uids/gids discovered
// post-pull by scanning the merged rootfs for /etc/passwd and /etc/group.
type ImageConfig struct {
	Architecture string             `json:"architecture"`
	OS           string             `json:"os"`
	Config       ImageRuntimeConfig `json:"config"`
	RootFS       struct {
		Type    string   `json:"type"`
		DiffIDs []Digest `json:"diff_ids"`
	} `json:"rootfs"`
	History []map[string]interface{} `json:"history,omitempty"`

	// Uids/Gids are populated after a fresh pull (see image.Resolver) and
	// are the ids the uid/gid mapper must map through for this image.
	Uids []string `json:"uids,omitempty"`
	Gids []string `json:"gids,omitempty"`
}

// ImageLayer is one extracted layer: its digest and the directory holding
// its extracted contents, ready to be used as an overlay lowerdir entry.
type ImageLayer struct {
	Digest Digest `json:"digest"`
	Path   string `json:"path"`
}

// Image is a fully resolved, locally available image: manifest, config and
// every layer extracted to disk.
type Image struct {
	Registry string
	Manifest Manifest
	Config   ImageConfig
	Layers   []ImageLayer
}

// Name returns the image's repository path, without registry host or tag,
// e.g. "library/alpine".
func (i Image) Name() string {
	return i.Manifest.Repo
}

// ImageSummary is the index record stored in images.json, what `pbcr
// images` iterates over.
type ImageSummary struct {
	Digest   Digest   `json:"digest"`
	Registry string   `json:"registry"`
	Name     string   `json:"name"`
	Tags     []string `json:"tags"`
}
