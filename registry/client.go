// Package registry implements the OCI Distribution v2 wire protocol pbcr
// needs to pull images from Docker Hub: bearer-token auth, manifest-list
// negotiation, and layer blob fetch. It backs image.Resolver; nothing
// here knows about overlay paths or local caching — that separation is
// left to the caller.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tehasdf/pbcr/domain"
)

// ErrNotFound is returned when the registry responds 404 to a manifest
// request, distinguishing "no such repo/tag" from any other registry
// failure.
var ErrNotFound = errors.New("registry: manifest not found")

const (
	defaultAuthBase     = "https://auth.docker.io"
	defaultRegistryBase = "https://registry-1.docker.io"
	defaultService      = "registry.docker.io"

	manifestListMediaType  = "application/vnd.docker.distribution.manifest.list.v2+json"
	manifestV2MediaType    = "application/vnd.docker.distribution.manifest.v2+json"
	ociManifestListType    = "application/vnd.oci.image.index.v1+json"
	ociManifestMediaType   = "application/vnd.oci.image.manifest.v1+json"
	wantedArch             = "amd64"
	wantedOS               = "linux"
)

// Client is an OCI Distribution v2 client scoped to a single registry.
type Client struct {
	HTTP         *http.Client
	AuthBase     string
	RegistryBase string
	Service      string
}

// NewClient returns a Client configured for Docker Hub.
func NewClient() *Client {
	return &Client{
		HTTP:         &http.Client{Timeout: 30 * time.Second},
		AuthBase:     defaultAuthBase,
		RegistryBase: defaultRegistryBase,
		Service:      defaultService,
	}
}

// tokenResponse is the wire shape of the auth endpoint's JSON body.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token requests a pull-scoped bearer token for repo (e.g.
// "library/alpine").
func (c *Client) Token(ctx context.Context, repo string) (domain.PullToken, error) {
	url := fmt.Sprintf("%s/token?service=%s&scope=repository:%s:pull", c.AuthBase, c.Service, repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.PullToken{}, fmt.Errorf("registry: building token request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return domain.PullToken{}, fmt.Errorf("registry: fetching token for %s: %w", repo, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.PullToken{}, fmt.Errorf("registry: token request for %s: status %d", repo, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return domain.PullToken{}, fmt.Errorf("registry: decoding token response: %w", err)
	}

	tok := tr.Token
	if tok == "" {
		tok = tr.AccessToken
	}
	if tok == "" {
		return domain.PullToken{}, fmt.Errorf("registry: token response for %s had no token", repo)
	}
	if tr.ExpiresIn == 0 {
		tr.ExpiresIn = 300
	}

	return domain.PullToken{Token: tok, ExpiresIn: tr.ExpiresIn, IssuedAt: time.Now()}, nil
}

// platformManifest is the subset of an OCI/Docker manifest-list entry
// needed to pick the amd64/linux image.
type platformManifest struct {
	Digest   string `json:"digest"`
	Platform struct {
		Architecture string `json:"architecture"`
		OS           string `json:"os"`
	} `json:"platform"`
}

type manifestListBody struct {
	Manifests []platformManifest `json:"manifests"`
}

type manifestBody struct {
	Config struct {
		MediaType string `json:"mediaType"`
		Digest    string `json:"digest"`
		Size      int64  `json:"size"`
	} `json:"config"`
	Layers []struct {
		MediaType string `json:"mediaType"`
		Digest    string `json:"digest"`
		Size      int64  `json:"size"`
	} `json:"layers"`
}

// Manifest fetches and, if necessary, negotiates down a manifest list to
// the amd64/linux platform manifest for repo:reference.
func (c *Client) Manifest(ctx context.Context, repo, reference string, token domain.PullToken) (domain.Manifest, error) {
	body, digest, err := c.getManifest(ctx, repo, reference, token, true)
	if err != nil {
		return domain.Manifest{}, err
	}

	var list manifestListBody
	if err := json.Unmarshal(body, &list); err == nil && len(list.Manifests) > 0 {
		target, err := selectPlatform(list.Manifests)
		if err != nil {
			return domain.Manifest{}, err
		}
		body, digest, err = c.getManifest(ctx, repo, target, token, false)
		if err != nil {
			return domain.Manifest{}, err
		}
	}

	var mb manifestBody
	if err := json.Unmarshal(body, &mb); err != nil {
		return domain.Manifest{}, fmt.Errorf("registry: parsing manifest for %s: %w", repo, err)
	}

	cfgDigest, err := domain.NewDigest(mb.Config.Digest)
	if err != nil {
		return domain.Manifest{}, fmt.Errorf("registry: manifest config digest: %w", err)
	}

	m := domain.Manifest{
		Registry: c.RegistryBase,
		Repo:     repo,
		Digest:   digest,
		Config: domain.MediaDescriptor{
			Digest:    cfgDigest,
			MediaType: mb.Config.MediaType,
			Size:      mb.Config.Size,
		},
	}

	for _, l := range mb.Layers {
		d, err := domain.NewDigest(l.Digest)
		if err != nil {
			return domain.Manifest{}, fmt.Errorf("registry: layer digest: %w", err)
		}
		m.Layers = append(m.Layers, domain.MediaDescriptor{Digest: d, MediaType: l.MediaType, Size: l.Size})
	}

	return m, nil
}

// getManifest fetches repo:reference and returns its raw body and resolved
// digest. acceptList controls whether manifest-list media types are
// requested alongside single-platform ones.
func (c *Client) getManifest(ctx context.Context, repo, reference string, token domain.PullToken, acceptList bool) ([]byte, domain.Digest, error) {
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.RegistryBase, repo, reference)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("registry: building manifest request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Token)

	accept := []string{manifestV2MediaType, ociManifestMediaType}
	if acceptList {
		accept = append(accept, manifestListMediaType, ociManifestListType)
	}
	req.Header.Set("Accept", strings.Join(accept, ", "))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("registry: fetching manifest %s:%s: %w", repo, reference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", fmt.Errorf("registry: manifest %s:%s: %w", repo, reference, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("registry: manifest %s:%s: status %d", repo, reference, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("registry: reading manifest %s:%s: %w", repo, reference, err)
	}

	digestHeader := resp.Header.Get("Docker-Content-Digest")
	var digest domain.Digest
	if digestHeader != "" {
		digest, _ = domain.NewDigest(digestHeader)
	}

	return body, digest, nil
}

func selectPlatform(manifests []platformManifest) (string, error) {
	for _, m := range manifests {
		if m.Platform.Architecture == wantedArch && m.Platform.OS == wantedOS {
			return m.Digest, nil
		}
	}
	return "", fmt.Errorf("registry: no %s/%s manifest in list", wantedOS, wantedArch)
}

// FetchBlob streams the blob identified by digest from repo, invoking
// write with each chunk read. Callers (image.Resolver) pipe this through
// gzip+tar extraction; this function knows only the HTTP half of the
// protocol.
func (c *Client) FetchBlob(ctx context.Context, repo string, digest domain.Digest, token domain.PullToken, write func([]byte) error) error {
	url := fmt.Sprintf("%s/v2/%s/blobs/%s", c.RegistryBase, repo, digest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("registry: building blob request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("registry: fetching blob %s: %w", digest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry: blob %s: status %d", digest, resp.StatusCode)
	}

	buf := make([]byte, 64*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if werr := write(buf[:n]); werr != nil {
				return fmt.Errorf("registry: writing blob %s: %w", digest, werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("registry: reading blob %s: %w", digest, rerr)
		}
	}

	logrus.WithFields(logrus.Fields{"repo": repo, "digest": digest}).Debug("blob fetched")
	return nil
}
