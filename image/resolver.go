// Package image resolves an image reference ("alpine", "library/nginx:1.25")
// to a locally available domain.Image, pulling and extracting it through
// registry.Client when it isn't already cached. The wire protocol itself
// lives in package registry; this package's job is reference parsing,
// digest-keyed caching, bearer-token reuse and layer-to-disk extraction.
package image

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/pkg/archive"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/tehasdf/pbcr/domain"
	"github.com/tehasdf/pbcr/registry"
	"github.com/tehasdf/pbcr/store"
)

const defaultRegistryHost = "docker.io"
const defaultTag = "latest"
const defaultNamespace = "library"

// ErrNotFound wraps registry.ErrNotFound so callers that only import
// package image (not registry) can still distinguish "no such image"
// from any other resolve failure.
var ErrNotFound = registry.ErrNotFound

// Reference is a parsed image reference: registry/repo:tag.
type Reference struct {
	Registry string
	Repo     string
	Tag      string
}

// Name renders the registry-qualified index name, e.g.
// "docker.io/library/alpine" (domain.Image.Name omits the registry host).
func (r Reference) Name() string {
	return fmt.Sprintf("%s/%s", r.Registry, r.Repo)
}

// ParseReference parses a CLI-facing image name: an optional leading
// "docker.io/" is stripped (the registry host isn't part of the repo path
// the registry API itself takes), a bare remainder defaults to
// library/<name>:latest, and an explicit "repo:tag" splits on the last
// colon after any slash.
func ParseReference(name string) Reference {
	ref := Reference{Registry: defaultRegistryHost, Tag: defaultTag}

	rest := strings.TrimPrefix(name, defaultRegistryHost+"/")

	repo := rest
	if idx := strings.LastIndex(rest, ":"); idx > strings.LastIndex(rest, "/") {
		repo = rest[:idx]
		ref.Tag = rest[idx+1:]
	}

	if !strings.Contains(repo, "/") {
		repo = defaultNamespace + "/" + repo
	}
	ref.Repo = repo

	return ref
}

// Resolver resolves, pulls and caches images on the local filesystem under
// layersDir, indexing them in an ImageStore and reusing bearer tokens
// across invocations via a TokenStore.
type Resolver struct {
	fs        afero.Fs
	client    *registry.Client
	images    *store.ImageStore
	tokens    *store.TokenStore
	layersDir string
}

// NewResolver builds a Resolver. layersDir is the directory extracted
// layers are written under, one subdirectory per layer digest.
func NewResolver(fs afero.Fs, client *registry.Client, images *store.ImageStore, tokens *store.TokenStore, layersDir string) *Resolver {
	return &Resolver{fs: fs, client: client, images: images, tokens: tokens, layersDir: layersDir}
}

// Resolve returns a locally available domain.Image for name. It always
// authenticates and fetches the manifest (reusing a cached bearer token
// when one hasn't expired), then skips the layer pull entirely when the
// resolved manifest digest is already indexed and its layer directories
// are still present on disk.
func (r *Resolver) Resolve(ctx context.Context, name string) (domain.Image, error) {
	ref := ParseReference(name)

	token, err := r.tokenFor(ctx, ref.Repo)
	if err != nil {
		return domain.Image{}, fmt.Errorf("image: %w", err)
	}

	manifest, err := r.client.Manifest(ctx, ref.Repo, ref.Tag, token)
	if err != nil {
		return domain.Image{}, fmt.Errorf("image: %w", err)
	}
	manifest.Registry = ref.Registry

	if summary, ok := r.images.Get(manifest.Digest); ok {
		if img, ok, err := r.loadCached(ref, summary); err != nil {
			return domain.Image{}, err
		} else if ok {
			logrus.WithField("image", ref.Name()).Debug("image resolved from cache")
			return img, nil
		}
	}

	return r.pull(ctx, ref, token, manifest)
}

// tokenFor returns a usable bearer token for repo, reusing the cached one
// when it hasn't expired and fetching (and caching) a fresh one otherwise.
func (r *Resolver) tokenFor(ctx context.Context, repo string) (domain.PullToken, error) {
	if tok, ok := r.tokens.Get(repo); ok && !tok.IsExpired(time.Now()) {
		return tok, nil
	}

	tok, err := r.client.Token(ctx, repo)
	if err != nil {
		return domain.PullToken{}, err
	}
	if err := r.tokens.Upsert(repo, tok); err != nil {
		return domain.PullToken{}, fmt.Errorf("caching token for %s: %w", repo, err)
	}
	return tok, nil
}

// loadCached reconstructs a domain.Image purely from what's already on
// disk for a previously-pulled summary, without touching the network.
func (r *Resolver) loadCached(ref Reference, summary domain.ImageSummary) (domain.Image, bool, error) {
	metaDir := filepath.Join(r.layersDir, summary.Digest.Hex())

	manifest, ok, err := readManifest(r.fs, metaDir)
	if err != nil || !ok {
		return domain.Image{}, false, err
	}

	cfg, ok, err := readConfig(r.fs, metaDir)
	if err != nil || !ok {
		return domain.Image{}, false, err
	}

	layers := make([]domain.ImageLayer, 0, len(manifest.Layers))
	for _, desc := range manifest.Layers {
		dir := filepath.Join(r.layersDir, desc.Digest.Hex())
		exists, err := afero.DirExists(r.fs, dir)
		if err != nil {
			return domain.Image{}, false, err
		}
		if !exists {
			// A layer directory went missing (e.g. manually pruned); treat
			// the whole cache entry as invalid and fall back to a pull.
			return domain.Image{}, false, nil
		}
		layers = append(layers, domain.ImageLayer{Digest: desc.Digest, Path: dir})
	}

	return domain.Image{Registry: ref.Registry, Manifest: manifest, Config: cfg, Layers: layers}, true, nil
}

// pull fetches config and every layer for the already-resolved manifest,
// extracting each layer tarball into its own directory under layersDir.
func (r *Resolver) pull(ctx context.Context, ref Reference, token domain.PullToken, manifest domain.Manifest) (domain.Image, error) {
	cfg, err := r.fetchConfig(ctx, ref.Repo, manifest, token)
	if err != nil {
		return domain.Image{}, fmt.Errorf("image: %w", err)
	}

	layers := make([]domain.ImageLayer, 0, len(manifest.Layers))
	for _, desc := range manifest.Layers {
		dir, err := r.fetchLayer(ctx, ref.Repo, desc, token)
		if err != nil {
			return domain.Image{}, fmt.Errorf("image: %w", err)
		}
		layers = append(layers, domain.ImageLayer{Digest: desc.Digest, Path: dir})
	}

	uids, gids, err := scanIDs(r.fs, layers)
	if err != nil {
		return domain.Image{}, fmt.Errorf("image: scanning image ids: %w", err)
	}
	cfg.Uids = uids
	cfg.Gids = gids

	img := domain.Image{
		Registry: ref.Registry,
		Manifest: manifest,
		Config:   cfg,
		Layers:   layers,
	}

	if err := r.persistMetadata(manifest, cfg); err != nil {
		return domain.Image{}, fmt.Errorf("image: %w", err)
	}

	if err := r.images.Upsert(domain.ImageSummary{
		Digest:   manifest.Digest,
		Registry: ref.Registry,
		Name:     ref.Name(),
		Tags:     []string{ref.Tag},
	}); err != nil {
		return domain.Image{}, fmt.Errorf("image: indexing %s: %w", ref.Name(), err)
	}

	logrus.WithFields(logrus.Fields{"image": ref.Name(), "tag": ref.Tag, "layers": len(layers)}).Info("image pulled")
	return img, nil
}

// persistMetadata writes manifest.json and config.json under the
// manifest-digest-keyed directory, so a later Resolve can reconstruct the
// image without re-contacting the registry.
func (r *Resolver) persistMetadata(manifest domain.Manifest, cfg domain.ImageConfig) error {
	metaDir := filepath.Join(r.layersDir, manifest.Digest.Hex())
	if err := r.fs.MkdirAll(metaDir, 0o755); err != nil {
		return fmt.Errorf("creating metadata dir %s: %w", metaDir, err)
	}

	manifestRaw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := afero.WriteFile(r.fs, filepath.Join(metaDir, "manifest.json"), manifestRaw, 0o644); err != nil {
		return fmt.Errorf("writing manifest.json: %w", err)
	}

	cfgRaw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := afero.WriteFile(r.fs, filepath.Join(metaDir, "config.json"), cfgRaw, 0o644); err != nil {
		return fmt.Errorf("writing config.json: %w", err)
	}

	return nil
}

func readManifest(fs afero.Fs, metaDir string) (domain.Manifest, bool, error) {
	path := filepath.Join(metaDir, "manifest.json")
	ok, err := afero.Exists(fs, path)
	if err != nil || !ok {
		return domain.Manifest{}, false, err
	}
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return domain.Manifest{}, false, err
	}
	var m domain.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.Manifest{}, false, err
	}
	return m, true, nil
}

func readConfig(fs afero.Fs, metaDir string) (domain.ImageConfig, bool, error) {
	path := filepath.Join(metaDir, "config.json")
	ok, err := afero.Exists(fs, path)
	if err != nil || !ok {
		return domain.ImageConfig{}, false, err
	}
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return domain.ImageConfig{}, false, err
	}
	var c domain.ImageConfig
	if err := json.Unmarshal(raw, &c); err != nil {
		return domain.ImageConfig{}, false, err
	}
	return c, true, nil
}

func (r *Resolver) fetchConfig(ctx context.Context, repo string, manifest domain.Manifest, token domain.PullToken) (domain.ImageConfig, error) {
	var buf []byte
	err := r.client.FetchBlob(ctx, repo, manifest.Config.Digest, token, func(chunk []byte) error {
		buf = append(buf, chunk...)
		return nil
	})
	if err != nil {
		return domain.ImageConfig{}, err
	}

	var cfg domain.ImageConfig
	if err := unmarshalConfig(buf, &cfg); err != nil {
		return domain.ImageConfig{}, fmt.Errorf("parsing image config: %w", err)
	}
	return cfg, nil
}

// fetchLayer streams, gunzips and extracts one layer tarball into a fresh
// directory keyed by its digest.
func (r *Resolver) fetchLayer(ctx context.Context, repo string, desc domain.MediaDescriptor, token domain.PullToken) (string, error) {
	dir := filepath.Join(r.layersDir, desc.Digest.Hex())
	if ok, err := afero.DirExists(r.fs, dir); err == nil && ok {
		return dir, nil
	}
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating layer dir %s: %w", dir, err)
	}

	pr, pw := io.Pipe()
	go func() {
		err := r.client.FetchBlob(ctx, repo, desc.Digest, token, func(chunk []byte) error {
			_, err := pw.Write(chunk)
			return err
		})
		pw.CloseWithError(err)
	}()

	gz, err := gzip.NewReader(pr)
	if err != nil {
		return "", fmt.Errorf("opening gzip stream for layer %s: %w", desc.Digest, err)
	}
	defer gz.Close()

	if err := archive.Untar(gz, dir, &archive.TarOptions{NoLchown: true}); err != nil {
		return "", fmt.Errorf("extracting layer %s: %w", desc.Digest, err)
	}

	return dir, nil
}

// scanIDs walks each layer's extracted /etc/passwd and /etc/group,
// collecting the uid/gid strings the image's processes reference. Layers
// are scanned bottom-to-top so later layers' copies shadow earlier ones,
// same as the overlay mount order a container would actually see.
func scanIDs(fs afero.Fs, layers []domain.ImageLayer) ([]string, []string, error) {
	var uids, gids []string

	for _, layer := range layers {
		if ids, err := readIDColumn(fs, filepath.Join(layer.Path, "etc", "passwd")); err == nil {
			uids = ids
		}
		if ids, err := readIDColumn(fs, filepath.Join(layer.Path, "etc", "group")); err == nil {
			gids = ids
		}
	}

	return uids, gids, nil
}

// readIDColumn extracts the third colon-delimited field (uid or gid) from
// each line of an /etc/passwd or /etc/group style file.
func readIDColumn(fs afero.Fs, path string) ([]string, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 3 {
			continue
		}
		ids = append(ids, fields[2])
	}
	return ids, nil
}

func unmarshalConfig(raw []byte, cfg *domain.ImageConfig) error {
	return json.Unmarshal(raw, cfg)
}
