// Package artifact resolves model references to local, ready-to-serve
// directories, downloading on miss.
//
// Every artifact lives at <root>/<key>. Downloads are staged under
// <root>/.staging and renamed into place only once complete, so a directory at
// the final path is always a whole artifact. Concurrent Resolve calls for the
// same reference share one download.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modelvisor/internal/common/fsutil"
	"modelvisor/internal/common/logging"
)

const stagingDir = ".staging"

// Source fetches the bundle named by ref into dir, which exists and is empty.
// Implementations return *NotFoundError when the source does not know ref.
type Source interface {
	Fetch(ctx context.Context, ref Ref, dir string) error
}

// Config configures a Cache.
type Config struct {
	Root string
	// DefaultScheme is applied to references without a scheme (default "hf").
	DefaultScheme string
	// Sources maps scheme -> Source.
	Sources map[string]Source
	Logger  *zerolog.Logger
}

type flight struct {
	done    chan struct{}
	path    string
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Cache resolves references to published artifact directories.
type Cache struct {
	root          string
	defaultScheme string
	sources       map[string]Source
	log           zerolog.Logger

	mu      sync.Mutex
	flights map[string]*flight
}

// New creates the content root (and its staging area) and removes stale
// staging leftovers from a previous run.
func New(cfg Config) (*Cache, error) {
	root, err := fsutil.ExpandHome(strings.TrimSpace(cfg.Root))
	if err != nil {
		return nil, err
	}
	if root == "" {
		return nil, errors.New("artifact cache root is empty")
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	staging := filepath.Join(root, stagingDir)
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("clean staging: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create content root: %w", err)
	}
	ds := cfg.DefaultScheme
	if ds == "" {
		ds = SchemeHub
	}
	srcs := make(map[string]Source, len(cfg.Sources))
	for k, v := range cfg.Sources {
		srcs[strings.ToLower(k)] = v
	}
	return &Cache{
		root:          root,
		defaultScheme: ds,
		sources:       srcs,
		log:           logging.OrNop(cfg.Logger),
		flights:       make(map[string]*flight),
	}, nil
}

// Root returns the absolute content root.
func (c *Cache) Root() string { return c.root }

// Key returns the directory name used for a canonical reference.
func Key(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), "._")
	if len(name) > 80 {
		name = name[len(name)-80:]
	}
	return name + "-" + hex.EncodeToString(sum[:6])
}

// Path returns where ref is (or would be) published, and whether it is present.
func (c *Cache) Path(raw string) (string, bool, error) {
	ref, err := ParseRef(raw, c.defaultScheme)
	if err != nil {
		return "", false, err
	}
	p := filepath.Join(c.root, Key(ref.Raw))
	return p, isDir(p), nil
}

// Resolve returns the local directory for raw, downloading it if needed.
// The caller's ctx only bounds its own wait; the shared download is canceled
// once every waiter has given up.
func (c *Cache) Resolve(ctx context.Context, raw string) (string, error) {
	ref, err := ParseRef(raw, c.defaultScheme)
	if err != nil {
		return "", err
	}
	key := Key(ref.Raw)
	final := filepath.Join(c.root, key)
	if isDir(final) {
		cacheHits.Inc()
		return final, nil
	}
	src, ok := c.sources[ref.Scheme]
	if !ok {
		return "", notFound(raw, "no source configured for scheme %q", ref.Scheme)
	}

	c.mu.Lock()
	f, inflight := c.flights[key]
	if !inflight {
		if isDir(final) {
			c.mu.Unlock()
			cacheHits.Inc()
			return final, nil
		}
		fctx, cancel := context.WithCancel(context.Background())
		f = &flight{done: make(chan struct{}), cancel: cancel}
		c.flights[key] = f
		cacheMisses.Inc()
		go c.download(fctx, f, key, ref, src, final)
	}
	f.waiters++
	c.mu.Unlock()

	select {
	case <-f.done:
		return f.path, f.err
	case <-ctx.Done():
		c.mu.Lock()
		f.waiters--
		if f.waiters == 0 {
			f.cancel()
			if c.flights[key] == f {
				delete(c.flights, key)
			}
		}
		c.mu.Unlock()
		return "", ctx.Err()
	}
}

func (c *Cache) download(ctx context.Context, f *flight, key string, ref Ref, src Source, final string) {
	start := time.Now()
	c.log.Info().Str("event", "download_start").Str("ref", ref.Raw).Msg("artifact download")
	p, err := c.fetch(ctx, key, ref, src, final)
	result := "ok"
	switch {
	case err == nil:
	case IsNotFound(err):
		result = "not_found"
	default:
		result = "error"
	}
	downloadsTotal.WithLabelValues(ref.Scheme, result).Inc()
	downloadDuration.WithLabelValues(ref.Scheme).Observe(time.Since(start).Seconds())
	if err != nil {
		c.log.Warn().Str("event", "download_fail").Str("ref", ref.Raw).Err(err).Msg("artifact download failed")
	} else {
		c.log.Info().Str("event", "download_done").Str("ref", ref.Raw).Str("path", p).Dur("dur", time.Since(start)).Msg("artifact published")
	}

	c.mu.Lock()
	f.path, f.err = p, err
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	close(f.done)
	c.mu.Unlock()
	f.cancel()
}

func (c *Cache) fetch(ctx context.Context, key string, ref Ref, src Source, final string) (string, error) {
	staging, err := os.MkdirTemp(filepath.Join(c.root, stagingDir), key+"-")
	if err != nil {
		return "", &DownloadError{Ref: ref.Raw, Err: err}
	}
	published := false
	defer func() {
		if !published {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := src.Fetch(ctx, ref, staging); err != nil {
		if IsNotFound(err) || IsDownload(err) {
			return "", err
		}
		return "", &DownloadError{Ref: ref.Raw, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return "", &DownloadError{Ref: ref.Raw, Err: err}
	}
	files, err := listFiles(staging)
	if err != nil {
		return "", &DownloadError{Ref: ref.Raw, Err: err}
	}
	if len(files) == 0 {
		return "", &DownloadError{Ref: ref.Raw, Err: errors.New("source produced an empty artifact")}
	}
	if err := os.Rename(staging, final); err != nil {
		if isDir(final) {
			// published concurrently by another process sharing the root
			return final, nil
		}
		return "", &DownloadError{Ref: ref.Raw, Err: fmt.Errorf("publish: %w", err)}
	}
	published = true
	return final, nil
}

// Evict removes a published artifact. Evicting an absent artifact is a no-op.
func (c *Cache) Evict(raw string) error {
	p, ok, err := c.Path(raw)
	if err != nil || !ok {
		return err
	}
	// rename first so no reader ever sees a half-deleted directory
	tmp, err := os.MkdirTemp(filepath.Join(c.root, stagingDir), "evict-")
	if err != nil {
		return err
	}
	target := filepath.Join(tmp, "a")
	if err := os.Rename(p, target); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	return os.RemoveAll(tmp)
}

// EntryPoint picks the file a backend should load from an artifact directory:
// the only file when there is one, else the largest *.gguf, else the directory.
func EntryPoint(dir string) string {
	files, err := listFiles(dir)
	if err != nil || len(files) == 0 {
		return dir
	}
	if len(files) == 1 {
		return files[0].path
	}
	var best *fileInfo
	for i := range files {
		f := &files[i]
		if !strings.EqualFold(filepath.Ext(f.path), ".gguf") {
			continue
		}
		if best == nil || f.size > best.size {
			best = f
		}
	}
	if best != nil {
		return best.path
	}
	return dir
}

type fileInfo struct {
	path string
	size int64
}

func listFiles(dir string) ([]fileInfo, error) {
	var out []fileInfo
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, fileInfo{path: p, size: fi.Size()})
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, err
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
