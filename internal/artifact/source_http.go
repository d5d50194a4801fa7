package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
)

// HTTPSource downloads a single file from an http(s) URL.
type HTTPSource struct {
	Client *http.Client
}

func (s HTTPSource) Fetch(ctx context.Context, ref Ref, dir string) error {
	name := path.Base(ref.URL.Path)
	if name == "" || name == "/" || name == "." {
		name = "artifact"
	}
	return downloadFile(ctx, clientOr(s.Client), ref.Raw, ref.URL.String(), nil, filepath.Join(dir, name))
}

// DefaultHubURL is the public HuggingFace hub.
const DefaultHubURL = "https://huggingface.co"

// HubSource downloads repository files from a HuggingFace-compatible hub.
// The file list comes from the model revision API and is filtered by the
// reference's include glob.
type HubSource struct {
	BaseURL     string
	Token       string
	Client      *http.Client
	Concurrency int
}

type hubModelInfo struct {
	Siblings []struct {
		RFilename string `json:"rfilename"`
	} `json:"siblings"`
}

func (s HubSource) Fetch(ctx context.Context, ref Ref, dir string) error {
	base := strings.TrimRight(s.BaseURL, "/")
	if base == "" {
		base = DefaultHubURL
	}
	hdr := http.Header{}
	if s.Token != "" {
		hdr.Set("Authorization", "Bearer "+s.Token)
	}
	cli := clientOr(s.Client)

	files, err := s.listFiles(ctx, cli, base, ref, hdr)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return notFound(ref.Raw, "no files match %q", ref.Include)
	}

	g, gctx := errgroup.WithContext(ctx)
	n := s.Concurrency
	if n <= 0 {
		n = 4
	}
	g.SetLimit(n)
	for _, f := range files {
		f := f
		g.Go(func() error {
			dest := filepath.Join(dir, filepath.FromSlash(f))
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			u := fmt.Sprintf("%s/%s/resolve/%s/%s", base, ref.Repo, url.PathEscape(ref.Revision), escapePath(f))
			return downloadFile(gctx, cli, ref.Raw, u, hdr, dest)
		})
	}
	return g.Wait()
}

func (s HubSource) listFiles(ctx context.Context, cli *http.Client, base string, ref Ref, hdr http.Header) ([]string, error) {
	u := fmt.Sprintf("%s/api/models/%s/revision/%s", base, ref.Repo, url.PathEscape(ref.Revision))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &DownloadError{Ref: ref.Raw, Err: err}
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	resp, err := cli.Do(req)
	if err != nil {
		return nil, &DownloadError{Ref: ref.Raw, Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusUnauthorized:
		return nil, notFound(ref.Raw, "hub returned %s", resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &DownloadError{Ref: ref.Raw, Err: fmt.Errorf("list files: %s: %s", resp.Status, strings.TrimSpace(string(b)))}
	}
	var info hubModelInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&info); err != nil {
		return nil, &DownloadError{Ref: ref.Raw, Err: fmt.Errorf("decode file list: %w", err)}
	}
	var out []string
	for _, sib := range info.Siblings {
		name := sib.RFilename
		if name == "" || !filepath.IsLocal(filepath.FromSlash(name)) {
			continue
		}
		if ref.Include != "" {
			ok, err := doublestar.Match(ref.Include, name)
			if err != nil {
				return nil, notFound(ref.Raw, "bad include pattern: %v", err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, name)
	}
	return out, nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	return strings.Join(parts, "/")
}

func clientOr(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	// No client timeout: downloads are bounded by ctx.
	return &http.Client{}
}

// downloadFile streams u into dest, failing on short bodies.
func downloadFile(ctx context.Context, cli *http.Client, ref, u string, hdr http.Header, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &DownloadError{Ref: ref, Err: err}
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	resp, err := cli.Do(req)
	if err != nil {
		return &DownloadError{Ref: ref, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return notFound(ref, "%s returned %s", u, resp.Status)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DownloadError{Ref: ref, Err: fmt.Errorf("GET %s: %s", u, resp.Status)}
	}
	f, err := os.Create(dest)
	if err != nil {
		return &DownloadError{Ref: ref, Err: err}
	}
	n, err := io.Copy(f, resp.Body)
	if err != nil {
		_ = f.Close()
		return &DownloadError{Ref: ref, Err: err}
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		_ = f.Close()
		return &DownloadError{Ref: ref, Err: fmt.Errorf("short body for %s: got %d of %d bytes", u, n, resp.ContentLength)}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return &DownloadError{Ref: ref, Err: err}
	}
	if err := f.Close(); err != nil {
		return &DownloadError{Ref: ref, Err: err}
	}
	return nil
}
