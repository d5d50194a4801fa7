package artifact

import (
	"net/url"
	"path"
	"strings"
)

// Supported reference schemes.
const (
	SchemeFile  = "file"
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeHub   = "hf"
	SchemeS3    = "s3"
)

// Ref is a parsed artifact reference.
//
//	file:///abs/path[/dir]
//	https://host/path/model.gguf
//	hf://org/repo[@revision][?include=glob]
//	s3://bucket/prefix
type Ref struct {
	Raw    string // canonical string, used as the cache key
	Scheme string
	URL    *url.URL

	// Hub fields.
	Repo     string
	Revision string
	Include  string

	// S3 fields.
	Bucket string
	Prefix string
}

// ParseRef parses raw, applying defaultScheme when raw carries none.
func ParseRef(raw, defaultScheme string) (Ref, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Ref{}, notFound(raw, "empty reference")
	}
	if !strings.Contains(s, "://") {
		if defaultScheme == "" {
			defaultScheme = SchemeHub
		}
		if strings.HasPrefix(s, "/") && defaultScheme == SchemeFile {
			s = SchemeFile + "://" + s
		} else {
			s = defaultScheme + "://" + s
		}
	}
	u, err := url.Parse(s)
	if err != nil {
		return Ref{}, notFound(raw, "parse: %v", err)
	}
	r := Ref{Scheme: strings.ToLower(u.Scheme), URL: u}
	switch r.Scheme {
	case SchemeFile:
		if u.Host != "" && u.Host != "localhost" {
			return Ref{}, notFound(raw, "file reference must be an absolute path")
		}
		if !path.IsAbs(u.Path) {
			return Ref{}, notFound(raw, "file reference must be an absolute path")
		}
	case SchemeHTTP, SchemeHTTPS:
		if u.Host == "" {
			return Ref{}, notFound(raw, "missing host")
		}
	case SchemeHub:
		full := u.Host + u.Path
		if u.User != nil {
			full = u.User.Username() + "@" + full
		}
		full = strings.Trim(full, "/")
		rev := "main"
		if i := strings.LastIndex(full, "@"); i >= 0 {
			rev = full[i+1:]
			full = full[:i]
		}
		if full == "" || rev == "" || strings.Count(full, "/") > 1 {
			return Ref{}, notFound(raw, "hub reference must be org/repo[@revision]")
		}
		r.Repo, r.Revision = full, rev
		r.Include = u.Query().Get("include")
		// "org/repo" and "hf://org/repo@main" name the same artifact
		r.Raw = SchemeHub + "://" + full + "@" + rev
		if r.Include != "" {
			r.Raw += "?include=" + url.QueryEscape(r.Include)
		}
		return r, nil
	case SchemeS3:
		if u.Host == "" {
			return Ref{}, notFound(raw, "missing bucket")
		}
		r.Bucket = u.Host
		r.Prefix = strings.TrimPrefix(u.Path, "/")
	default:
		return Ref{}, notFound(raw, "unsupported scheme %q", u.Scheme)
	}
	r.Raw = u.String()
	return r, nil
}
