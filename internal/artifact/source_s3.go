package artifact

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Source downloads every object under s3://bucket/prefix. The client is
// built lazily so a supervisor without S3 models never needs AWS credentials.
type S3Source struct {
	Region       string
	EndpointURL  string
	UsePathStyle bool
	PartSizeMiB  int64

	mu     sync.Mutex
	client *s3.Client
}

// svc returns the shared client, building it on first use. A failed build is
// retried by the next caller.
func (s *S3Source) svc() (*s3.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if s.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.Region))
	}
	// not tied to a caller: the client outlives the download that built it
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.EndpointURL != "" {
			o.BaseEndpoint = aws.String(s.EndpointURL)
		}
		o.UsePathStyle = s.UsePathStyle
	})
	return s.client, nil
}

func (s *S3Source) Fetch(ctx context.Context, ref Ref, dir string) error {
	svc, err := s.svc()
	if err != nil {
		return &DownloadError{Ref: ref.Raw, Err: err}
	}
	keys, err := s.list(ctx, svc, ref)
	if err != nil {
		return &DownloadError{Ref: ref.Raw, Err: err}
	}
	if len(keys) == 0 {
		return notFound(ref.Raw, "no objects under prefix")
	}
	partMiBs := s.PartSizeMiB
	if partMiBs <= 0 {
		partMiBs = 128
	}
	downloader := manager.NewDownloader(svc, func(d *manager.Downloader) {
		d.PartSize = partMiBs * 1024 * 1024
	})
	for _, key := range keys {
		rel, ok := objectRelPath(ref.Prefix, key)
		if !ok || !filepath.IsLocal(filepath.FromSlash(rel)) {
			continue
		}
		dest := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return &DownloadError{Ref: ref.Raw, Err: err}
		}
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return &DownloadError{Ref: ref.Raw, Err: err}
		}
		_, err = downloader.Download(ctx, f, &s3.GetObjectInput{
			Bucket: aws.String(ref.Bucket),
			Key:    aws.String(key),
		})
		cerr := f.Close()
		if err != nil {
			return &DownloadError{Ref: ref.Raw, Err: fmt.Errorf("download %s: %w", key, err)}
		}
		if cerr != nil {
			return &DownloadError{Ref: ref.Raw, Err: cerr}
		}
	}
	return nil
}

func (s *S3Source) list(ctx context.Context, svc *s3.Client, ref Ref) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(svc, &s3.ListObjectsV2Input{
		Bucket: aws.String(ref.Bucket),
		Prefix: aws.String(ref.Prefix),
	})
	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if k == "" || strings.HasSuffix(k, "/") {
				continue
			}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// objectRelPath maps an object key to its path inside the bundle. A prefix
// naming a single object yields its base name. Keys outside prefix/, such as
// llama2/x under the prefix llama, are not part of the bundle.
func objectRelPath(prefix, key string) (string, bool) {
	if key == prefix {
		return path.Base(key), true
	}
	p := prefix
	if p != "" && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	rel, ok := strings.CutPrefix(key, p)
	if !ok || rel == "" {
		return "", false
	}
	return rel, true
}
