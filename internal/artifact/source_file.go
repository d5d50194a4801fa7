package artifact

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"modelvisor/internal/common/fsutil"
)

// FileSource publishes a local file or directory, hard-linking where possible.
type FileSource struct{}

func (FileSource) Fetch(ctx context.Context, ref Ref, dir string) error {
	src := filepath.FromSlash(ref.URL.Path)
	fi, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(ref.Raw, "no such file or directory")
	}
	if err != nil {
		return &DownloadError{Ref: ref.Raw, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if fi.IsDir() {
		return fsutil.LinkTree(src, dir)
	}
	return fsutil.LinkOrCopy(src, filepath.Join(dir, filepath.Base(src)))
}
