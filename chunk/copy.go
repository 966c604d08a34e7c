package chunk

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Copy makes dst a copy of the chunk at src, recompressing when the two
// paths call for different compression. dst appears atomically.
func Copy(src, dst string) (int64, error) {
	o := defaultOptions()
	if o.xz(src) == o.xz(dst) {
		return copyBytes(src, dst)
	}
	r, err := Open(src, OptMaxRetries(1))
	if err != nil {
		return 0, err
	}
	defer r.Close()
	w, err := Create(dst, OptVersion(r.Version()))
	if err != nil {
		return 0, err
	}
	for {
		si, err := r.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			w.Abort()
			return 0, err
		}
		if err := w.Add(si); err != nil {
			w.Abort()
			return 0, err
		}
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	fi, err := os.Stat(dst)
	if err != nil {
		return 0, errors.Wrap(err, "statting copy")
	}
	return fi.Size(), nil
}

func copyBytes(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, errors.Wrap(err, "opening source chunk")
	}
	defer in.Close()
	tmp := TempPath(dst)
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return 0, errors.Wrap(err, "creating temporary copy")
	}
	n, err := io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, errors.Wrap(err, "copying chunk")
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, errors.Wrap(err, "renaming copy into place")
	}
	return n, nil
}
