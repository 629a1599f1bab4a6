package trace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// decompress returns the path of an uncompressed copy of the database at path, and a function that removes that
// copy. Uncompressed databases are returned as is.
func decompress(path string, logger *zap.Logger) (string, func(), error) {
	noop := func() {}

	var wrap func(r io.Reader) (io.Reader, func(), error)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		wrap = func(r io.Reader) (io.Reader, func(), error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, nil, err
			}
			return zr, zr.Close, nil
		}
	case ".sz", ".snappy":
		wrap = func(r io.Reader) (io.Reader, func(), error) {
			return snappy.NewReader(r), noop, nil
		}
	default:
		if _, err := os.Stat(path); err != nil {
			return "", nil, fmt.Errorf("failed to open trace: %w", err)
		}
		return path, noop, nil
	}

	in, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to open trace: %w", err)
	}
	defer in.Close()

	r, closeReader, err := wrap(in)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decompress %s: %w", path, err)
	}
	defer closeReader()

	out, err := os.CreateTemp("", "enclaveperf-*.db")
	if err != nil {
		return "", nil, fmt.Errorf("failed to decompress %s: %w", path, err)
	}
	remove := func() { os.Remove(out.Name()) }

	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		remove()
		return "", nil, fmt.Errorf("failed to decompress %s: %w", path, err)
	}

	logger.Debug("Decompressed trace",
		zap.String("path", path),
		zap.String("tmp", out.Name()),
		zap.Int64("bytes", n))
	return out.Name(), remove, nil
}

// Compress writes a compressed copy of the database at src to dst. The codec is chosen by dst's extension, like
// Open does.
func Compress(dst, src string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	var w io.WriteCloser
	switch strings.ToLower(filepath.Ext(dst)) {
	case ".zst", ".zstd":
		w, err = zstd.NewWriter(out)
		if err != nil {
			return err
		}
	case ".sz", ".snappy":
		w = snappy.NewBufferedWriter(out)
	default:
		return fmt.Errorf("unsupported compression for %s", dst)
	}

	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
