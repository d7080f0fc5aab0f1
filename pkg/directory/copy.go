package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const copyBufSize = 256 << 10

// Copy writes every file of src into dst and syncs them. Files already in
// dst are overwritten; files only in dst are left alone. It returns the
// number of files and bytes copied.
func Copy(ctx context.Context, dst, src Directory) (files int, bytes int64, err error) {
	names, err := src.List(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("directory: copy list: %w", err)
	}
	buf := make([]byte, copyBufSize)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return files, bytes, err
		}
		n, err := copyFile(ctx, dst, src, name, buf)
		if err != nil {
			return files, bytes, fmt.Errorf("directory: copy %s: %w", name, err)
		}
		files++
		bytes += n
	}
	if err := dst.Sync(ctx, names); err != nil {
		return files, bytes, fmt.Errorf("directory: copy sync: %w", err)
	}
	return files, bytes, nil
}

func copyFile(ctx context.Context, dst, src Directory, name string, buf []byte) (int64, error) {
	in, err := src.OpenInput(ctx, name)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := dst.CreateOutput(ctx, name)
	if err != nil {
		return 0, err
	}
	n, err := io.CopyBuffer(out, io.NewSectionReader(in, 0, in.Len()), buf)
	if err != nil {
		out.Close()
		return n, err
	}
	if err := out.Close(); err != nil {
		return n, err
	}
	if n != in.Len() {
		return n, errors.New("short copy")
	}
	return n, nil
}
