package directory

import (
	"context"
	"encoding/binary"
	"errors"
	"io/fs"
	"strconv"
	"strings"
)

// SegmentsPrefix is the name prefix of an index commit point. A directory
// holds an index when at least one "segments_N" file exists, N being the
// base-36 commit generation.
const SegmentsPrefix = "segments_"

var segmentsMagic = [4]byte{'I', 'D', 'X', 'S'}

// Generation returns the highest commit generation among names, or -1 if
// none is a commit point.
func Generation(names []string) int64 {
	gen := int64(-1)
	for _, name := range names {
		s, ok := strings.CutPrefix(name, SegmentsPrefix)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 36, 64)
		if err != nil {
			continue
		}
		gen = max(gen, n)
	}
	return gen
}

// SegmentsFileName returns the commit point name for gen.
func SegmentsFileName(gen int64) string {
	return SegmentsPrefix + strconv.FormatInt(gen, 36)
}

// IndexPresent reports whether d holds a commit point.
func IndexPresent(ctx context.Context, d Directory) (bool, error) {
	names, err := d.List(ctx)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return Generation(names) >= 0, nil
}

// CreateEmptyIndex removes every file in d and writes generation 1 of an
// index with no segments.
func CreateEmptyIndex(ctx context.Context, d Directory) error {
	if err := Clear(ctx, d); err != nil {
		return err
	}
	// magic, generation, segment count
	buf := make([]byte, 0, 16)
	buf = append(buf, segmentsMagic[:]...)
	buf = binary.BigEndian.AppendUint64(buf, 1)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	name := SegmentsFileName(1)
	if err := WriteFile(ctx, d, name, buf); err != nil {
		return err
	}
	return d.Sync(ctx, []string{name})
}
