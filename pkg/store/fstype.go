package store

import "sync"

// FSType is the directory implementation behind file:// connections.
type FSType string

const (
	FSSimple FSType = "simple"
	FSMMap   FSType = "mmap"
)

// The fs type is a process-wide setting: the first file:// backend fixes
// it and later backends must agree. This is a known limitation; use the
// explicit mmap:// scheme to mix implementations in one process.
var (
	fsTypeMu sync.Mutex
	fsType   FSType
)

// ClaimFSType fixes the process-wide fs type to want, or checks that it
// matches the value already fixed. An empty want accepts the current
// value, fixing FSSimple if none is set yet. It returns the effective type.
func ClaimFSType(want FSType) (FSType, error) {
	switch want {
	case "", FSSimple, FSMMap:
	default:
		return "", configErr("unknown fs_type %q (want %q or %q)", want, FSSimple, FSMMap)
	}
	fsTypeMu.Lock()
	defer fsTypeMu.Unlock()
	if fsType == "" {
		if want == "" {
			want = FSSimple
		}
		fsType = want
		return fsType, nil
	}
	if want != "" && want != fsType {
		return "", configErr("fs_type %q conflicts with process-wide %q", want, fsType)
	}
	return fsType, nil
}

// CurrentFSType returns the process-wide fs type, or "" if unset.
func CurrentFSType() FSType {
	fsTypeMu.Lock()
	defer fsTypeMu.Unlock()
	return fsType
}
