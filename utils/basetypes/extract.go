package basetypes

// FileLike describes one file-like leaf extracted from a composite value
type FileLike struct {
	Path string
	// MustBeDir is true for Directory and MS leaves
	MustBeDir bool
	// Write is true when the leaf belongs to an output or writable parameter
	Write bool
}

// fileLikeKinds maps dtype names to their directory-ness
var fileLikeKinds = map[string]bool{
	"File":      false,
	"URI":       false,
	"Directory": true,
	"MS":        true,
}

// IsFileLikeType reports whether a dtype name denotes a file-like value
func IsFileLikeType(dtype string) bool {
	_, ok := fileLikeKinds[dtype]
	return ok
}

// ExtractFileLikes recursively walks a value of the given element dtype and
// collects its file-like leaves. Scalars yield one leaf; lists and maps are
// recursed into. Non-string leaves and marker values are skipped.
func ExtractFileLikes(value interface{}, dtype string, write bool) []FileLike {
	mustBeDir, ok := fileLikeKinds[dtype]
	if !ok {
		return nil
	}
	var leaves []FileLike
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case string:
			leaves = append(leaves, FileLike{Path: val, MustBeDir: mustBeDir, Write: write})
		case File:
			leaves = append(leaves, FileLike{Path: string(val), MustBeDir: false, Write: write})
		case Directory:
			leaves = append(leaves, FileLike{Path: string(val), MustBeDir: true, Write: write})
		case MS:
			leaves = append(leaves, FileLike{Path: string(val), MustBeDir: true, Write: write})
		case URI:
			if scheme, path := val.Scheme(); scheme == "file" {
				leaves = append(leaves, FileLike{Path: path, MustBeDir: mustBeDir, Write: write})
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		case []string:
			for _, item := range val {
				walk(item)
			}
		case map[string]interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(value)
	return leaves
}
