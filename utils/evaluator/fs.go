package evaluator

import (
	"io/fs"
	"os"
)

// dirFS returns an fs.FS rooted at the given directory for glob matching
func dirFS(dir string) fs.FS {
	if dir == "" {
		dir = "."
	}
	return os.DirFS(dir)
}
