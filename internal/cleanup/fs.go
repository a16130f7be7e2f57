package cleanup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Path outcomes recorded per removal attempt.
const (
	StatusFileRemoved         = "file_removed"
	StatusDirRemoved          = "dir_removed"
	StatusDirRemovedRecursive = "dir_removed_recursive"
	StatusDirNotEmpty         = "dir_not_empty"
	StatusPathNotFound        = "path_not_found"
	StatusRemoveError         = "remove_error"
)

type PathResult struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// PathMapping rewrites a path prefix, e.g. a library-side mount to the local one.
type PathMapping struct {
	From string `json:"from" mapstructure:"from"`
	To   string `json:"to" mapstructure:"to"`
}

func mapPath(p string, mappings []PathMapping) string {
	for _, m := range mappings {
		from := strings.TrimRight(m.From, `/\`)
		if from == "" {
			continue
		}
		if p != from && !strings.HasPrefix(p, from+"/") && !strings.HasPrefix(p, from+`\`) {
			continue
		}
		rest := strings.ReplaceAll(strings.TrimLeft(p[len(from):], `/\`), `\`, "/")
		return filepath.Join(m.To, filepath.FromSlash(rest))
	}
	return p
}

// normalizePaths maps, cleans and de-duplicates paths, keeping first-seen order.
func normalizePaths(paths []string, mappings []PathMapping) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		p = filepath.Clean(mapPath(p, mappings))
		if p == "." {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// remover deletes media from disk without ever touching a protected root or
// one of its ancestors.
type remover struct {
	protected []string
}

func newRemover(roots []string) remover {
	var protected []string
	for _, r := range roots {
		if strings.TrimSpace(r) != "" {
			protected = append(protected, filepath.Clean(r))
		}
	}
	return remover{protected: protected}
}

func (r remover) isProtected(p string) bool {
	if filepath.Dir(p) == p {
		return true
	}
	for _, root := range r.protected {
		if p == root || strings.HasPrefix(root, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// removeAll deletes files first, then directories, then any parents left empty.
// Directories are removed recursively only when recursive is set.
func (r remover) removeAll(paths []string, recursive bool) []PathResult {
	results := make([]PathResult, 0, len(paths))
	var dirs []string
	touched := map[string]struct{}{}

	for _, p := range paths {
		if r.isProtected(p) {
			results = append(results, PathResult{Path: p, Status: StatusRemoveError, Error: "refusing to remove protected path"})
			continue
		}
		info, err := os.Lstat(p)
		switch {
		case errors.Is(err, os.ErrNotExist):
			results = append(results, PathResult{Path: p, Status: StatusPathNotFound})
		case err != nil:
			results = append(results, PathResult{Path: p, Status: StatusRemoveError, Error: err.Error()})
		case info.IsDir():
			dirs = append(dirs, p)
		default:
			if err := os.Remove(p); err != nil {
				results = append(results, PathResult{Path: p, Status: StatusRemoveError, Error: err.Error()})
				continue
			}
			results = append(results, PathResult{Path: p, Status: StatusFileRemoved})
			touched[filepath.Dir(p)] = struct{}{}
		}
	}

	for _, d := range dirs {
		res := PathResult{Path: d}
		if recursive {
			if err := os.RemoveAll(d); err != nil {
				res.Status, res.Error = StatusRemoveError, err.Error()
			} else {
				res.Status = StatusDirRemovedRecursive
			}
		} else {
			err := os.Remove(d)
			switch {
			case err == nil:
				res.Status = StatusDirRemoved
			case isNotEmpty(err):
				res.Status = StatusDirNotEmpty
			default:
				res.Status, res.Error = StatusRemoveError, err.Error()
			}
		}
		if res.Status == StatusDirRemoved || res.Status == StatusDirRemovedRecursive {
			touched[filepath.Dir(d)] = struct{}{}
		}
		results = append(results, res)
	}

	for parent := range touched {
		r.pruneEmpty(parent)
	}
	return results
}

// pruneEmpty removes dir when empty. Inside a protected root it keeps walking
// upwards until it meets a non-empty directory or the root itself; elsewhere
// it stops after one level.
func (r remover) pruneEmpty(dir string) {
	for depth := 0; !r.isProtected(dir); depth++ {
		if depth > 0 && !r.within(dir) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (r remover) within(p string) bool {
	for _, root := range r.protected {
		if strings.HasPrefix(p, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func isNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}
