package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Scan inspects dir and returns its samples without touching the filesystem.
// Samples of a flat layout carry an empty Split.
func Scan(dir string) (*Dataset, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &InvalidLayoutError{Dir: dir, Reason: "directory does not exist"}
		}
		return nil, fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, &InvalidLayoutError{Dir: dir, Reason: "not a directory"}
	}

	ds := &Dataset{Root: dir}

	splitDirs := make(map[Split]string)
	for _, s := range Splits {
		p, ok := findSubdir(dir, string(s))
		if !ok {
			continue
		}
		if hasClassDir(p) {
			splitDirs[s] = p
		}
	}

	if len(splitDirs) > 0 {
		ds.Layout = LayoutPreSplit
		for _, s := range Splits {
			p, ok := splitDirs[s]
			if !ok {
				continue
			}
			if err := collect(ds, p, s); err != nil {
				return nil, err
			}
		}
		return ds, nil
	}

	ds.Layout = LayoutFlat
	var missing []string
	for _, cl := range Classes {
		if _, ok := findSubdir(dir, string(cl)); !ok {
			missing = append(missing, string(cl))
		}
	}
	if len(missing) == len(Classes) {
		return nil, &InvalidLayoutError{Dir: dir, Reason: "no class subdirectories found"}
	}
	if len(missing) > 0 {
		return nil, &InvalidLayoutError{Dir: dir, Reason: "missing " + strings.Join(missing, ", ") + " directory"}
	}
	if err := collect(ds, dir, ""); err != nil {
		return nil, err
	}
	return ds, nil
}

// collect appends the images found under parent/<class>/ for every class.
func collect(ds *Dataset, parent string, s Split) error {
	for _, cl := range Classes {
		classDir, ok := findSubdir(parent, string(cl))
		if !ok {
			continue
		}
		files, err := listImages(classDir)
		if err != nil {
			return err
		}
		for _, f := range files {
			ds.Samples = append(ds.Samples, Sample{Path: f, Class: cl, Split: s})
		}
	}
	return nil
}

// listImages returns the image files directly inside dir, sorted by name.
func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !IsImageFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

// findSubdir looks up a directory named name inside parent, ignoring case.
func findSubdir(parent, name string) (string, bool) {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() && strings.EqualFold(e.Name(), name) {
			return filepath.Join(parent, e.Name()), true
		}
	}
	return "", false
}

func hasClassDir(dir string) bool {
	for _, cl := range Classes {
		if _, ok := findSubdir(dir, string(cl)); ok {
			return true
		}
	}
	return false
}
