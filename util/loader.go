// Package util - clock and file helpers shared across the application.
package util

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ImageFile is one frame of a recorded image sequence.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Frame is the frame number parsed from a "frame-N" name, or the position
	// in name order when the name carries no number.
	Frame int
}

// LoadDirectoryImageFiles lists the image files of a directory in playback order.
//
// Files named "frame-N.ext" are ordered by N; any other names are ordered
// lexically after them. File contents are not read.
//
// Arguments:
//   - dir: Directory path containing image files.
//
// Returns:
//   - []ImageFile: Image files in playback order.
//   - error: Error if the directory cannot be read or holds no images.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read image directory %s", dir)
	}

	var numbered, named []ImageFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		switch ext {
		case ".jpg", ".jpeg", ".png", ".bmp":
		default:
			continue
		}

		file := ImageFile{Path: filepath.Join(dir, name), Frame: -1}
		base := strings.TrimSuffix(name, filepath.Ext(name))
		if strings.HasPrefix(base, "frame-") {
			if n, convErr := strconv.Atoi(strings.TrimPrefix(base, "frame-")); convErr == nil {
				file.Frame = n
				numbered = append(numbered, file)
				continue
			}
		}
		named = append(named, file)
	}

	if len(numbered)+len(named) == 0 {
		return nil, errors.Errorf("no images in %s", dir)
	}

	sort.Slice(numbered, func(i, j int) bool { return numbered[i].Frame < numbered[j].Frame })
	sort.Slice(named, func(i, j int) bool { return named[i].Path < named[j].Path })

	next := 0
	if len(numbered) > 0 {
		next = numbered[len(numbered)-1].Frame + 1
	}
	for i := range named {
		named[i].Frame = next + i
	}

	return append(numbered, named...), nil
}
