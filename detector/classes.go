package detector

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// LoadClassNames reads a darknet names file: one class per line, the line
// number being the class index. Trailing blank lines are ignored.
func LoadClassNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrModelLoad, "class names %s: %v", path, err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		names = append(names, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(ErrModelLoad, "class names %s: %v", path, err)
	}

	for len(names) > 0 && names[len(names)-1] == "" {
		names = names[:len(names)-1]
	}
	if len(names) == 0 {
		return nil, errors.Wrapf(ErrModelLoad, "class names %s: file is empty", path)
	}

	return names, nil
}

// ClassIndex returns the index of name, or -1.
func ClassIndex(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
