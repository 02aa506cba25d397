package overlay

import (
	"fmt"
	"path"
	"strings"
)

// Clean normalizes a slash-separated path relative to the view root.
// "", "/" and "." all name the root and clean to "".
func Clean(p string) (string, error) {
	p = strings.TrimLeft(strings.ReplaceAll(p, "\\", "/"), "/")
	if p == "" {
		return "", nil
	}
	c := path.Clean(p)
	if c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("path %q escapes the workspace root", p)
	}
	if c == "." {
		return "", nil
	}
	return c, nil
}

func split(clean string) []string {
	if clean == "" {
		return nil
	}
	return strings.Split(clean, "/")
}

func join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
