package buntree

import "strings"

// Paths are slash-delimited and normalized: a leading slash, no trailing
// slash, no empty segments. The root path is "/".

func normalizePath(p string) string {
	parts := strings.Split(p, "/")
	segs := parts[:0]
	for _, s := range parts {
		if s != "" {
			segs = append(segs, s)
		}
	}
	if len(segs) == 0 {
		return "/"
	}
	return "/" + strings.Join(segs, "/")
}

func childPath(p, seg string) string {
	seg = strings.Trim(seg, "/")
	if p == "/" {
		return normalizePath("/" + seg)
	}
	return normalizePath(p + "/" + seg)
}

// parentPath returns the parent of p, or false when p is the root.
func parentPath(p string) (string, bool) {
	if p == "/" {
		return "", false
	}
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/", true
	}
	return p[:i], true
}

// keyOf returns the last segment of p, or "" for the root.
func keyOf(p string) string {
	if p == "/" {
		return ""
	}
	return p[strings.LastIndexByte(p, '/')+1:]
}
