// Package pathutil provides path manipulation for the slash-separated,
// forward-slash archive and device paths used throughout the composition
// engine (target-files entries, system-tree paths, device-absolute paths).
package pathutil

import "strings"

// SystemRelative strips the "SYSTEM/" prefix a target-files archive uses
// and returns the path relative to the system tree root, e.g.
// "SYSTEM/bin/sh" -> "bin/sh". Entries exactly equal to "SYSTEM/" return "".
func SystemRelative(entryName string) string {
	const prefix = "SYSTEM/"
	if entryName == prefix || entryName == "SYSTEM" {
		return ""
	}
	return strings.TrimPrefix(entryName, prefix)
}

// ToOutputPath rewrites a system-relative path to its location in the
// output archive, "bin/sh" -> "system/bin/sh".
func ToOutputPath(relPath string) string {
	if relPath == "" {
		return "system"
	}
	return "system/" + relPath
}

// ToDevicePath rewrites a system-relative path to its absolute path on
// the device, "bin/sh" -> "/system/bin/sh".
func ToDevicePath(relPath string) string {
	return "/system/" + relPath
}

// Parent returns the parent of a slash-separated relative path, and true
// if path has a parent (is not already the root). The root is the empty
// string.
func Parent(path string) (parent string, ok bool) {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return "", false
	}
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i], true
	}
	return "", true
}

// Base returns the final path component.
func Base(path string) string {
	path = strings.TrimSuffix(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Split breaks a slash-separated relative path into its components.
// The root ("") splits to an empty slice.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(path, "/"), "/")
}

// IsUnderLib reports whether a system-relative path is the top-level
// "lib" directory or lies anywhere below it, the condition under which
// the system file loader records retouch entries. A "lib" directory
// nested elsewhere (e.g. "vendor/lib") does not count.
func IsUnderLib(relPath string) bool {
	return relPath == "lib" || strings.HasPrefix(relPath, "lib/")
}
