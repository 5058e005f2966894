package objectstore

import "strings"

// JoinKey joins a key prefix and an object name with a single slash.
// Leading slashes are stripped so keys stay bucket-relative, and an empty
// prefix yields the bare name.
func JoinKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	name = strings.TrimLeft(name, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
