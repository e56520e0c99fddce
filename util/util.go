package util

import "regexp"

var workerNamePattern = regexp.MustCompile(`^[\p{L}\p{N}_.\-]{1,64}$`)

// IsValidWorkerName reports whether a configured worker name is usable in a pool query
func IsValidWorkerName(s string) bool {
	return workerNamePattern.MatchString(s)
}
