package pool

import (
	"regexp"
	"strings"
	"unicode"
)

// NameMatcher produces lookup keys for a worker name, most specific first.
// A requested worker matches a reported one when they share a key.
type NameMatcher interface {
	Keys(name string) []string
}

var digitRun = regexp.MustCompile(`\d+`)

// CleanName drops invisible and control characters and surrounding space.
func CleanName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '\u200b', r == '\u200c', r == '\u200d', r == '\u2060', r == '\ufeff':
			return -1
		case r == '\u00a0':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, name)
	return strings.TrimSpace(name)
}

func fold(name string) string {
	return strings.ToLower(CleanName(name))
}

// unpad rewrites every digit run without leading zeros: rig007 -> rig7.
func unpad(name string) string {
	return digitRun.ReplaceAllStringFunc(name, func(d string) string {
		t := strings.TrimLeft(d, "0")
		if t == "" {
			return "0"
		}
		return t
	})
}

// workerPart returns the part after the last "account." prefix.
func workerPart(name string) (string, bool) {
	i := strings.LastIndex(name, ".")
	if i < 0 || i == len(name)-1 {
		return "", false
	}
	return name[i+1:], true
}

func appendUnique(keys []string, k string) []string {
	for _, e := range keys {
		if e == k {
			return keys
		}
	}
	return append(keys, k)
}

// viabtcMatcher: case-insensitive, workers may come back as account.worker.
type viabtcMatcher struct{}

func (viabtcMatcher) Keys(name string) []string {
	n := fold(name)
	keys := []string{n}
	if w, ok := workerPart(n); ok {
		keys = appendUnique(keys, w)
	}
	return keys
}

// f2poolMatcher: case-insensitive, numbering may be zero padded either side.
type f2poolMatcher struct{}

func (f2poolMatcher) Keys(name string) []string {
	n := fold(name)
	return appendUnique([]string{n}, unpad(n))
}

// antpoolMatcher: names are reported as userId.worker and rigs are often
// zero padded by the farm tooling.
type antpoolMatcher struct{}

func (antpoolMatcher) Keys(name string) []string {
	n := fold(name)
	keys := appendUnique([]string{n}, unpad(n))
	if w, ok := workerPart(n); ok {
		keys = appendUnique(keys, w)
		keys = appendUnique(keys, unpad(w))
	}
	return keys
}

// Reconcile maps every requested name to the reported signal it matches,
// or nil when the pool did not report it. Exact names are paired first;
// suffix and padding keys only serve requests still unmatched. A reported
// worker answers for at most one requested name.
func Reconcile(m NameMatcher, requested []string, reported []WorkerSignal) map[string]*WorkerSignal {
	used := make([]bool, len(reported))
	keys := make([][]string, len(reported))
	exact := make(map[string][]int, len(reported))
	for i := range reported {
		keys[i] = m.Keys(reported[i].Name)
		if len(keys[i]) > 0 {
			exact[keys[i][0]] = append(exact[keys[i][0]], i)
		}
	}

	out := make(map[string]*WorkerSignal, len(requested))
	var loose []string
	for _, name := range requested {
		if _, dup := out[name]; dup {
			continue
		}
		out[name] = nil
		want := m.Keys(name)
		if len(want) > 0 {
			if i := firstUnused(exact[want[0]], used); i >= 0 {
				used[i] = true
				out[name] = &reported[i]
				continue
			}
		}
		loose = append(loose, name)
	}

	for _, name := range loose {
		best, bestRank := -1, 0
		for rr, k := range m.Keys(name) {
			for i, rk := range keys {
				if used[i] {
					continue
				}
				for rs, key := range rk {
					if key == k && (best < 0 || rr+rs < bestRank) {
						best, bestRank = i, rr+rs
					}
				}
			}
		}
		if best >= 0 {
			used[best] = true
			out[name] = &reported[best]
		}
	}
	return out
}

func firstUnused(idx []int, used []bool) int {
	for _, i := range idx {
		if !used[i] {
			return i
		}
	}
	return -1
}
