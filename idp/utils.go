package idp

import (
	"cmp"
	"net/url"
	"slices"
	"strconv"
)

type Set[K comparable] map[K]struct{}

func NewSet[K comparable]() Set[K] {
	return make(Set[K])
}
func MakeSet[K comparable](keys []K) Set[K] {
	var ns = NewSet[K]()
	for _, k := range keys {
		ns.Add(k)
	}
	return ns
}
func (s Set[K]) Has(key K) (ok bool) {
	_, ok = s[key]
	return
}
func (s Set[K]) Add(key K) {
	s[key] = struct{}{}
}
func (s Set[K]) ToArray() (result []K) {
	for k := range s {
		result = append(result, k)
	}
	return
}

// CompareLists partitions two duplicate-free lists into the elements
// missing from a, the elements common to both, and the elements missing
// from b. Results are sorted so callers get deterministic output.
func CompareLists[K cmp.Ordered](a []K, b []K) (missingInA []K, common []K, missingInB []K) {
	var sa = MakeSet(a)
	var sb = MakeSet(b)
	for _, k := range a {
		if sb.Has(k) {
			common = append(common, k)
		} else {
			missingInB = append(missingInB, k)
		}
	}
	for _, k := range b {
		if !sa.Has(k) {
			missingInA = append(missingInA, k)
		}
	}
	slices.Sort(missingInA)
	slices.Sort(common)
	slices.Sort(missingInB)
	return
}

// stripURLPath reduces a URL to its scheme and host, dropping any path,
// query, or fragment. Invalid input is returned unchanged.
func stripURLPath(rawURL string) string {
	var uri, err = url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	uri.Path = ""
	uri.RawQuery = ""
	uri.Fragment = ""
	return uri.String()
}

func toString(intf any) (result string, ok bool) {
	if intf == nil {
		return
	}
	result, ok = intf.(string)
	return
}

func toBoolean(intf any) (result bool, ok bool) {
	if intf == nil {
		return
	}
	switch fv := intf.(type) {
	case bool:
		result = fv
		ok = true
	case string:
		switch fv {
		case "1", "true", "ok":
			result = true
			ok = true
		case "0", "false":
			result = false
			ok = true
		}
	}
	return
}

func toInt64(intf any) (result int64, ok bool) {
	if intf == nil {
		return
	}
	ok = true
	switch iv := intf.(type) {
	case int:
		result = int64(iv)
	case int64:
		result = iv
	case float32:
		result = int64(iv)
	case float64:
		result = int64(iv)
	case string:
		if irv, err := strconv.Atoi(iv); err == nil {
			result = int64(irv)
		} else {
			ok = false
		}
	default:
		ok = false
	}
	return
}
