// Package discovery enumerates bastion hosts and their reachable EKS/RDS
// resources across accounts and regions, and associates them by VPC.
package discovery

import "path"

// TagPair is a single Key/Value tag as returned by APIs that expose tags as a
// list rather than a map (EC2, RDS).
type TagPair struct {
	Key   string
	Value string
}

// MatchTags reports whether actual satisfies the desired filter. A desired
// "Name" value is a shell glob (*, ?, [...]) matched case-sensitively against
// actual["Name"]; all other desired keys must match exactly. An empty filter
// matches everything. desired is never mutated.
func MatchTags(actual, desired map[string]string) bool {
	if pattern, ok := desired["Name"]; ok {
		if !matchGlob(pattern, actual["Name"]) {
			return false
		}
	}
	for key, want := range desired {
		if key == "Name" {
			continue
		}
		if got, ok := actual[key]; !ok || got != want {
			return false
		}
	}
	return true
}

// MatchTagList is the list-of-pairs variant of MatchTags, for resources whose
// tags arrive as [{Key,Value}].
func MatchTagList(actual []TagPair, desired map[string]string) bool {
	m := make(map[string]string, len(actual))
	for _, t := range actual {
		m[t.Key] = t.Value
	}
	return MatchTags(m, desired)
}

// matchGlob treats a malformed pattern as a non-match.
func matchGlob(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
