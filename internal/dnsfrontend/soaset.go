package dnsfrontend

import (
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// SoaSet is the set of authoritative zone suffixes (spec §3), indexed as
// a radix tree over reversed labels so "is fqdn at or under some SOA
// suffix" is a prefix test rather than an O(n) suffix scan over the
// suffix list.
type SoaSet struct {
	tree *iradix.Tree
}

// NewSoaSet builds a SoaSet from a list of suffixes; each is normalized
// to a trailing dot.
func NewSoaSet(suffixes []string) *SoaSet {
	tree := iradix.New()
	for _, s := range suffixes {
		s = normalizeFQDN(s)
		tree, _, _ = tree.Insert(reverseLabelKey(s), s)
	}
	return &SoaSet{tree: tree}
}

func normalizeFQDN(s string) string {
	s = strings.ToLower(s)
	if !strings.HasSuffix(s, ".") {
		s += "."
	}
	return s
}

// reverseLabelKey mirrors hostregistry's label reversal so a suffix like
// "rgw." sorts next to every name under it ("host1.rgw.", "udp2001.host1.rgw.").
// Both ends get a "." delimiter so a radix prefix match only ever lands on
// a label boundary: without the trailing delimiter, suffix "com." (key
// ".com") would wrongly byte-prefix-match "www.company." (key
// ".company.www") since "company" starts with "com".
func reverseLabelKey(fqdn string) []byte {
	fqdn = strings.TrimSuffix(fqdn, ".")
	if fqdn == "" {
		return []byte(".")
	}
	labels := strings.Split(fqdn, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return []byte("." + strings.Join(labels, ".") + ".")
}

// InSOA reports whether fqdn is the apex of, or a name under, one of the
// registered suffixes.
func (s *SoaSet) InSOA(fqdn string) bool {
	_, suffix := s.LongestMatch(fqdn)
	return suffix != ""
}

// IsApex reports whether fqdn is exactly one of the registered suffixes.
func (s *SoaSet) IsApex(fqdn string) bool {
	_, ok := s.tree.Get(reverseLabelKey(normalizeFQDN(fqdn)))
	return ok
}

// LongestMatch returns the longest registered suffix fqdn falls under, if
// any.
func (s *SoaSet) LongestMatch(fqdn string) (ok bool, suffix string) {
	key := reverseLabelKey(normalizeFQDN(fqdn))
	_, raw, found := s.tree.Root().LongestPrefix(key)
	if !found {
		return false, ""
	}
	return true, raw.(string)
}

// List returns every registered suffix.
func (s *SoaSet) List() []string {
	var out []string
	s.tree.Root().Walk(func(_ []byte, v interface{}) bool {
		out = append(out, v.(string))
		return false
	})
	return out
}
