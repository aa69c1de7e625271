// Package tags builds the tag set applied to a launched instance.
//
// EC2 allows one value per key, so repeated keys in the input are merged
// into a single value before submission.
package tags

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// EC2 tag limits.
const (
	MaxTags        = 50
	MaxKeyLength   = 128
	MaxValueLength = 256
)

// Tag is a single key/value pair.
type Tag struct {
	Key   string
	Value string
}

// Set is an ordered tag list with unique keys.
type Set []Tag

// Merge folds pairs into a Set. Keys keep their first-seen position. A key
// given the same value more than once keeps that value unchanged. When a
// key carries several distinct values, each has its hyphens removed and
// they are joined with "-" in input order:
//
//	Project=Jobcase, Project=Test-Lab  ->  Project=Jobcase-TestLab
func Merge(pairs []Tag) Set {
	order := make([]string, 0, len(pairs))
	values := make(map[string][]string, len(pairs))
	for _, p := range pairs {
		key := strings.TrimSpace(p.Key)
		value := strings.TrimSpace(p.Value)
		if _, ok := values[key]; !ok {
			order = append(order, key)
		}
		values[key] = append(values[key], value)
	}

	set := make(Set, 0, len(order))
	for _, key := range order {
		set = append(set, Tag{Key: key, Value: mergeValues(values[key])})
	}
	return set
}

// mergeValues drops empty and repeated values before joining, so only a
// real collision rewrites a value.
func mergeValues(vals []string) string {
	seen := make(map[string]bool, len(vals))
	distinct := make([]string, 0, len(vals))
	for _, v := range vals {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		distinct = append(distinct, v)
	}

	switch len(distinct) {
	case 0:
		return ""
	case 1:
		return distinct[0]
	}

	parts := make([]string, 0, len(distinct))
	for _, v := range distinct {
		if v = strings.ReplaceAll(v, "-", ""); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "-")
}

// Validate checks the set against EC2 tag constraints.
func (s Set) Validate() error {
	if len(s) > MaxTags {
		return fmt.Errorf("too many tags: %d (max %d)", len(s), MaxTags)
	}
	seen := make(map[string]bool, len(s))
	for _, t := range s {
		if t.Key == "" {
			return fmt.Errorf("tag key required")
		}
		if seen[t.Key] {
			return fmt.Errorf("duplicate tag key %q", t.Key)
		}
		seen[t.Key] = true
		if n := utf8.RuneCountInString(t.Key); n > MaxKeyLength {
			return fmt.Errorf("tag key %q too long: %d (max %d)", t.Key, n, MaxKeyLength)
		}
		if n := utf8.RuneCountInString(t.Value); n > MaxValueLength {
			return fmt.Errorf("tag %q value too long: %d (max %d)", t.Key, n, MaxValueLength)
		}
		if strings.HasPrefix(strings.ToLower(t.Key), "aws:") {
			return fmt.Errorf("tag key %q uses reserved prefix aws:", t.Key)
		}
	}
	return nil
}

// Map returns the set as a map.
func (s Set) Map() map[string]string {
	m := make(map[string]string, len(s))
	for _, t := range s {
		m[t.Key] = t.Value
	}
	return m
}

// EC2 converts the set to SDK tags, preserving order.
func (s Set) EC2() []ec2types.Tag {
	out := make([]ec2types.Tag, 0, len(s))
	for _, t := range s {
		out = append(out, ec2types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)})
	}
	return out
}

// String renders "k=v, k=v" in set order.
func (s Set) String() string {
	parts := make([]string, 0, len(s))
	for _, t := range s {
		parts = append(parts, t.Key+"="+t.Value)
	}
	return strings.Join(parts, ", ")
}
