package reconcile

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"handoff/internal/domain"
	"handoff/internal/faults"
)

// fileKeys are metadata keys whose values name files.
var fileKeys = []string{"file", "filename", "path", "attachment", "attachments"}

// Scanner refuses records that would publish a secret.
type Scanner struct {
	globs    []string
	patterns []*regexp.Regexp
}

func NewScanner(globs, patterns []string) (*Scanner, error) {
	s := &Scanner{globs: globs}
	for _, g := range globs {
		if _, err := path.Match(g, ""); err != nil {
			return nil, fmt.Errorf("deny glob %q: %w", g, err)
		}
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, re)
	}
	return s, nil
}

// Check returns a *faults.SecretLeakError for the first record that matches a rule.
func (s *Scanner) Check(recs []domain.ItemRecord) error {
	for _, rec := range recs {
		if rule, hit := s.match(rec); hit {
			return &faults.SecretLeakError{ItemID: rec.Item.ID, Rule: rule}
		}
	}
	return nil
}

func (s *Scanner) match(rec domain.ItemRecord) (string, bool) {
	for _, name := range fileNames(rec.Item) {
		base := path.Base(strings.ReplaceAll(name, `\`, "/"))
		for _, g := range s.globs {
			if ok, _ := path.Match(g, base); ok {
				return "glob " + g, true
			}
			if ok, _ := path.Match(g, name); ok {
				return "glob " + g, true
			}
		}
	}
	text := render(rec)
	for _, re := range s.patterns {
		if re.MatchString(text) {
			return "pattern " + re.String(), true
		}
	}
	return "", false
}

func fileNames(it domain.Item) []string {
	var out []string
	if it.Source != "" {
		out = append(out, it.Source)
	}
	for _, k := range fileKeys {
		if v := it.Metadata[k]; v != "" {
			for _, part := range strings.Split(v, ",") {
				out = append(out, strings.TrimSpace(part))
			}
		}
	}
	return out
}

// render flattens the fields that leave the machine into one scannable text.
func render(rec domain.ItemRecord) string {
	it := rec.Item
	var b strings.Builder
	for _, f := range []string{it.Source, it.ApprovedBy, it.Title} {
		b.WriteString(f)
		b.WriteByte('\n')
	}
	b.WriteString(it.Body)
	b.WriteByte('\n')
	keys := make([]string, 0, len(it.Metadata))
	for k := range it.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, it.Metadata[k])
	}
	if it.Payload != nil {
		b.WriteString(it.Payload.Tool)
		b.WriteByte('\n')
		for _, a := range it.Payload.Args {
			fmt.Fprintf(&b, "%s: %v\n", a.Name, a.Value)
		}
	}
	for _, t := range rec.History {
		fmt.Fprintf(&b, "%s %s\n", t.Actor, t.Reason)
	}
	return b.String()
}
