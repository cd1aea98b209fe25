// Package classifier maps requests to the (category, limit name) pair that
// selects their rate-limit configuration.
package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/edgegate/edgegate/internal/config"
)

const (
	DefaultCategory  = "read"
	DefaultLimitName = "generic"
)

type rule struct {
	pathPattern *regexp.Regexp
	methods     map[string]struct{} // empty means any method
	category    string
	limitName   string
}

// Classifier evaluates an ordered rule list, first match wins. It is
// immutable after construction and safe for concurrent use.
type Classifier struct {
	rules []rule
}

func New(rules []config.ClassifierRule) (*Classifier, error) {
	compiled := make([]rule, 0, len(rules))
	for i, r := range rules {
		pattern, err := regexp.Compile(r.PathPattern)
		if err != nil {
			return nil, fmt.Errorf("classifier rule %d: compiling path pattern %q: %w", i, r.PathPattern, err)
		}
		methods := make(map[string]struct{}, len(r.Methods))
		for _, m := range r.Methods {
			methods[strings.ToUpper(m)] = struct{}{}
		}
		compiled = append(compiled, rule{
			pathPattern: pattern,
			methods:     methods,
			category:    r.Category,
			limitName:   r.LimitName,
		})
	}
	return &Classifier{rules: compiled}, nil
}

// Classify returns the (category, limit name) for a request. Unmatched
// requests resolve to the default read/generic pair.
func (c *Classifier) Classify(method, path string) (category, limitName string) {
	method = strings.ToUpper(method)
	for _, r := range c.rules {
		if len(r.methods) > 0 {
			if _, ok := r.methods[method]; !ok {
				continue
			}
		}
		if r.pathPattern.MatchString(path) {
			return r.category, r.limitName
		}
	}
	return DefaultCategory, DefaultLimitName
}
