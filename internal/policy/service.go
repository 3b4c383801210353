package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// ServicePolicy holds the compiled allow and dangerous pattern sets shared by
// all requests. Allow patterns are "domain.service" with "*" wildcards, e.g.
// "light.*". Dangerous patterns match the service call or any target entity
// id, so "cover.garage_*" gates cover.open_cover on cover.garage_door.
type ServicePolicy struct {
	allowed   []*regexp.Regexp
	dangerous []*regexp.Regexp
}

type Decision struct {
	Allowed   bool
	Dangerous bool
	Reason    string
}

func NewServicePolicy(allowedPatterns, dangerousPatterns []string) (*ServicePolicy, error) {
	allowed, err := compilePatterns(allowedPatterns)
	if err != nil {
		return nil, fmt.Errorf("allowed patterns: %w", err)
	}
	dangerous, err := compilePatterns(dangerousPatterns)
	if err != nil {
		return nil, fmt.Errorf("dangerous patterns: %w", err)
	}
	return &ServicePolicy{allowed: allowed, dangerous: dangerous}, nil
}

// Decide evaluates one "domain.service" call against both pattern sets. The
// target entity ids participate in the dangerous check only; the allowlist
// stays a statement about services.
func (p *ServicePolicy) Decide(service string, entityIDs ...string) Decision {
	service = strings.ToLower(strings.TrimSpace(service))
	if service == "" {
		return Decision{Allowed: false, Reason: "empty service"}
	}
	if !matchAny(p.allowed, service) {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("service %s is not permitted", service),
		}
	}
	if matchAny(p.dangerous, service) {
		return Decision{
			Allowed:   true,
			Dangerous: true,
			Reason:    fmt.Sprintf("service %s requires explicit confirmation", service),
		}
	}
	for _, id := range entityIDs {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" && matchAny(p.dangerous, id) {
			return Decision{
				Allowed:   true,
				Dangerous: true,
				Reason:    fmt.Sprintf("%s on %s requires explicit confirmation", service, id),
			}
		}
	}
	return Decision{Allowed: true}
}

func (p *ServicePolicy) Allowed(service string) bool {
	return p.Decide(service).Allowed
}

func (p *ServicePolicy) Dangerous(service string, entityIDs ...string) bool {
	return p.Decide(service, entityIDs...).Dangerous
}

func matchAny(patterns []*regexp.Regexp, service string) bool {
	for _, re := range patterns {
		if re.MatchString(service) {
			return true
		}
	}
	return false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		out = append(out, re)
	}
	return out, nil
}
