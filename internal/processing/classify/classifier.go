// Package classify maps processing faults to error categories and retry
// policies. Classification is pure and deterministic: the same fault always
// yields the same category, and the classifier itself never fails.
package classify

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"syscall"

	"github.com/morenocuratelo/archivista/internal/core/domain"
)

// Classification is the policy output for one fault.
type Classification struct {
	Category   domain.ErrorCategory
	Severity   domain.ErrorSeverity
	Retryable  bool
	MaxRetries int
}

// Policy holds the retry policy for one category.
type Policy struct {
	Severity   domain.ErrorSeverity
	Retryable  bool
	MaxRetries int
}

// Rule matches an error by sentinel target or lowercase message substrings.
// Rules are evaluated in order; the first match wins.
type Rule struct {
	Category domain.ErrorCategory
	Targets  []error
	Patterns []string
}

// Classifier resolves a fault into a category and its policy.
type Classifier struct {
	rules    []Rule
	policies map[domain.ErrorCategory]Policy
}

// DefaultPolicies returns the default per-category retry policies.
func DefaultPolicies() map[domain.ErrorCategory]Policy {
	return map[domain.ErrorCategory]Policy{
		domain.CategoryIO: {
			Severity:   domain.SeverityHigh,
			Retryable:  true,
			MaxRetries: 5,
		},
		domain.CategoryResource: {
			Severity:   domain.SeverityCritical,
			Retryable:  true,
			MaxRetries: 3,
		},
		domain.CategoryAPI: {
			Severity:   domain.SeverityMedium,
			Retryable:  true,
			MaxRetries: 2,
		},
		domain.CategoryValidation: {
			Severity:   domain.SeverityHigh,
			Retryable:  false,
			MaxRetries: 0,
		},
		domain.CategoryUnknown: {
			Severity:   domain.SeverityMedium,
			Retryable:  true,
			MaxRetries: 1,
		},
	}
}

// DefaultRules returns the built-in classification rule table.
func DefaultRules() []Rule {
	return []Rule{
		{
			Category: domain.CategoryValidation,
			Patterns: []string{
				"corrupt", "malformed", "unsupported format", "invalid pdf",
				"invalid json", "parse error", "unreadable", "bad file",
				"not a valid", "decode failed",
			},
		},
		{
			Category: domain.CategoryResource,
			Targets:  []error{syscall.ENOMEM},
			Patterns: []string{
				"out of memory", "resource exhausted", "overloaded",
				"too many open files", "worker overload", "oom",
			},
		},
		{
			Category: domain.CategoryAPI,
			Targets:  []error{context.DeadlineExceeded},
			Patterns: []string{
				"timeout", "timed out", "deadline exceeded", "llm",
				"api error", "status 5", "502", "503", "504",
				"service unavailable", "rate limit", "429",
			},
		},
		{
			Category: domain.CategoryIO,
			Targets:  []error{os.ErrNotExist, os.ErrPermission, fs.ErrClosed},
			Patterns: []string{
				"no space left", "disk full", "file lock", "i/o error",
				"connection refused", "connection reset", "broken pipe",
				"network", "eof",
			},
		},
	}
}

// New creates a classifier from a rule table and per-category policies.
// Missing policies fall back to the defaults for that category.
func New(rules []Rule, policies map[domain.ErrorCategory]Policy) *Classifier {
	merged := DefaultPolicies()
	for cat, p := range policies {
		merged[cat] = p
	}
	return &Classifier{rules: rules, policies: merged}
}

// NewDefault creates a classifier with the built-in rules and policies.
func NewDefault() *Classifier {
	return New(DefaultRules(), nil)
}

// Classify resolves a fault into its category and policy. A nil or
// unmatched error classifies as UnknownError with a minimal retry budget;
// Classify never fails.
func (c *Classifier) Classify(err error) Classification {
	category := domain.CategoryUnknown

	if err != nil {
		msg := strings.ToLower(err.Error())
	match:
		for _, rule := range c.rules {
			for _, target := range rule.Targets {
				if errors.Is(err, target) {
					category = rule.Category
					break match
				}
			}
			for _, pattern := range rule.Patterns {
				if strings.Contains(msg, pattern) {
					category = rule.Category
					break match
				}
			}
		}
	}

	policy, ok := c.policies[category]
	if !ok {
		policy = DefaultPolicies()[domain.CategoryUnknown]
	}

	return Classification{
		Category:   category,
		Severity:   policy.Severity,
		Retryable:  policy.Retryable,
		MaxRetries: policy.MaxRetries,
	}
}

// Policy returns the policy for a category, defaulting to UnknownError.
func (c *Classifier) Policy(cat domain.ErrorCategory) Policy {
	if p, ok := c.policies[cat]; ok {
		return p
	}
	return DefaultPolicies()[domain.CategoryUnknown]
}
