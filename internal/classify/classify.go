// Package classify maps a raw connection failure to an error category and
// the remediation steps shown to the user.
package classify

import (
	"sort"
	"strings"
)

type Category string

const (
	CategoryDuplicateSession   Category = "duplicate_session"
	CategoryNegotiationFailure Category = "negotiation_failure"
	CategoryCredSSPPostAuth    Category = "credssp_post_auth"
	CategoryCredSSPOracle      Category = "credssp_oracle"
	CategoryCredentials        Category = "credentials"
	CategoryNetwork            Category = "network"
	CategoryTLS                Category = "tls"
	CategoryUnknown            Category = "unknown"
)

// Categories lists every category in match order, unknown last.
var Categories = []Category{
	CategoryCredSSPPostAuth,
	CategoryCredSSPOracle,
	CategoryCredentials,
	CategoryNetwork,
	CategoryTLS,
	CategoryDuplicateSession,
	CategoryNegotiationFailure,
	CategoryUnknown,
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities, high first.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ProbableCause is one remediation entry.
type ProbableCause struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Steps       []string `json:"steps"`
	Severity    Severity `json:"severity"`
}

// Settings is the connection context that refines the cause list.
type Settings struct {
	Protocol   string `json:"protocol,omitempty"`
	NLAEnabled bool   `json:"nla_enabled"`
	Strategy   string `json:"strategy,omitempty"`
	Domain     string `json:"domain,omitempty"`
}

type Result struct {
	Category Category        `json:"category"`
	Causes   []ProbableCause `json:"causes"`
}

type rule struct {
	category Category
	markers  []string
}

// rules are evaluated in order; the first marker found wins. Matching is
// case-sensitive.
var rules = []rule{
	{CategoryCredSSPPostAuth, []string{"post-authentication", "after credential delegation", "ERRCONNECT_POST_AUTH"}},
	{CategoryCredSSPOracle, []string{"CredSSP", "oracle", "encryption"}},
	{CategoryCredentials, []string{"NTLM", "authentication failed", "STATUS_LOGON_FAILURE", "Permission denied", "unable to authenticate"}},
	{CategoryNetwork, []string{"timed out", "unreachable", "i/o timeout", "connection refused", "no such host", "connection reset"}},
	{CategoryTLS, []string{"certificate", "SSL", "CERT_", "x509", "tls:"}},
	{CategoryDuplicateSession, []string{"already connected", "duplicate session", "session already exists", "another user is connected", "ERRINFO_LOGOFF_BY_USER"}},
	{CategoryNegotiationFailure, []string{"negotiation", "security protocol", "REQUIRED_BY_SERVER", "NOT_ALLOWED_BY_SERVER", "INCONSISTENT_FLAGS"}},
}

// CategoryOf returns the category of raw without building causes.
func CategoryOf(raw string) Category {
	for _, r := range rules {
		for _, marker := range r.markers {
			if strings.Contains(raw, marker) {
				return r.category
			}
		}
	}
	return CategoryUnknown
}

// Classify assigns exactly one category to raw and returns its causes,
// severity ordered. It never fails.
func Classify(raw string, settings Settings) Result {
	category := CategoryOf(raw)

	// settings-specific causes lead within their severity
	causes := contextualCauses(category, settings)
	causes = append(causes, causeTable[category]...)
	sortBySeverity(causes)

	return Result{Category: category, Causes: causes}
}

// ClassifyError classifies err's message; a nil error is unknown.
func ClassifyError(err error, settings Settings) Result {
	if err == nil {
		return Classify("", settings)
	}
	return Classify(err.Error(), settings)
}

func contextualCauses(category Category, s Settings) []ProbableCause {
	var extra []ProbableCause

	switch category {
	case CategoryCredentials:
		if s.Domain == "" {
			extra = append(extra, ProbableCause{
				Title:       "No domain supplied",
				Description: "Domain-joined hosts usually expect DOMAIN\\user or user@domain.",
				Steps: []string{
					"Enter the account as DOMAIN\\user or user@domain",
					"For local accounts use .\\user or HOSTNAME\\user",
				},
				Severity: SeverityMedium,
			})
		}
	case CategoryNegotiationFailure:
		if s.Strategy == "plain-only" {
			extra = append(extra, ProbableCause{
				Title:       "Plain RDP security forced",
				Description: "The plain-only strategy disables TLS and NLA, which most servers refuse.",
				Steps: []string{
					"Switch the negotiation strategy to auto or nla-first",
				},
				Severity: SeverityHigh,
			})
		}
		if !s.NLAEnabled {
			extra = append(extra, ProbableCause{
				Title:       "NLA disabled on the client",
				Description: "Servers configured to require Network Level Authentication reject clients that do not offer it.",
				Steps: []string{
					"Enable NLA in the connection settings",
					"Provide credentials so NLA can complete",
				},
				Severity: SeverityHigh,
			})
		}
	case CategoryCredSSPOracle, CategoryCredSSPPostAuth:
		if !s.NLAEnabled {
			extra = append(extra, ProbableCause{
				Title:       "Server forces NLA",
				Description: "The server started NLA although the client has it disabled.",
				Steps:       []string{"Enable NLA and retry with valid credentials"},
				Severity:    SeverityLow,
			})
		}
	case CategoryNetwork:
		if s.Protocol != "" && s.Protocol != "rdp" {
			extra = append(extra, ProbableCause{
				Title:       "Wrong service port",
				Description: "The target protocol is " + s.Protocol + "; check that the port matches that service.",
				Steps:       []string{"Confirm the port configured for the connection"},
				Severity:    SeverityLow,
			})
		}
	}

	return extra
}

func sortBySeverity(causes []ProbableCause) {
	sort.SliceStable(causes, func(i, j int) bool {
		return causes[i].Severity.Rank() > causes[j].Severity.Rank()
	})
}
