// Package negotiation drives RDP security negotiation through an ordered
// list of security/TLS combinations with retries and fallback.
package negotiation

import (
	"errors"
	"fmt"
	"time"

	"github.com/rcarmo/rdp-netdiag/internal/protocol/pdu"
)

type SecurityMode string

const (
	SecurityCredSSP SecurityMode = "credssp"
	SecurityTLS     SecurityMode = "tls"
	SecurityPlain   SecurityMode = "plain"
)

// rank orders modes by how much a failure in that mode tells the user.
func (m SecurityMode) rank() int {
	switch m {
	case SecurityCredSSP:
		return 3
	case SecurityTLS:
		return 2
	case SecurityPlain:
		return 1
	default:
		return 0
	}
}

// Valid reports whether m is a known mode.
func (m SecurityMode) Valid() bool {
	return m.rank() > 0
}

type TLSMode string

const (
	TLSModern TLSMode = "modern"
	TLSLegacy TLSMode = "legacy"
	TLSNone   TLSMode = "none"
)

// Combination is one security/TLS pairing the engine can attempt.
type Combination struct {
	Security SecurityMode `json:"security"`
	TLS      TLSMode      `json:"tls"`
}

func (c Combination) String() string {
	return string(c.Security) + "/" + string(c.TLS)
}

// Requested returns the RDP_NEG_REQ protocols sent for the combination.
func (c Combination) Requested() pdu.NegotiationProtocol {
	switch c.Security {
	case SecurityCredSSP:
		return pdu.NegotiationProtocolHybrid | pdu.NegotiationProtocolHybridEx
	case SecurityTLS:
		return pdu.NegotiationProtocolSSL
	default:
		return pdu.NegotiationProtocolRDP
	}
}

// Accepts reports whether the server's choice satisfies the combination.
func (c Combination) Accepts(selected pdu.NegotiationProtocol) bool {
	switch c.Security {
	case SecurityCredSSP:
		return selected.UsesCredSSP()
	case SecurityTLS:
		return selected.IsSSL()
	default:
		return selected.IsRDP()
	}
}

type Strategy string

const (
	StrategyNLAFirst  Strategy = "nla-first"
	StrategyTLSFirst  Strategy = "tls-first"
	StrategyNLAOnly   Strategy = "nla-only"
	StrategyTLSOnly   Strategy = "tls-only"
	StrategyPlainOnly Strategy = "plain-only"
	StrategyAuto      Strategy = "auto"
)

var (
	credsspModern = Combination{SecurityCredSSP, TLSModern}
	credsspLegacy = Combination{SecurityCredSSP, TLSLegacy}
	tlsModern     = Combination{SecurityTLS, TLSModern}
	tlsLegacy     = Combination{SecurityTLS, TLSLegacy}
	plain         = Combination{SecurityPlain, TLSNone}
)

var strategyOrder = map[Strategy][]Combination{
	StrategyNLAFirst:  {credsspModern, tlsModern, plain},
	StrategyTLSFirst:  {tlsModern, credsspModern, plain},
	StrategyNLAOnly:   {credsspModern},
	StrategyTLSOnly:   {tlsModern},
	StrategyPlainOnly: {plain},
	StrategyAuto:      {credsspModern, tlsModern, credsspLegacy, tlsLegacy, plain},
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	_, ok := strategyOrder[s]
	return ok
}

var (
	ErrNoCandidates    = errors.New("negotiation settings leave no combination to try")
	ErrUnknownStrategy = errors.New("unknown negotiation strategy")
)

// Settings is the single source of negotiation policy.
type Settings struct {
	Strategy   Strategy `json:"strategy"`
	AutoDetect bool     `json:"autoDetect"`
	// Mode is attempted alone when AutoDetect is false; empty selects the
	// strategy's first mode. A mode the strategy does not list is still
	// attempted with modern TLS.
	Mode           SecurityMode  `json:"mode,omitempty"`
	EnableCredSSP  bool          `json:"enableCredSSP"`
	MaxRetries     int           `json:"maxRetries"`
	RetryDelay     time.Duration `json:"retryDelay"`
	PerModeRetries int           `json:"perModeRetries"`
	AttemptTimeout time.Duration `json:"attemptTimeout"`
	CredSSPVersion int           `json:"credsspVersion"`
	TLSMinVersion  string        `json:"tlsMinVersion"`
	// AllowLegacyTLS keeps the legacy TLS combinations of the auto strategy.
	AllowLegacyTLS bool `json:"allowLegacyTLS"`
}

func DefaultSettings() Settings {
	return Settings{
		Strategy:       StrategyNLAFirst,
		AutoDetect:     true,
		EnableCredSSP:  true,
		MaxRetries:     3,
		RetryDelay:     time.Second,
		PerModeRetries: 2,
		AttemptTimeout: 10 * time.Second,
		CredSSPVersion: 6,
		TLSMinVersion:  "1.2",
		AllowLegacyTLS: true,
	}
}

// Candidates returns the combinations to try, in order.
func (s Settings) Candidates() ([]Combination, error) {
	order, ok := strategyOrder[s.Strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, s.Strategy)
	}

	var out []Combination
	for _, c := range order {
		if c.Security == SecurityCredSSP && !s.EnableCredSSP {
			continue
		}
		if c.TLS == TLSLegacy && !s.AllowLegacyTLS {
			continue
		}
		out = append(out, c)
	}

	if !s.AutoDetect {
		out = s.single(out)
	}

	if len(out) == 0 {
		return nil, ErrNoCandidates
	}
	return out, nil
}

// single narrows order to the one combination of the configured mode.
func (s Settings) single(order []Combination) []Combination {
	mode := s.Mode
	if mode == "" {
		if len(order) == 0 {
			return nil
		}
		mode = order[0].Security
	}
	for _, c := range order {
		if c.Security == mode {
			return []Combination{c}
		}
	}
	switch {
	case mode == SecurityCredSSP && s.EnableCredSSP:
		return []Combination{credsspModern}
	case mode == SecurityTLS:
		return []Combination{tlsModern}
	case mode == SecurityPlain:
		return []Combination{plain}
	}
	return nil
}

// perModeCap is the number of attempts one combination may consume.
func (s Settings) perModeCap() int {
	if !s.AutoDetect {
		return s.MaxRetries
	}
	if s.PerModeRetries < 1 {
		return 1
	}
	return s.PerModeRetries
}

// withDefaults fills zero numeric fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Strategy == "" {
		s.Strategy = d.Strategy
	}
	if s.MaxRetries < 1 {
		s.MaxRetries = d.MaxRetries
	}
	if s.PerModeRetries < 1 {
		s.PerModeRetries = d.PerModeRetries
	}
	if s.AttemptTimeout <= 0 {
		s.AttemptTimeout = d.AttemptTimeout
	}
	if s.RetryDelay < 0 {
		s.RetryDelay = 0
	}
	if s.CredSSPVersion == 0 {
		s.CredSSPVersion = d.CredSSPVersion
	}
	if s.TLSMinVersion == "" {
		s.TLSMinVersion = d.TLSMinVersion
	}
	return s
}
