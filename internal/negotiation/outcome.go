package negotiation

import (
	"errors"

	"github.com/rcarmo/rdp-netdiag/internal/classify"
	"github.com/rcarmo/rdp-netdiag/internal/target"
)

// Outcome is the reportable result of a Negotiate call.
type Outcome struct {
	Success          bool             `json:"success"`
	Combination      *Combination     `json:"combination,omitempty"`
	SelectedProtocol string           `json:"selectedProtocol,omitempty"`
	Session          *Session         `json:"session,omitempty"`
	Best             *Attempt         `json:"best,omitempty"`
	Error            string           `json:"error,omitempty"`
	Classification   *classify.Result `json:"classification,omitempty"`
}

// NewOutcome summarises a Negotiate result. Failures are classified from
// the best attempt's error.
func NewOutcome(t target.Target, settings Settings, est *Established, err error) Outcome {
	if err == nil && est != nil {
		combo := est.Combination
		return Outcome{
			Success:          true,
			Combination:      &combo,
			SelectedProtocol: est.SelectedProtocol.String(),
			Session:          est.Session,
		}
	}

	out := Outcome{}
	if err != nil {
		out.Error = err.Error()
	}
	message := out.Error
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		out.Session = exhausted.Session
		out.Best = exhausted.Best
		if exhausted.Best != nil && exhausted.Best.Error != "" {
			message = exhausted.Best.Error
		}
	}

	settings = effectiveSettings(t, settings).withDefaults()
	domain, _ := t.Credentials.DomainUser()
	result := classify.Classify(message, classify.Settings{
		Protocol:   string(target.ProtocolRDP),
		NLAEnabled: settings.EnableCredSSP,
		Strategy:   string(settings.Strategy),
		Domain:     domain,
	})
	out.Classification = &result
	return out
}
