package agent

import (
	"regexp"
	"strings"
)

// Decision is a routing outcome.
type Decision struct {
	Agent  string `json:"agent"`
	Reason string `json:"reason"`
}

// Router chooses which agent should take a piece of work. Implementations
// are replaceable; the pipeline only depends on this interface.
type Router interface {
	Route(text string) Decision
}

var (
	securityText = regexp.MustCompile(`security|scan|firewall|threat|ssl|hack|vulnerability`)
	copyText     = regexp.MustCompile(`write|copy|content|blog|article|headline|email|campaign`)
	devText      = regexp.MustCompile(`code|bug|api|deploy|database|server|fix|build|test|develop`)
)

// KeywordRouter matches configured agent keywords first, then falls back to
// role heuristics, then to the orchestrator.
type KeywordRouter struct {
	reg *Registry
}

func NewKeywordRouter(reg *Registry) *KeywordRouter {
	return &KeywordRouter{reg: reg}
}

func (k *KeywordRouter) Route(text string) Decision {
	text = strings.ToLower(text)
	agents := k.reg.List()

	for _, a := range agents {
		for _, kw := range a.Keywords {
			if kw != "" && strings.Contains(text, kw) {
				return Decision{Agent: a.ID, Reason: "Matched keywords for " + a.Name}
			}
		}
	}

	byRole := func(fragments ...string) (string, bool) {
		for _, a := range agents {
			role := strings.ToLower(a.Role)
			for _, f := range fragments {
				if strings.Contains(role, f) {
					return a.ID, true
				}
			}
		}
		return "", false
	}

	if securityText.MatchString(text) {
		if id, ok := byRole("security"); ok {
			return Decision{Agent: id, Reason: "Security-related task detected"}
		}
	}
	if copyText.MatchString(text) {
		if id, ok := byRole("copy", "writ"); ok {
			return Decision{Agent: id, Reason: "Content creation task detected"}
		}
	}
	if devText.MatchString(text) {
		if id, ok := byRole("engineer", "develop"); ok {
			return Decision{Agent: id, Reason: "Technical task detected"}
		}
	}

	return Decision{Agent: k.reg.Orchestrator(), Reason: "General task - handling directly"}
}
