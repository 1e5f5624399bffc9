// Package guard drives the login lifecycle: it decides when a CAPTCHA challenge
// gates authentication and keeps the failure ledger in step with login results.
package guard

// State is the challenge state of a single authenticate request. It is computed
// per request and never stored.
type State string

// Challenge states.
const (
	StateUnchallenged      State = "UNCHALLENGED"
	StateChallengeRequired State = "CHALLENGE_REQUIRED"
	StateChallengePassed   State = "CHALLENGE_PASSED"
	StateChallengeFailed   State = "CHALLENGE_FAILED_OR_MISSING"
)

// Action tells the host what to do with an authenticate request.
type Action string

// Actions.
const (
	ActionProceed Action = "proceed"
	ActionReject  Action = "reject"
)

// Rejection reasons.
const (
	ReasonMissingChallengeInput = "missing_challenge_input"
	ReasonChallengeFailed       = "challenge_failed"
)

// User-visible messages attached to rejections.
const (
	MessageChallengeRequired = "Please complete the verification challenge before signing in."
	MessageChallengeFailed   = "The verification challenge could not be confirmed. Please try again."
)

// LoginArgs is the argument bag the host passes to every lifecycle hook.
type LoginArgs struct {
	User     string
	ClientIP string
	// Fields holds the submitted login form, including the challenge response.
	Fields map[string]string
	// TrustedSession is set by the host when it recognised a trusted-session cookie.
	TrustedSession bool
}

// Outcome is the result of Authenticate.
type Outcome struct {
	Action      Action
	State       State
	Reason      string
	UserMessage string
	ErrorCodes  []string
	Args        LoginArgs
}

// Proceeding reports whether the credential check may run.
func (o Outcome) Proceeding() bool {
	return o.Action == ActionProceed
}

// RenderResult tells the host whether to decorate the login form with a challenge widget.
type RenderResult struct {
	ShowChallenge bool
	Provider      string
	SiteKey       string
	ResponseField string
}

// LedgerResult reports what a post-authentication hook did to the ledger.
type LedgerResult struct {
	Updated bool
	// Hits is the failure count after a failed login; zero after a success.
	Hits int
	// ChallengeRequired tells the host the next attempt will be challenged.
	ChallengeRequired bool
	Err               error
}
