// Package social provides the built-in conditions and actions of the social
// platform: content and profile checks, reward e-mails, private messages and token
// reward claims.
package social

import (
	"errors"
	"io"
	"log/slog"

	"github.com/liamcoop/socialrules/capability"
	"github.com/liamcoop/socialrules/rules"
)

// Built-in identifiers
const (
	ContentCreatedID     = "rules_content_created"
	ProfileIsCompleteID  = "rules_profile_is_complete"
	SendEmailID          = "social_rules_send_email"
	SendPrivateMessageID = "rules_send_private_message"
	ClaimProfileRewardID = "rules_claim_profile_complete_reward"
)

const (
	// CurrentUserKey is the initial context key holding the acting user's id
	CurrentUserKey = "current_user"

	// DefaultRewardAPI is the token reward endpoint used when none is configured
	DefaultRewardAPI = "https://us-central1-thx-wallet-dev.cloudfunctions.net/api/rewards"
)

const (
	rewardSubject = "You got tokens!"
	qrImagePrefix = "data:image/png;base64,"
)

// ErrNotConfigured is returned by a built-in whose capability was not supplied
var ErrNotConfigured = errors.New("capability not configured")

// Deps are the capabilities the built-ins reach through. A nil capability still
// lets the built-in register, so documents can be validated offline; executing it fails.
type Deps struct {
	Counter   capability.Counter
	Directory capability.UserDirectory
	Mailer    capability.Mailer
	Messenger capability.Messenger
	HTTP      capability.HTTPPoster
	Reward    RewardConfig
	Logger    *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d.Logger
}

// Conditions returns the built-in condition definitions
func Conditions(deps Deps) []rules.ConditionDefinition {
	return []rules.ConditionDefinition{
		ContentCreated(deps.Counter),
		ProfileIsComplete(),
	}
}

// Actions returns the built-in action definitions
func Actions(deps Deps) []rules.ActionDefinition {
	return []rules.ActionDefinition{
		SendEmail(deps.Directory, deps.Mailer, deps.logger()),
		SendPrivateMessage(deps.Messenger, deps.logger()),
		ClaimProfileCompleteReward(deps.HTTP, deps.Reward),
	}
}

// Register adds every built-in to e
func Register(e *rules.Engine, deps Deps) error {
	for _, def := range Conditions(deps) {
		if err := e.RegisterCondition(def); err != nil {
			return err
		}
	}
	for _, def := range Actions(deps) {
		if err := e.RegisterAction(def); err != nil {
			return err
		}
	}
	return nil
}

// currentUser declares the acting user parameter, filled from the current_user key
// of the initial context unless the rule binds it explicitly.
func currentUser(name, label string) rules.Param {
	return rules.Param{
		Name:       name,
		Label:      label,
		Type:       rules.TypeInt,
		Required:   true,
		DefaultRef: CurrentUserKey,
	}
}

func failure(actionID, reason string, err error) error {
	return &rules.ActionFailure{ActionID: actionID, Reason: reason, Err: err}
}
