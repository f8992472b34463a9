package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/liamcoop/socialrules/capability"
	"github.com/liamcoop/socialrules/rules"
)

// qrImage renders a base64 PNG as an inline image
func qrImage(qr string) string {
	return "<img src='data:image/png;base64, " + qr + "'/>"
}

// SendEmail mails the acting user a reward notice with the QR code inline
func SendEmail(directory capability.UserDirectory, mailer capability.Mailer, log *slog.Logger) rules.ActionDefinition {
	return rules.ActionDefinition{
		ID:    SendEmailID,
		Label: "Send email",
		Params: []rules.Param{
			{Name: "message", Label: "Message", Type: rules.TypeString, Required: true},
			{Name: "Url", Label: "QR code", Type: rules.TypeString, Required: true},
			currentUser("recipient", "Recipient"),
		},
		Execute: func(ctx context.Context, args rules.Args) (rules.Provided, error) {
			if directory == nil || mailer == nil {
				return nil, failure(SendEmailID, "mail delivery is not configured", ErrNotConfigured)
			}

			uid := args.Int("recipient")
			user, err := directory.Lookup(ctx, uid)
			if err != nil {
				return nil, failure(SendEmailID, err.Error(), err)
			}
			if user.Mail == "" {
				return nil, failure(SendEmailID, fmt.Sprintf("user %d has no e-mail address", uid), nil)
			}

			receipt, err := mailer.Send(ctx, capability.Mail{
				To:      user.Mail,
				Subject: rewardSubject,
				HTML:    args.String("message") + "<br/>" + qrImage(args.String("Url")),
			})
			if err != nil {
				return nil, failure(SendEmailID, err.Error(), err)
			}

			log.InfoContext(ctx, "Successfully sent email",
				"recipient", user.Name,
				"message_id", receipt.MessageID)
			return nil, nil
		},
	}
}

// SendPrivateMessage sends the acting user a locked private message from userid,
// with the QR code appended when url is bound. The body is filtered as basic_html.
func SendPrivateMessage(messenger capability.Messenger, log *slog.Logger) rules.ActionDefinition {
	return rules.ActionDefinition{
		ID:    SendPrivateMessageID,
		Label: "Send private message including THX Reward",
		Params: []rules.Param{
			{Name: "userid", Label: "Sender", Type: rules.TypeInt, Required: true},
			{Name: "message", Label: "Message", Type: rules.TypeString, Required: true},
			{Name: "url", Label: "QR code", Type: rules.TypeString},
			currentUser("recipient", "Recipient"),
		},
		Execute: func(ctx context.Context, args rules.Args) (rules.Provided, error) {
			if messenger == nil {
				return nil, failure(SendPrivateMessageID, "private messaging is not configured", ErrNotConfigured)
			}

			body := args.String("message")
			if qr := args.String("url"); qr != "" {
				body += qrImage(qr)
			}

			delivery, err := messenger.Deliver(ctx, capability.DirectMessage{
				Sender:    args.Int("userid"),
				Recipient: args.Int("recipient"),
				Body:      FilterBasicHTML(body),
				Format:    FormatBasicHTML,
			})
			if err != nil {
				return nil, failure(SendPrivateMessageID, err.Error(), err)
			}

			log.InfoContext(ctx, "private message sent",
				"thread_id", delivery.ThreadID.String(),
				"recipient", args.Int("recipient"))
			return nil, nil
		},
	}
}

// RewardConfig locates the token reward pool
type RewardConfig struct {
	PoolAddress string
	APIURL      string
}

func (c RewardConfig) url() string {
	if c.APIURL == "" {
		return DefaultRewardAPI
	}
	return c.APIURL
}

type rewardRequest struct {
	Pool string `json:"pool"`
	Rule int64  `json:"rule"`
}

// ClaimProfileCompleteReward claims a reward for rule_id from the configured pool and
// provides the returned QR code, base64 without its data URI prefix, as fetched_qr.
func ClaimProfileCompleteReward(poster capability.HTTPPoster, config RewardConfig) rules.ActionDefinition {
	return rules.ActionDefinition{
		ID:    ClaimProfileRewardID,
		Label: "Claim profile complete reward",
		Params: []rules.Param{
			{Name: "rule_id", Label: "Reward rule", Type: rules.TypeInt, Default: rules.Defaulted(rules.IntValue(0))},
		},
		Provides: []rules.Param{
			{Name: "fetched_qr", Label: "Fetched QR code", Type: rules.TypeString},
		},
		Execute: func(ctx context.Context, args rules.Args) (rules.Provided, error) {
			if poster == nil {
				return nil, failure(ClaimProfileRewardID, "reward API client is not configured", ErrNotConfigured)
			}
			if config.PoolAddress == "" {
				return nil, failure(ClaimProfileRewardID, "reward pool address is not configured", ErrNotConfigured)
			}

			body, err := poster.PostJSON(ctx, config.url(), rewardRequest{Pool: config.PoolAddress, Rule: args.Int("rule_id")})
			if err != nil {
				var he *capability.HTTPError
				if errors.As(err, &he) {
					return nil, failure(ClaimProfileRewardID, fmt.Sprintf("reward API returned status %d", he.StatusCode), err)
				}
				return nil, failure(ClaimProfileRewardID, err.Error(), err)
			}

			return rules.Provided{"fetched_qr": rules.StringValue(parseQR(body))}, nil
		},
	}
}

// parseQR accepts a raw body or a JSON string and strips the PNG data URI prefix
func parseQR(body []byte) string {
	qr := strings.TrimSpace(string(body))
	if strings.HasPrefix(qr, `"`) {
		var s string
		if err := json.Unmarshal([]byte(qr), &s); err == nil {
			qr = s
		}
	}
	return strings.TrimPrefix(qr, qrImagePrefix)
}
