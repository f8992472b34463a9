package social

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/socialrules/capability"
	"github.com/liamcoop/socialrules/rules"
)

type fakeCounter struct {
	counts map[string]int64
	err    error
	seen   []capability.Filter
}

func (c *fakeCounter) Count(ctx context.Context, kind string, filter capability.Filter) (int64, error) {
	c.seen = append(c.seen, filter)
	if c.err != nil {
		return 0, c.err
	}
	return c.counts[kind], nil
}

type fakeDirectory map[int64]capability.User

func (d fakeDirectory) Lookup(ctx context.Context, uid int64) (capability.User, error) {
	u, ok := d[uid]
	if !ok {
		return capability.User{}, capability.ErrUserNotFound
	}
	return u, nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []capability.Mail
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, mail capability.Mail) (capability.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return capability.Receipt{}, &capability.DeliveryError{Recipient: mail.To, Err: m.err}
	}
	m.sent = append(m.sent, mail)
	return capability.Receipt{MessageID: "<1@example.org>"}, nil
}

type fakeMessenger struct {
	delivered []capability.DirectMessage
	err       error
}

func (m *fakeMessenger) Deliver(ctx context.Context, msg capability.DirectMessage) (capability.Delivery, error) {
	if m.err != nil {
		return capability.Delivery{}, m.err
	}
	m.delivered = append(m.delivered, msg)
	return capability.Delivery{ThreadID: uuid.New(), MessageID: uuid.New()}, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func builtinEngine(t *testing.T, deps Deps) *rules.Engine {
	t.Helper()
	e := rules.NewEngine(rules.WithLogger(discard()))
	require.NoError(t, Register(e, deps))
	return e
}

func registerDocument(t *testing.T, e *rules.Engine, yaml string) {
	t.Helper()
	doc, err := rules.ParseDocument([]byte(yaml))
	require.NoError(t, err)
	require.NoError(t, doc.Register(e))
}

func TestRegisterWithoutCapabilities(t *testing.T) {
	e := builtinEngine(t, Deps{})

	ids := []string{}
	for _, c := range e.Conditions() {
		ids = append(ids, c.ID)
	}
	for _, a := range e.Actions() {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{
		ContentCreatedID, ProfileIsCompleteID,
		SendEmailID, SendPrivateMessageID, ClaimProfileRewardID,
	}, ids)

	registerDocument(t, e, `
rules:
  - id: reward
    event: user_login
    actions:
      - action: rules_claim_profile_complete_reward
`)
	outcomes, err := e.Fire(context.Background(), "user_login", nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, rules.StateFailed, outcomes[0].State)
	assert.Equal(t, ClaimProfileRewardID, outcomes[0].FailedActionID)
	assert.ErrorIs(t, outcomes[0].Err, ErrNotConfigured)
}

func TestRegisterTwiceFails(t *testing.T) {
	e := builtinEngine(t, Deps{})
	err := Register(e, Deps{})
	assert.ErrorIs(t, err, rules.ErrDuplicateConditionID)
}

const rewardDocument = `
rules:
  - id: profile_complete_reward
    name: Reward a completed profile
    event: profile_updated
    conditions:
      condition: rules_profile_is_complete
      params:
        node: {ref: profile}
    actions:
      - action: rules_claim_profile_complete_reward
        params:
          rule_id: {value: 2}
      - action: social_rules_send_email
        params:
          message: {value: "Thanks for completing your profile"}
          Url: {ref: fetched_qr}
      - action: rules_send_private_message
        params:
          userid: {value: 1}
          message: {value: "<p>You earned tokens</p><script>x()</script>"}
          url: {ref: fetched_qr}
`

func TestProfileRewardPipeline(t *testing.T) {
	var claims int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims++
		_, _ = w.Write([]byte("data:image/png;base64,UVJDT0RF"))
	}))
	defer srv.Close()

	mailer := &fakeMailer{}
	messenger := &fakeMessenger{}
	e := builtinEngine(t, Deps{
		Directory: fakeDirectory{42: {ID: 42, Name: "ada", Mail: "ada@example.org"}},
		Mailer:    mailer,
		Messenger: messenger,
		HTTP:      capability.NewJSONClientWith(srv.Client()),
		Reward:    RewardConfig{PoolAddress: "0xpool", APIURL: srv.URL},
	})
	registerDocument(t, e, rewardDocument)

	profile := rules.EntityValue(rules.Entity{Kind: "profile", ID: 7, Fields: map[string]any{
		"field_profile_first_name":  "Ada",
		"field_profile_last_name":   "Lovelace",
		"field_profile_profile_tag": nil,
	}})
	outcomes, err := e.Fire(context.Background(), "profile_updated", map[string]rules.Value{
		CurrentUserKey: rules.IntValue(42),
		"profile":      profile,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, rules.StateCompleted, outcomes[0].State, outcomes[0].Reason)
	assert.Equal(t, 1, claims)

	qr, ok := outcomes[0].Context.Get("fetched_qr")
	require.True(t, ok)
	assert.Equal(t, "UVJDT0RF", qr.Text())

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, capability.Mail{
		To:      "ada@example.org",
		Subject: "You got tokens!",
		HTML:    "Thanks for completing your profile<br/><img src='data:image/png;base64, UVJDT0RF'/>",
	}, mailer.sent[0])

	require.Len(t, messenger.delivered, 1)
	assert.Equal(t, capability.DirectMessage{
		Sender:    1,
		Recipient: 42,
		Body:      `<p>You earned tokens</p><img src="data:image/png;base64, UVJDT0RF" />`,
		Format:    "basic_html",
	}, messenger.delivered[0])
}

func TestProfileRewardStopsWhenIncomplete(t *testing.T) {
	mailer := &fakeMailer{}
	e := builtinEngine(t, Deps{Mailer: mailer})
	registerDocument(t, e, rewardDocument)

	profile := rules.EntityValue(rules.Entity{Kind: "profile", ID: 7, Fields: map[string]any{
		"field_profile_first_name": "Ada",
		"field_profile_last_name":  "",
	}})
	outcomes, err := e.Fire(context.Background(), "profile_updated", map[string]rules.Value{
		CurrentUserKey: rules.IntValue(42),
		"profile":      profile,
	})
	require.NoError(t, err)
	assert.Equal(t, rules.StateConditionsNotMet, outcomes[0].State)
	assert.Empty(t, mailer.sent)
}

func TestClaimRewardFailureHaltsPipeline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown pool", http.StatusBadRequest)
	}))
	defer srv.Close()

	mailer := &fakeMailer{}
	e := builtinEngine(t, Deps{
		Directory: fakeDirectory{42: {ID: 42, Mail: "ada@example.org"}},
		Mailer:    mailer,
		HTTP:      capability.NewJSONClientWith(srv.Client()),
		Reward:    RewardConfig{PoolAddress: "0xpool", APIURL: srv.URL},
	})
	registerDocument(t, e, rewardDocument)

	outcomes, err := e.Fire(context.Background(), "profile_updated", map[string]rules.Value{
		CurrentUserKey: rules.IntValue(42),
		"profile":      rules.EntityValue(rules.Entity{Kind: "profile", ID: 7}),
	})
	require.NoError(t, err)
	o := outcomes[0]
	assert.Equal(t, rules.StateFailed, o.State)
	assert.Equal(t, ClaimProfileRewardID, o.FailedActionID)
	assert.Equal(t, "reward API returned status 400", o.Reason)
	assert.False(t, o.Context.Has("fetched_qr"))
	assert.Empty(t, mailer.sent, "later actions must not run")

	var he *capability.HTTPError
	assert.ErrorAs(t, o.Err, &he)
}

func TestContentCreated(t *testing.T) {
	counts := map[string]int64{"node": 2, "post": 3, "group": 1}

	tests := []struct {
		name   string
		amount int64
		want   bool
	}{
		{"exact total", 6, true},
		{"below total", 5, false},
		{"above total", 7, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := &fakeCounter{counts: counts}
			def := ContentCreated(counter)
			got, err := def.Evaluate(context.Background(), rules.NewArgs(map[string]rules.Value{
				"content_amount": rules.IntValue(tt.amount),
				"user":           rules.IntValue(9),
			}))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			require.Len(t, counter.seen, 3)
			assert.Equal(t, capability.Filter{"owner": int64(9)}, counter.seen[0])
		})
	}
}

func TestContentCreatedUsesCurrentUser(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int64{"node": 1}}
	e := builtinEngine(t, Deps{Counter: counter})
	registerDocument(t, e, `
rules:
  - id: first_content
    event: content_created
    conditions:
      condition: rules_content_created
      params:
        content_amount: {value: 1}
`)

	outcomes, err := e.Fire(context.Background(), "content_created", map[string]rules.Value{
		CurrentUserKey: rules.IntValue(5),
	})
	require.NoError(t, err)
	assert.Equal(t, rules.StateCompleted, outcomes[0].State)
	assert.Equal(t, capability.Filter{"owner": int64(5)}, counter.seen[0])

	// without an acting user the rule cannot bind its parameters
	outcomes, err = e.Fire(context.Background(), "content_created", nil)
	require.NoError(t, err)
	assert.Equal(t, rules.StateFailed, outcomes[0].State)
	assert.ErrorIs(t, outcomes[0].Err, rules.ErrMissingRequiredParameter)
}

func TestContentCreatedCounterError(t *testing.T) {
	def := ContentCreated(&fakeCounter{err: errors.New("db down")})
	_, err := def.Evaluate(context.Background(), rules.NewArgs(map[string]rules.Value{
		"content_amount": rules.IntValue(1), "user": rules.IntValue(1),
	}))
	assert.ErrorContains(t, err, "db down")

	_, err = ContentCreated(nil).Evaluate(context.Background(), rules.NewArgs(nil))
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestProfileIsComplete(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   bool
	}{
		{"all filled", map[string]any{"field_profile_first_name": "Ada", "field_profile_phone_number": []any{"123"}}, true},
		{"empty string", map[string]any{"field_profile_first_name": "Ada", "field_profile_last_name": ""}, false},
		{"whitespace only", map[string]any{"field_profile_last_name": "  "}, false},
		{"nil value", map[string]any{"field_profile_image": nil}, false},
		{"empty list", map[string]any{"field_profile_expertise": []any{}}, false},
		{"empty map", map[string]any{"field_profile_address": map[string]any{}}, false},
		{"profile tag ignored", map[string]any{"field_profile_first_name": "Ada", "field_profile_profile_tag": ""}, true},
		{"non field keys ignored", map[string]any{"uid": nil, "created": ""}, true},
		{"numbers count as filled", map[string]any{"field_profile_age": 0}, true},
		{"no fields", nil, true},
	}

	def := ProfileIsComplete()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := def.Evaluate(context.Background(), rules.NewArgs(map[string]rules.Value{
				"node": rules.EntityValue(rules.Entity{Kind: "profile", ID: 1, Fields: tt.fields}),
			}))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSendEmailFailures(t *testing.T) {
	tests := []struct {
		name      string
		directory capability.UserDirectory
		mailer    *fakeMailer
		wantErr   error
		reason    string
	}{
		{"unknown user", fakeDirectory{}, &fakeMailer{}, capability.ErrUserNotFound, "user not found"},
		{"no address", fakeDirectory{42: {ID: 42}}, &fakeMailer{}, nil, "user 42 has no e-mail address"},
		{"relay down", fakeDirectory{42: {ID: 42, Mail: "a@example.org"}}, &fakeMailer{err: errors.New("connection refused")}, nil, "deliver mail to a@example.org: connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := SendEmail(tt.directory, tt.mailer, discard())
			_, err := def.Execute(context.Background(), rules.NewArgs(map[string]rules.Value{
				"message":   rules.StringValue("m"),
				"Url":       rules.StringValue("QR"),
				"recipient": rules.IntValue(42),
			}))

			var af *rules.ActionFailure
			require.ErrorAs(t, err, &af)
			assert.Equal(t, SendEmailID, af.ActionID)
			assert.Equal(t, tt.reason, af.Reason)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestSendPrivateMessageWithoutQR(t *testing.T) {
	messenger := &fakeMessenger{}
	def := SendPrivateMessage(messenger, discard())

	_, err := def.Execute(context.Background(), rules.NewArgs(map[string]rules.Value{
		"userid":    rules.IntValue(1),
		"message":   rules.StringValue("Hello <em>there</em>"),
		"recipient": rules.IntValue(3),
	}))
	require.NoError(t, err)
	require.Len(t, messenger.delivered, 1)
	assert.Equal(t, "Hello <em>there</em>", messenger.delivered[0].Body)
	assert.Equal(t, int64(3), messenger.delivered[0].Recipient)

	failing := SendPrivateMessage(&fakeMessenger{err: errors.New("tx aborted")}, discard())
	_, err = failing.Execute(context.Background(), rules.NewArgs(map[string]rules.Value{
		"userid": rules.IntValue(1), "message": rules.StringValue("x"), "recipient": rules.IntValue(3),
	}))
	var af *rules.ActionFailure
	require.ErrorAs(t, err, &af)
	assert.Equal(t, "tx aborted", af.Reason)
}

func TestClaimRewardNeedsPool(t *testing.T) {
	def := ClaimProfileCompleteReward(capability.NewJSONClient(0), RewardConfig{})
	_, err := def.Execute(context.Background(), rules.NewArgs(nil))
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestParseQR(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{"data:image/png;base64,QUJD", "QUJD"},
		{"QUJD\n", "QUJD"},
		{`"data:image/png;base64,QUJD"`, "QUJD"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseQR([]byte(tt.body)), "parseQR(%q)", tt.body)
	}
}
