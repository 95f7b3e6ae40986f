// Package email delivers notifications by email through Resend.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"regexp"
	"strings"
	texttemplate "text/template"

	"github.com/resend/resend-go/v2"

	"quire/api/internal/notify"
)

// Sender is the part of the Resend client the channel uses.
type Sender interface {
	Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

type Config struct {
	APIKey string
	From   string
	AppURL string
	// Types lists the notification types worth an email. Empty means
	// mentions only.
	Types []string
}

// Channel is a notify.Channel that emails the recipient. Deliveries of
// other types, or to members without an address, are skipped.
type Channel struct {
	sender Sender
	from   string
	appURL string
	types  map[notify.Type]bool
}

func NewChannel(cfg Config) *Channel {
	return NewChannelWithSender(resend.NewClient(cfg.APIKey).Emails, cfg)
}

func NewChannelWithSender(sender Sender, cfg Config) *Channel {
	types := map[notify.Type]bool{}
	for _, t := range cfg.Types {
		if t = strings.TrimSpace(strings.ToLower(t)); t != "" {
			types[notify.Type(t)] = true
		}
	}
	if len(types) == 0 {
		types[notify.TypeMention] = true
	}
	return &Channel{
		sender: sender,
		from:   cfg.From,
		appURL: strings.TrimRight(cfg.AppURL, "/"),
		types:  types,
	}
}

// IsConfigured reports whether a sender address is set.
func (c *Channel) IsConfigured() bool {
	return c.from != ""
}

// Wants reports whether deliveries of type t are emailed.
func (c *Channel) Wants(t notify.Type) bool {
	return c.types[t]
}

type notificationData struct {
	AppName    string
	Recipient  string
	AuthorName string
	Action     string
	Content    string
	ThreadURL  string
}

func (c *Channel) Deliver(ctx context.Context, d notify.Delivery) error {
	if !c.IsConfigured() || !c.Wants(d.ActivityData.Type) {
		return nil
	}
	to := strings.TrimSpace(d.Recipient.Email)
	if !IsValidEmail(to) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data := notificationData{
		AppName:    "Quire",
		Recipient:  firstNonBlank(d.Recipient.Name, d.UserID),
		AuthorName: firstNonBlank(d.ActivityData.AuthorName, d.ActivityData.AuthorID),
		Action:     action(d.ActivityData.Type),
		Content:    d.ActivityData.Content,
		ThreadURL:  fmt.Sprintf("%s/rooms/%s?thread=%s", c.appURL, d.RoomID, d.SubjectID),
	}

	html, err := renderTemplate(notificationEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render notification template: %w", err)
	}
	text, err := renderText(notificationTextTemplate, data)
	if err != nil {
		return fmt.Errorf("render notification text: %w", err)
	}

	_, err = c.sender.Send(&resend.SendEmailRequest{
		From:    c.from,
		To:      []string{to},
		Subject: fmt.Sprintf("%s %s", data.AuthorName, data.Action),
		Text:    text,
		Html:    html,
		Headers: map[string]string{"X-Entity-Ref-ID": d.Key},
	})
	if err != nil {
		return fmt.Errorf("error sending email: %w", err)
	}
	return nil
}

func action(t notify.Type) string {
	switch t {
	case notify.TypeMention:
		return "mentioned you in a comment"
	case notify.TypeReply:
		return "replied to a comment"
	case notify.TypeResolve:
		return "resolved a thread"
	default:
		return "commented on a thread"
	}
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_\x60{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

func IsValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	return emailPattern.MatchString(email)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderText(tmpl string, data interface{}) (string, error) {
	t := texttemplate.Must(texttemplate.New("email-text").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const notificationTextTemplate = `Hi {{.Recipient}},

{{.AuthorName}} {{.Action}}.
{{if .Content}}
"{{.Content}}"
{{end}}
Open the thread: {{.ThreadURL}}
`

const notificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AuthorName}} {{.Action}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #6b4fbb; padding-bottom: 10px; margin-bottom: 20px; }
        .quote { border-left: 3px solid #d7cdf2; padding: 4px 12px; color: #555; margin: 16px 0; white-space: pre-wrap; }
        .button { display: inline-block; padding: 12px 24px; background: #6b4fbb; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.Recipient}},</p>

    <p><strong>{{.AuthorName}}</strong> {{.Action}}.</p>
    {{if .Content}}
    <div class="quote">{{.Content}}</div>
    {{end}}
    <p>
        <a href="{{.ThreadURL}}" class="button">Open thread</a>
    </p>

    <div class="footer">
        <p>You are receiving this because you belong to the document's workspace in {{.AppName}}.</p>
    </div>
</body>
</html>`
