package idp

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	mail "github.com/wneessen/go-mail"
)

type smtpNotifier struct {
	cfg   *SmtpConfig
	title string
}

// NewSmtpNotifier returns an INotifier that mails the invitation link to
// the user. The title names the instance in the subject and body.
func NewSmtpNotifier(cfg *SmtpConfig, title string) INotifier {
	return &smtpNotifier{cfg: cfg, title: title}
}

func (n *smtpNotifier) SendInvitation(name string, email string, invitationLink string) (err error) {
	var msg = mail.NewMsg()
	if err = msg.From(n.cfg.From); err != nil {
		return fmt.Errorf("invalid sender address %q: %w", n.cfg.From, err)
	}
	if err = msg.To(email); err != nil {
		return fmt.Errorf("invalid recipient address %q: %w", email, err)
	}
	msg.Subject(fmt.Sprintf("You have been invited to %s", n.title))
	msg.SetBodyString(mail.TypeTextPlain, fmt.Sprintf(
		"Hello %s,\n\n"+
			"an account has been prepared for you on %s.\n"+
			"Use the link below to finish your registration:\n\n"+
			"%s\n\n"+
			"The link is valid for a limited time and can only be used once.\n",
		name, n.title, invitationLink))

	var opts = []mail.Option{mail.WithPort(n.cfg.Port)}
	if len(n.cfg.Username) > 0 {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.cfg.Username),
			mail.WithPassword(n.cfg.Password))
	}
	var client *mail.Client
	if client, err = mail.NewClient(n.cfg.Host, opts...); err != nil {
		return fmt.Errorf("cannot build SMTP client: %w", err)
	}
	if err = client.DialAndSend(msg); err != nil {
		return fmt.Errorf("cannot send invitation mail to %q: %w", email, err)
	}
	log.WithField("email", email).Debug("invitation mail sent")
	return nil
}

type logNotifier struct{}

// NewLogNotifier logs the invitation link instead of delivering it. Used
// when no SMTP configuration is present, so an operator can still hand the
// link over manually.
func NewLogNotifier() INotifier {
	return logNotifier{}
}

func (logNotifier) SendInvitation(name string, email string, invitationLink string) error {
	log.WithFields(log.Fields{
		"name":  name,
		"email": email,
		"link":  invitationLink,
	}).Info("no SMTP configured, invitation link not mailed")
	return nil
}
