package engine

import (
	"fmt"

	"replyflow/mailer"
	"replyflow/models"
	"replyflow/utils"
)

func smtpCredentials(mb *models.Mailbox, c *utils.Cipher) (mailer.SMTPCredentials, error) {
	password, err := c.Decrypt(mb.SMTPPassword)
	if err != nil {
		return mailer.SMTPCredentials{}, fmt.Errorf("failed to decrypt SMTP password: %w", err)
	}
	return mailer.SMTPCredentials{
		Host:       mb.SMTPHost,
		Port:       mb.SMTPPort,
		Username:   mb.SMTPUsername,
		Password:   password,
		Encryption: mb.Encryption,
	}, nil
}

func imapCredentials(mb *models.Mailbox, c *utils.Cipher) (mailer.IMAPCredentials, error) {
	password, err := c.Decrypt(mb.IMAPPassword)
	if err != nil {
		return mailer.IMAPCredentials{}, fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}
	return mailer.IMAPCredentials{
		Host:       mb.IMAPHost,
		Port:       mb.IMAPPort,
		Username:   mb.IMAPUsername,
		Password:   password,
		Encryption: mb.IMAPEncryption,
	}, nil
}
