package models

// All returns every persisted model, in migration order.
func All() []interface{} {
	return []interface{}{
		&Mailbox{},
		&MailboxSendingStat{},
		&Campaign{},
		&EmailTemplate{},
		&Lead{},
		&SentEmail{},
		&MessageReference{},
		&Response{},
	}
}
