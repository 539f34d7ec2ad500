package engine

import "errors"

var (
	// ErrCampaignInactive means the campaign is not in the active status.
	ErrCampaignInactive = errors.New("campaign is not active")
	// ErrNoMailbox means the campaign has no mailbox assigned.
	ErrNoMailbox = errors.New("campaign has no mailbox")
	// ErrInvalidTransition means a status change would break a state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrMailboxUnavailable means the mailbox cannot take work right now.
	ErrMailboxUnavailable = errors.New("mailbox is unavailable")
)

// isConfigError reports errors that abort one scheduling operation quietly.
func isConfigError(err error) bool {
	return errors.Is(err, ErrCampaignInactive) || errors.Is(err, ErrNoMailbox)
}
