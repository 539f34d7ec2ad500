package events

import (
	"github.com/sirupsen/logrus"

	"replyflow/utils"
)

// LogHandler writes every event to the log and as a Sentry breadcrumb.
func LogHandler(log logrus.FieldLogger) Handler {
	return func(e Event) {
		data := map[string]interface{}{
			"campaign_id": e.CampaignID,
			"mailbox_id":  e.MailboxID,
		}
		if e.SentEmail != nil {
			data["sent_email_id"] = e.SentEmail.ID
			data["lead_id"] = e.SentEmail.LeadID
			data["sequence_step"] = e.SentEmail.SequenceStep
		}
		if e.Response != nil {
			data["response_id"] = e.Response.ID
			data["is_auto_reply"] = e.Response.IsAutoReply
			data["needs_analysis"] = e.Response.NeedsAnalysis()
		}
		if e.Count > 0 {
			data["count"] = e.Count
		}
		if e.Reason != "" {
			data["reason"] = e.Reason
		}
		utils.LogEvent(log, e.Type, data)
	}
}
