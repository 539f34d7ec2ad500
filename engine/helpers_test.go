package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"replyflow/events"
	"replyflow/mailer/mailertest"
	"replyflow/models"
	"replyflow/utils"
)

// tuesday is the default fixture clock: Tue 13 Oct 2026, 10:00 UTC.
var tuesday = time.Date(2026, 10, 13, 10, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

type fixture struct {
	t        *testing.T
	db       *gorm.DB
	engine   *Engine
	cipher   *utils.Cipher
	sender   *mailertest.Sender
	receiver *mailertest.Receiver
	recorder *events.Recorder
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cipher, err := utils.NewCipher("test-encryption-key")
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	f := &fixture{
		t:        t,
		db:       setupTestDB(t),
		cipher:   cipher,
		sender:   &mailertest.Sender{},
		receiver: &mailertest.Receiver{},
		recorder: &events.Recorder{},
		now:      tuesday,
	}
	f.engine = New(Options{
		DB:               f.db,
		Log:              log,
		Events:           f.recorder,
		Cipher:           cipher,
		Sender:           f.sender,
		Receiver:         f.receiver,
		TransportTimeout: time.Second,
		Now:              func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) encrypt(s string) string {
	out, err := f.cipher.Encrypt(s)
	require.NoError(f.t, err)
	return out
}

func (f *fixture) mailbox(opts ...func(*models.Mailbox)) *models.Mailbox {
	mb := &models.Mailbox{
		Name:            "Sales",
		FromEmail:       "sales@acme.test",
		FromName:        "Acme Sales",
		SMTPHost:        "smtp.acme.test",
		SMTPPort:        587,
		SMTPUsername:    "sales@acme.test",
		SMTPPassword:    f.encrypt("smtp-secret"),
		IMAPHost:        "imap.acme.test",
		IMAPPort:        993,
		IMAPUsername:    "sales@acme.test",
		IMAPPassword:    f.encrypt("imap-secret"),
		Status:          models.MailboxActive,
		DailyLimit:      50,
		SendWindowStart: "09:00",
		SendWindowEnd:   "17:00",
		Timezone:        "UTC",
	}
	for _, opt := range opts {
		opt(mb)
	}
	require.NoError(f.t, f.db.Create(mb).Error)
	return mb
}

// campaign creates an active campaign with one template per step, each
// delayed 2 business days after the previous one.
func (f *fixture) campaign(mb *models.Mailbox, steps int) (*models.Campaign, []models.EmailTemplate) {
	c := &models.Campaign{MailboxID: &mb.ID, Name: "Q4 outreach", Status: models.CampaignActive}
	require.NoError(f.t, f.db.Create(c).Error)

	var tpls []models.EmailTemplate
	for i := 1; i <= steps; i++ {
		tpl := models.EmailTemplate{
			CampaignID:    c.ID,
			SequenceOrder: i,
			Subject:       "Quick question for {{company}}",
			Body:          fmt.Sprintf("<p>Hi {{first_name}}, step %d</p>", i),
			DelayDays:     2,
			DelayType:     models.DelayBusiness,
		}
		if i == 1 {
			tpl.DelayDays = 0
		}
		require.NoError(f.t, f.db.Create(&tpl).Error)
		tpls = append(tpls, tpl)
	}
	return c, tpls
}

func (f *fixture) leads(c *models.Campaign, n int) []models.Lead {
	var out []models.Lead
	for i := 1; i <= n; i++ {
		lead := models.Lead{
			CampaignID: c.ID,
			Email:      fmt.Sprintf("lead%d@example.com", i),
			FirstName:  fmt.Sprintf("Lead%d", i),
			Company:    "Example",
			Status:     models.LeadPending,
		}
		require.NoError(f.t, f.db.Create(&lead).Error)
		out = append(out, lead)
	}
	return out
}

// sentEmail inserts a row directly in the given status.
func (f *fixture) sentEmail(c *models.Campaign, lead models.Lead, step int, status string) *models.SentEmail {
	se := &models.SentEmail{
		CampaignID:   c.ID,
		LeadID:       lead.ID,
		MailboxID:    *c.MailboxID,
		MessageID:    fmt.Sprintf("<lead%d-step%d@acme.test>", lead.ID, step),
		Subject:      "Quick question for Example",
		Body:         "<p>Hi</p>",
		SequenceStep: step,
		Status:       status,
	}
	if status == models.EmailSent || status == models.EmailBounced {
		at := f.now.Add(time.Duration(step) * time.Minute)
		se.SentAt = &at
	}
	require.NoError(f.t, f.db.Create(se).Error)
	return se
}

func (f *fixture) lead(id uint) models.Lead {
	var lead models.Lead
	require.NoError(f.t, f.db.First(&lead, id).Error)
	return lead
}

func (f *fixture) email(id uint) models.SentEmail {
	var se models.SentEmail
	require.NoError(f.t, f.db.First(&se, id).Error)
	return se
}

func (f *fixture) reloadMailbox(id uint) models.Mailbox {
	var mb models.Mailbox
	require.NoError(f.t, f.db.First(&mb, id).Error)
	return mb
}

func (f *fixture) stat(mb *models.Mailbox) models.MailboxSendingStat {
	stat, err := f.engine.TodayStat(f.db, mb)
	require.NoError(f.t, err)
	return stat
}
