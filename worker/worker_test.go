package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"replyflow/engine"
	"replyflow/lock"
	"replyflow/mailer"
	"replyflow/mailer/mailertest"
	"replyflow/models"
	"replyflow/utils"
)

var now = time.Date(2026, 10, 13, 10, 0, 0, 0, time.UTC)

type env struct {
	t        *testing.T
	db       *gorm.DB
	deps     Deps
	cipher   *utils.Cipher
	sender   *mailertest.Sender
	receiver *mailertest.Receiver
	locker   *lock.KeyedMutex
}

func setup(t *testing.T) *env {
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

	cipher, err := utils.NewCipher("worker-test-key")
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	e := &env{
		t:        t,
		db:       db,
		cipher:   cipher,
		sender:   &mailertest.Sender{},
		receiver: &mailertest.Receiver{},
		locker:   lock.NewKeyedMutex(),
	}
	eng := engine.New(engine.Options{
		DB:       db,
		Log:      log,
		Cipher:   cipher,
		Sender:   e.sender,
		Receiver: e.receiver,
		Now:      func() time.Time { return now },
	})
	e.deps = Deps{
		DB:          db,
		Engine:      eng,
		Locker:      e.locker,
		Logger:      log,
		Concurrency: 2,
		LockWait:    50 * time.Millisecond,
	}
	return e
}

func (e *env) mailbox(email string, opts ...func(*models.Mailbox)) *models.Mailbox {
	smtpPass, err := e.cipher.Encrypt("smtp")
	require.NoError(e.t, err)
	imapPass, err := e.cipher.Encrypt("imap")
	require.NoError(e.t, err)

	mb := &models.Mailbox{
		Name:            email,
		FromEmail:       email,
		SMTPHost:        "smtp.acme.test",
		SMTPPort:        587,
		SMTPUsername:    email,
		SMTPPassword:    smtpPass,
		IMAPHost:        "imap.acme.test",
		IMAPPort:        993,
		IMAPUsername:    email,
		IMAPPassword:    imapPass,
		Status:          models.MailboxActive,
		DailyLimit:      50,
		SendWindowStart: "09:00",
		SendWindowEnd:   "17:00",
		Timezone:        "UTC",
	}
	for _, opt := range opts {
		opt(mb)
	}
	require.NoError(e.t, e.db.Create(mb).Error)
	return mb
}

func (e *env) campaign(mb *models.Mailbox, steps, leads int) *models.Campaign {
	c := &models.Campaign{MailboxID: &mb.ID, Name: "c-" + mb.FromEmail, Status: models.CampaignActive}
	require.NoError(e.t, e.db.Create(c).Error)
	for i := 1; i <= steps; i++ {
		require.NoError(e.t, e.db.Create(&models.EmailTemplate{
			CampaignID:    c.ID,
			SequenceOrder: i,
			Subject:       "Hello {{first_name}}",
			Body:          "<p>step</p>",
			DelayDays:     1,
			DelayType:     models.DelayCalendar,
		}).Error)
	}
	for i := 1; i <= leads; i++ {
		require.NoError(e.t, e.db.Create(&models.Lead{
			CampaignID: c.ID,
			Email:      fmt.Sprintf("lead%d-%d@example.com", c.ID, i),
			FirstName:  "Lead",
			Status:     models.LeadPending,
		}).Error)
	}
	return c
}

func (e *env) count(model interface{}, query string, args ...interface{}) int64 {
	var n int64
	require.NoError(e.t, e.db.Model(model).Where(query, args...).Count(&n).Error)
	return n
}

func TestSchedulerWorkerQueuesAndSchedules(t *testing.T) {
	e := setup(t)
	mb := e.mailbox("a@acme.test", func(m *models.Mailbox) { m.DailyLimit = 3 })
	e.campaign(mb, 2, 5)

	n, err := NewSchedulerWorker(e.deps, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, int64(3), e.count(&models.SentEmail{}, "status = ?", models.EmailQueued))
	assert.Zero(t, e.count(&models.SentEmail{}, "scheduled_for IS NULL"))
}

func TestSchedulerWorkerSkipsPausedMailbox(t *testing.T) {
	e := setup(t)
	mb := e.mailbox("a@acme.test", func(m *models.Mailbox) { m.Status = models.MailboxPaused })
	e.campaign(mb, 1, 2)

	n, err := NewSchedulerWorker(e.deps, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendWorkerSendsAndQueuesFollowUp(t *testing.T) {
	e := setup(t)
	mb := e.mailbox("a@acme.test")
	e.campaign(mb, 2, 2)

	_, err := e.deps.Engine.Sequence.QueueInitialBatch(context.Background(), 1)
	require.NoError(t, err)

	n, err := NewSendWorker(e.deps, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, e.sender.Messages(), 2)

	assert.Equal(t, int64(2), e.count(&models.SentEmail{}, "status = ? AND sequence_step = 1", models.EmailSent))
	assert.Equal(t, int64(2), e.count(&models.SentEmail{}, "status = ? AND sequence_step = 2", models.EmailQueued))
	assert.Equal(t, int64(2), e.count(&models.Lead{}, "status = ?", models.LeadContacted))

	// Follow-ups are a day out, so nothing else is due.
	n, err = NewSendWorker(e.deps, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendWorkerHonoursQuota(t *testing.T) {
	e := setup(t)
	mb := e.mailbox("a@acme.test", func(m *models.Mailbox) { m.DailyLimit = 2 })
	c := e.campaign(mb, 1, 3)

	var leads []models.Lead
	require.NoError(t, e.db.Where("campaign_id = ?", c.ID).Find(&leads).Error)
	for i, lead := range leads {
		require.NoError(t, e.db.Create(&models.SentEmail{
			CampaignID: c.ID, LeadID: lead.ID, MailboxID: mb.ID,
			MessageID: fmt.Sprintf("<q%d@acme.test>", i), Subject: "s", SequenceStep: 1,
			Status: models.EmailQueued,
		}).Error)
	}

	n, err := NewSendWorker(e.deps, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(1), e.count(&models.SentEmail{}, "status = ?", models.EmailQueued))
}

func TestSendWorkerStopsOnMailboxError(t *testing.T) {
	e := setup(t)
	mb := e.mailbox("a@acme.test")
	e.campaign(mb, 1, 3)
	_, err := e.deps.Engine.Sequence.QueueInitialBatch(context.Background(), 1)
	require.NoError(t, err)
	e.sender.Err = fmt.Errorf("421 service not available")

	n, err := NewSendWorker(e.deps, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, int64(1), e.count(&models.SentEmail{}, "status = ?", models.EmailFailed))
	assert.Equal(t, int64(2), e.count(&models.SentEmail{}, "status = ?", models.EmailQueued))
	assert.Equal(t, int64(1), e.count(&models.Mailbox{}, "status = ?", models.MailboxError))
}

func TestSendWorkerSkipsLockedMailbox(t *testing.T) {
	e := setup(t)
	mb := e.mailbox("a@acme.test")
	e.campaign(mb, 1, 1)
	_, err := e.deps.Engine.Sequence.QueueInitialBatch(context.Background(), 1)
	require.NoError(t, err)

	unlock, err := e.locker.Lock(context.Background(), lock.SendKey(mb.ID))
	require.NoError(t, err)
	defer unlock()

	n, err := NewSendWorker(e.deps, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, e.sender.Messages())
}

func TestPollWorker(t *testing.T) {
	e := setup(t)
	a := e.mailbox("a@acme.test")
	e.mailbox("b@acme.test", func(m *models.Mailbox) { m.IMAPHost = "" })
	e.mailbox("c@acme.test", func(m *models.Mailbox) { m.Status = models.MailboxError })
	e.receiver.Messages = []mailer.InboundMessage{{UID: 1, MessageID: "<x@example.com>", Subject: "hi", From: "x@example.com"}}

	n, err := NewPollWorker(e.deps, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, e.receiver.Connects)

	var got models.Mailbox
	require.NoError(t, e.db.First(&got, a.ID).Error)
	assert.NotNil(t, got.LastPolledAt)
}

func TestWarmupWorker(t *testing.T) {
	e := setup(t)
	mb := e.mailbox("a@acme.test", func(m *models.Mailbox) {
		m.WarmupEnabled = true
		m.WarmupDay = 14
		m.Status = models.MailboxWarmup
	})

	w, err := NewWarmupWorker(e.deps, "@daily")
	require.NoError(t, err)
	assert.Equal(t, 1, w.RunOnce(context.Background()))

	var got models.Mailbox
	require.NoError(t, e.db.First(&got, mb.ID).Error)
	assert.Equal(t, 15, got.WarmupDay)
	assert.Equal(t, models.MailboxActive, got.Status)
}

func TestWarmupWorkerRejectsBadSchedule(t *testing.T) {
	e := setup(t)
	_, err := NewWarmupWorker(e.deps, "every tuesday")
	assert.Error(t, err)
}

func TestRunEveryStopsOnCancel(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan struct{}, 10)
	done := make(chan struct{})
	go func() {
		runEvery(ctx, log, "Test", 10*time.Millisecond, func(context.Context) { calls <- struct{}{} })
		close(done)
	}()

	<-calls
	<-calls
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runEvery did not stop")
	}
}

func TestPollNow(t *testing.T) {
	e := setup(t)
	mb := e.mailbox("a@acme.test")
	paused := e.mailbox("p@acme.test", func(m *models.Mailbox) { m.Status = models.MailboxPaused })
	w := NewPollWorker(e.deps, time.Minute)

	res, err := w.PollNow(context.Background(), mb.ID)
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	_, err = w.PollNow(context.Background(), paused.ID)
	assert.ErrorIs(t, err, engine.ErrMailboxUnavailable)

	unlock, err := e.locker.Lock(context.Background(), lock.PollKey(mb.ID))
	require.NoError(t, err)
	defer unlock()
	_, err = w.PollNow(context.Background(), mb.ID)
	assert.ErrorIs(t, err, engine.ErrMailboxUnavailable)
}

func setNow(t *testing.T, at time.Time) {
	prev := now
	now = at
	t.Cleanup(func() { now = prev })
}

func TestSendWorkerDefersOutsideWindow(t *testing.T) {
	e := setup(t)
	mb := e.mailbox("a@acme.test", func(m *models.Mailbox) { m.DailyLimit = 1 })
	c := e.campaign(mb, 1, 2)

	var leads []models.Lead
	require.NoError(t, e.db.Where("campaign_id = ?", c.ID).Order("id").Find(&leads).Error)
	at := time.Date(2026, 10, 13, 16, 0, 0, 0, time.UTC)
	for i, lead := range leads {
		require.NoError(t, e.db.Create(&models.SentEmail{
			CampaignID: c.ID, LeadID: lead.ID, MailboxID: mb.ID,
			MessageID: fmt.Sprintf("<w%d@acme.test>", i), Subject: "s", SequenceStep: 1,
			Status: models.EmailQueued, ScheduledFor: &at,
		}).Error)
	}
	w := NewSendWorker(e.deps, time.Minute)

	setNow(t, time.Date(2026, 10, 13, 16, 30, 0, 0, time.UTC))
	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Past midnight the quota is fresh but the window is closed.
	setNow(t, time.Date(2026, 10, 14, 0, 30, 0, 0, time.UTC))
	n, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	var left models.SentEmail
	require.NoError(t, e.db.Where("status = ?", models.EmailQueued).First(&left).Error)
	require.NotNil(t, left.ScheduledFor)
	assert.Equal(t, time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC), left.ScheduledFor.UTC())

	setNow(t, time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC))
	n, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, e.sender.Messages(), 2)
}

func TestSchedulerWorkerFailsStaleSends(t *testing.T) {
	e := setup(t)
	mb := e.mailbox("a@acme.test", func(m *models.Mailbox) { m.Status = models.MailboxPaused })
	c := e.campaign(mb, 1, 1)

	var lead models.Lead
	require.NoError(t, e.db.Where("campaign_id = ?", c.ID).First(&lead).Error)
	se := &models.SentEmail{
		CampaignID: c.ID, LeadID: lead.ID, MailboxID: mb.ID,
		MessageID: "<stuck@acme.test>", Subject: "s", SequenceStep: 1,
		Status: models.EmailSending,
	}
	require.NoError(t, e.db.Create(se).Error)
	require.NoError(t, e.db.Model(se).UpdateColumn("updated_at", now.Add(-time.Hour)).Error)

	_, err := NewSchedulerWorker(e.deps, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)

	var got models.SentEmail
	require.NoError(t, e.db.First(&got, se.ID).Error)
	assert.Equal(t, models.EmailFailed, got.Status)
	assert.Equal(t, engine.InterruptedMessage, got.ErrorMessage)
}
