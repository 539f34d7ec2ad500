package routes

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	controller "replyflow/controllers"
	"replyflow/engine"
	"replyflow/lock"
	"replyflow/mailer/mailertest"
	"replyflow/models"
	"replyflow/utils"
	"replyflow/worker"
)

type testServer struct {
	t      *testing.T
	app    *fiber.App
	db     *gorm.DB
	cipher *utils.Cipher
}

func newTestServer(t *testing.T) *testServer {
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

	cipher, err := utils.NewCipher("routes-test-key")
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	eng := engine.New(engine.Options{
		DB:       db,
		Log:      log,
		Cipher:   cipher,
		Sender:   &mailertest.Sender{},
		Receiver: &mailertest.Receiver{},
		Now:      func() time.Time { return time.Date(2026, 10, 13, 10, 0, 0, 0, time.UTC) },
	})
	poller := worker.NewPollWorker(worker.Deps{
		DB:       db,
		Engine:   eng,
		Locker:   lock.NewKeyedMutex(),
		Logger:   log,
		LockWait: 50 * time.Millisecond,
	}, time.Minute)

	app := fiber.New()
	SetupRoutes(app, Dependencies{
		Engine:    eng,
		Poller:    poller,
		Hub:       controller.NewEventHub(log),
		Logger:    log,
		PollLimit: 2,
	})
	return &testServer{t: t, app: app, db: db, cipher: cipher}
}

func (s *testServer) do(method, path string) (int, map[string]interface{}) {
	s.t.Helper()
	resp, err := s.app.Test(httptest.NewRequest(method, path, nil), -1)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	out := map[string]interface{}{}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &out)
	}
	return resp.StatusCode, out
}

func (s *testServer) mailbox(status string) *models.Mailbox {
	pass, err := s.cipher.Encrypt("secret")
	require.NoError(s.t, err)
	mb := &models.Mailbox{
		Name:         "Sales",
		FromEmail:    "sales@acme.test",
		SMTPHost:     "smtp.acme.test",
		SMTPPort:     587,
		SMTPUsername: "sales",
		SMTPPassword: pass,
		IMAPHost:     "imap.acme.test",
		IMAPPort:     993,
		IMAPUsername: "sales",
		IMAPPassword: pass,
		Status:       status,
		DailyLimit:   20,
	}
	require.NoError(s.t, s.db.Create(mb).Error)
	return mb
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do("GET", "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "running", body["status"])
}

func TestGetMailbox(t *testing.T) {
	s := newTestServer(t)
	mb := s.mailbox(models.MailboxActive)

	status, body := s.do("GET", "/api/v1/mailboxes/"+itoa(mb.ID))
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 20, body["current_daily_limit"])
	assert.EqualValues(t, 100, body["warmup_progress"])

	got := body["mailbox"].(map[string]interface{})
	assert.Equal(t, "sales@acme.test", got["from_email"])
	assert.NotContains(t, got, "smtp_password")

	status, _ = s.do("GET", "/api/v1/mailboxes/999")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = s.do("GET", "/api/v1/mailboxes/abc")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMailboxTransitions(t *testing.T) {
	s := newTestServer(t)
	mb := s.mailbox(models.MailboxActive)
	path := "/api/v1/mailboxes/" + itoa(mb.ID)

	status, _ := s.do("POST", path+"/clear-error")
	assert.Equal(t, http.StatusConflict, status)

	status, body := s.do("POST", path+"/pause")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.MailboxPaused, body["mailbox"].(map[string]interface{})["status"])

	status, body = s.do("POST", path+"/resume")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.MailboxActive, body["mailbox"].(map[string]interface{})["status"])
}

func TestPollMailbox(t *testing.T) {
	s := newTestServer(t)
	mb := s.mailbox(models.MailboxActive)
	paused := s.mailbox(models.MailboxPaused)

	status, body := s.do("POST", "/api/v1/mailboxes/"+itoa(mb.ID)+"/poll")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "result")

	status, _ = s.do("POST", "/api/v1/mailboxes/"+itoa(paused.ID)+"/poll")
	assert.Equal(t, http.StatusConflict, status)
}

func TestPollMailboxRateLimited(t *testing.T) {
	s := newTestServer(t)
	mb := s.mailbox(models.MailboxActive)
	path := "/api/v1/mailboxes/" + itoa(mb.ID) + "/poll"

	for i := 0; i < 2; i++ {
		status, _ := s.do("POST", path)
		require.Equal(t, http.StatusOK, status)
	}
	status, _ := s.do("POST", path)
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestCampaignActivateAndPause(t *testing.T) {
	s := newTestServer(t)
	mb := s.mailbox(models.MailboxActive)

	orphan := &models.Campaign{Name: "No mailbox", Status: models.CampaignDraft}
	require.NoError(t, s.db.Create(orphan).Error)
	status, _ := s.do("POST", "/api/v1/campaigns/"+itoa(orphan.ID)+"/activate")
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	c := &models.Campaign{Name: "Launch", MailboxID: &mb.ID, Status: models.CampaignDraft}
	require.NoError(t, s.db.Create(c).Error)
	require.NoError(t, s.db.Create(&models.EmailTemplate{CampaignID: c.ID, SequenceOrder: 1, Subject: "Hi", Body: "Hello"}).Error)
	require.NoError(t, s.db.Create(&models.Lead{CampaignID: c.ID, Email: "lead@example.com", Status: models.LeadPending}).Error)

	status, body := s.do("POST", "/api/v1/campaigns/"+itoa(c.ID)+"/activate")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["queued"])

	status, _ = s.do("POST", "/api/v1/campaigns/"+itoa(c.ID)+"/pause")
	assert.Equal(t, http.StatusOK, status)

	require.NoError(t, s.db.Model(&models.Campaign{}).Where("id = ?", c.ID).Update("status", models.CampaignCompleted).Error)
	status, _ = s.do("POST", "/api/v1/campaigns/"+itoa(c.ID)+"/pause")
	assert.Equal(t, http.StatusConflict, status)

	status, _ = s.do("POST", "/api/v1/campaigns/999/activate")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestListResponses(t *testing.T) {
	s := newTestServer(t)
	received := time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC)
	for i, auto := range []bool{false, true, false} {
		require.NoError(t, s.db.Create(&models.Response{
			SentEmailID:    1,
			LeadID:         1,
			CampaignID:     1,
			MailboxID:      1,
			MessageID:      "<r" + itoa(uint(i)) + "@example.com>",
			FromAddress:    "lead@example.com",
			ReceivedAt:     received.Add(time.Duration(i) * time.Minute),
			IsAutoReply:    auto,
			AnalysisStatus: models.AnalysisPending,
		}).Error)
	}
	require.NoError(t, s.db.Model(&models.Response{}).Where("message_id = ?", "<r2@example.com>").
		Update("analysis_status", models.AnalysisCompleted).Error)

	status, body := s.do("GET", "/api/v1/responses?needs_analysis=true")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])
	list := body["responses"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "<r0@example.com>", list[0].(map[string]interface{})["message_id"])

	status, body = s.do("GET", "/api/v1/responses?limit=2")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["total"])
	assert.Len(t, body["responses"], 2)

	status, _ = s.do("GET", "/api/v1/responses?needs_analysis=maybe")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do("GET", "/api/v1/responses?limit=1000")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestEventsRequiresUpgrade(t *testing.T) {
	s := newTestServer(t)
	status, _ := s.do("GET", "/api/v1/events")
	assert.Equal(t, http.StatusUpgradeRequired, status)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do("GET", "/api/v1/nothing")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Not Found", body["error"])
}

func itoa(n uint) string {
	return strconv.FormatUint(uint64(n), 10)
}
