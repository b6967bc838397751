package models_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/newsletter_backend/config"
	"bitbucket.org/mmdatafocus/newsletter_backend/models"
	"bitbucket.org/mmdatafocus/newsletter_backend/workflow"
)

// fakeMailer records transport invocations per (recipient, subject) and can
// be programmed to fail.
type fakeMailer struct {
	mu    sync.Mutex
	sends map[string]int
	fail  map[string][]error
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{
		sends: map[string]int{},
		fail:  map[string][]error{},
	}
}

func sendKey(recipient, subject string) string { return recipient + "|" + subject }

// failNext queues errors returned by successive sends to recipient for the
// given subject; once drained, sends succeed.
func (f *fakeMailer) failNext(recipient, subject string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sendKey(recipient, subject)
	f.fail[key] = append(f.fail[key], errs...)
}

func (f *fakeMailer) Send(ctx context.Context, recipient, subject, htmlBody, textBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sendKey(recipient, subject)
	f.sends[key]++
	if queue := f.fail[key]; len(queue) > 0 {
		err := queue[0]
		f.fail[key] = queue[1:]
		return err
	}
	return nil
}

func (f *fakeMailer) count(recipient, subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[sendKey(recipient, subject)]
}

func setupIntegration(t *testing.T) *fakeMailer {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "newsletter_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	mailer := newFakeMailer()
	config.SetMailer(mailer)
	t.Cleanup(func() { config.SetMailer(nil) })
	return mailer
}

func createConfirmedSubscriber(t *testing.T, ctx context.Context, email string) {
	t.Helper()
	sub, err := models.CreateSubscriber(ctx, &models.NewSubscriber{Name: "le guin", Email: email})
	if err != nil {
		t.Fatalf("CreateSubscriber(%s): %v", email, err)
	}
	if _, err := models.ConfirmSubscriber(ctx, sub.ConfirmationToken); err != nil {
		t.Fatalf("ConfirmSubscriber(%s): %v", email, err)
	}
}

func createPendingSubscriber(t *testing.T, ctx context.Context, email string) {
	t.Helper()
	if _, err := models.CreateSubscriber(ctx, &models.NewSubscriber{Name: "le guin", Email: email}); err != nil {
		t.Fatalf("CreateSubscriber(%s): %v", email, err)
	}
}

func testSuccessResponse() *models.SavedResponse {
	headers := http.Header{}
	headers.Set("Location", "/admin/newsletters")
	return &models.SavedResponse{StatusCode: http.StatusSeeOther, Headers: headers}
}

func assertSameResponse(t *testing.T, a, b *models.SavedResponse) {
	t.Helper()
	if a.StatusCode != b.StatusCode {
		t.Errorf("status mismatch: %d vs %d", a.StatusCode, b.StatusCode)
	}
	if a.Headers.Get("Location") != b.Headers.Get("Location") {
		t.Errorf("Location mismatch: %q vs %q", a.Headers.Get("Location"), b.Headers.Get("Location"))
	}
	if !bytes.Equal(a.Body, b.Body) {
		t.Errorf("body mismatch: %q vs %q", a.Body, b.Body)
	}
}

func issueInput(title string) *models.NewNewsletterIssue {
	return &models.NewNewsletterIssue{
		Title:       title,
		TextContent: "Newsletter body as plain text",
		HtmlContent: "<p>Newsletter body as HTML</p>",
	}
}

func TestPublishIsIdempotent_SequentialReplay(t *testing.T) {
	setupIntegration(t)
	ctx := context.Background()

	createConfirmedSubscriber(t, ctx, "a@yopmail.com")
	createConfirmedSubscriber(t, ctx, "b@yopmail.com")

	token := "test-token-sequential"
	resp1, replayed1, err := models.PublishNewsletterIssue(ctx, "editor", token, issueInput("Issue #1"), testSuccessResponse())
	if err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if replayed1 {
		t.Error("first publish reported as replayed")
	}

	resp2, replayed2, err := models.PublishNewsletterIssue(ctx, "editor", token, issueInput("Issue #1"), testSuccessResponse())
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if !replayed2 {
		t.Error("second publish not reported as replayed")
	}
	assertSameResponse(t, resp1, resp2)

	db := config.GetDB()
	var issueCount int64
	if err := db.Model(&models.NewsletterIssue{}).Count(&issueCount).Error; err != nil {
		t.Fatalf("count issues: %v", err)
	}
	if issueCount != 1 {
		t.Errorf("issue rows = %d, want 1", issueCount)
	}
	var queueCount int64
	if err := db.Model(&models.IssueDeliveryQueue{}).Count(&queueCount).Error; err != nil {
		t.Fatalf("count queue: %v", err)
	}
	if queueCount != 2 {
		t.Errorf("queue rows = %d, want 2", queueCount)
	}
}

func TestPublishIsIdempotent_ConcurrentSameToken(t *testing.T) {
	setupIntegration(t)
	ctx := context.Background()

	createConfirmedSubscriber(t, ctx, "a@yopmail.com")

	token := "test-token-concurrent"
	type result struct {
		resp *models.SavedResponse
		err  error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, _, err := models.PublishNewsletterIssue(ctx, "editor", token, issueInput("Issue #1"), testSuccessResponse())
			results <- result{resp, err}
		}()
	}
	r1 := <-results
	r2 := <-results
	if r1.err != nil || r2.err != nil {
		t.Fatalf("concurrent publishes errored: %v / %v", r1.err, r2.err)
	}
	assertSameResponse(t, r1.resp, r2.resp)

	db := config.GetDB()
	var issueCount int64
	if err := db.Model(&models.NewsletterIssue{}).Count(&issueCount).Error; err != nil {
		t.Fatalf("count issues: %v", err)
	}
	if issueCount != 1 {
		t.Errorf("issue rows = %d, want 1", issueCount)
	}
	var queueCount int64
	if err := db.Model(&models.IssueDeliveryQueue{}).Count(&queueCount).Error; err != nil {
		t.Fatalf("count queue: %v", err)
	}
	if queueCount != 1 {
		t.Errorf("queue rows = %d, want 1", queueCount)
	}
}

func waitForDrainedQueue(t *testing.T, ctx context.Context, timeout time.Duration) {
	t.Helper()
	db := config.GetDB()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var remaining int64
		if err := db.WithContext(ctx).Model(&models.IssueDeliveryQueue{}).Count(&remaining).Error; err != nil {
			t.Fatalf("count queue: %v", err)
		}
		if remaining == 0 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatal("delivery queue did not drain in time")
}

func newTestDispatcher(mailer *fakeMailer) *workflow.DeliveryDispatcher {
	d := workflow.NewDeliveryDispatcher(config.GetDB(), config.GetLogger())
	d.Mailer = mailer
	d.PollInterval = 100 * time.Millisecond
	d.BaseBackoff = 100 * time.Millisecond
	d.MaxBackoff = time.Second
	return d
}

func TestDeliveryWorker_ExactlyOncePerConfirmedSubscriber(t *testing.T) {
	mailer := setupIntegration(t)
	ctx := context.Background()

	confirmed := []string{"a@yopmail.com", "b@yopmail.com", "c@yopmail.com"}
	for _, email := range confirmed {
		createConfirmedSubscriber(t, ctx, email)
	}
	createPendingSubscriber(t, ctx, "pending@yopmail.com")

	title := "Issue #1"
	if _, _, err := models.PublishNewsletterIssue(ctx, "editor", "tok-fanout", issueInput(title), testSuccessResponse()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go newTestDispatcher(mailer).Run(runCtx)

	waitForDrainedQueue(t, ctx, 30*time.Second)
	cancel()

	for _, email := range confirmed {
		if got := mailer.count(email, title); got != 1 {
			t.Errorf("sends to %s = %d, want 1", email, got)
		}
	}
	if got := mailer.count("pending@yopmail.com", title); got != 0 {
		t.Errorf("unconfirmed subscriber received %d sends, want 0", got)
	}
}

func TestDeliveryWorker_TransientRetryAndPermanentDeadLetter(t *testing.T) {
	mailer := setupIntegration(t)
	ctx := context.Background()

	createConfirmedSubscriber(t, ctx, "flaky@yopmail.com")
	createConfirmedSubscriber(t, ctx, "bad@yopmail.com")

	title := "Issue #1"
	transient := config.ClassifySendStatus(503, "upstream down")
	permanent := config.ClassifySendStatus(400, "rejected recipient")
	mailer.failNext("flaky@yopmail.com", title, transient, transient)
	mailer.failNext("bad@yopmail.com", title, permanent)

	if _, _, err := models.PublishNewsletterIssue(ctx, "editor", "tok-retry", issueInput(title), testSuccessResponse()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go newTestDispatcher(mailer).Run(runCtx)

	waitForDrainedQueue(t, ctx, 60*time.Second)
	cancel()

	if got := mailer.count("flaky@yopmail.com", title); got != 3 {
		t.Errorf("sends to flaky = %d, want 3 (two transient failures then success)", got)
	}
	if got := mailer.count("bad@yopmail.com", title); got != 1 {
		t.Errorf("sends to bad = %d, want 1 (permanent failure, no retry)", got)
	}

	db := config.GetDB()
	var letters []models.DeliveryDeadLetter
	if err := db.Find(&letters).Error; err != nil {
		t.Fatalf("load dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].SubscriberEmail != "bad@yopmail.com" {
		t.Errorf("dead letters = %+v, want exactly one for bad@yopmail.com", letters)
	}
}

func TestDeliveryWorker_ReclaimsStaleClaims(t *testing.T) {
	mailer := setupIntegration(t)
	ctx := context.Background()

	createConfirmedSubscriber(t, ctx, "a@yopmail.com")

	title := "Issue #1"
	if _, _, err := models.PublishNewsletterIssue(ctx, "editor", "tok-stale", issueInput(title), testSuccessResponse()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Simulate a worker that claimed the entry and died: stamped lock, no
	// decision committed.
	db := config.GetDB()
	stale := time.Now().UTC().Add(-10 * time.Minute)
	deadWorker := "dead-worker"
	if err := db.Model(&models.IssueDeliveryQueue{}).
		Where("1 = 1").
		Updates(map[string]interface{}{"locked_at": &stale, "locked_by": &deadWorker}).Error; err != nil {
		t.Fatalf("stamp stale lock: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go newTestDispatcher(mailer).Run(runCtx)

	waitForDrainedQueue(t, ctx, 30*time.Second)
	cancel()

	if got := mailer.count("a@yopmail.com", title); got != 1 {
		t.Errorf("sends after reclaim = %d, want 1", got)
	}
}

func TestCreateSubscriber_ConcurrentSameEmail(t *testing.T) {
	setupIntegration(t)
	ctx := context.Background()

	input := &models.NewSubscriber{Name: "le guin", Email: "a@yopmail.com"}
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := models.CreateSubscriber(ctx, input)
			errs <- err
		}()
	}
	if err1, err2 := <-errs, <-errs; err1 != nil || err2 != nil {
		t.Fatalf("concurrent registrations errored: %v / %v", err1, err2)
	}

	db := config.GetDB()
	var count int64
	if err := db.Model(&models.Subscriber{}).Where("email = ?", "a@yopmail.com").Count(&count).Error; err != nil {
		t.Fatalf("count subscribers: %v", err)
	}
	if count != 1 {
		t.Errorf("subscriber rows = %d, want 1", count)
	}
}

func TestClaimDueDeliveries_ChargesAttemptAtClaim(t *testing.T) {
	setupIntegration(t)
	ctx := context.Background()

	createConfirmedSubscriber(t, ctx, "a@yopmail.com")
	if _, _, err := models.PublishNewsletterIssue(ctx, "editor", "tok-claim-charge", issueInput("Issue #1"), testSuccessResponse()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	claimed, err := models.ClaimDueDeliveries(ctx, "worker-1", 10, 30*time.Second)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Attempts != 1 {
		t.Fatalf("first claim = %+v, want one entry with attempts 1", claimed)
	}

	// Simulate the claiming worker dying before any decision commits: the
	// lock goes stale but attempts must keep its charged value.
	db := config.GetDB()
	stale := time.Now().UTC().Add(-10 * time.Minute)
	if err := db.Model(&models.IssueDeliveryQueue{}).
		Where("id = ?", claimed[0].ID).
		Update("locked_at", &stale).Error; err != nil {
		t.Fatalf("stamp stale lock: %v", err)
	}

	reclaimed, err := models.ClaimDueDeliveries(ctx, "worker-2", 10, 30*time.Second)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].Attempts != 2 {
		t.Fatalf("reclaim = %+v, want attempts 2 so a crash-looping entry reaches the cutoff", reclaimed)
	}
}

func TestDeliveryWorker_DeadLettersCrashLoopingEntry(t *testing.T) {
	mailer := setupIntegration(t)
	ctx := context.Background()

	createConfirmedSubscriber(t, ctx, "a@yopmail.com")

	title := "Issue #1"
	if _, _, err := models.PublishNewsletterIssue(ctx, "editor", "tok-crash-loop", issueInput(title), testSuccessResponse()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// An entry whose attempts exceed the cutoff only exists when every
	// prior claim died before committing a decision.
	db := config.GetDB()
	if err := db.Model(&models.IssueDeliveryQueue{}).
		Where("subscriber_email = ?", "a@yopmail.com").
		Update("attempts", 4).Error; err != nil {
		t.Fatalf("stamp attempts: %v", err)
	}

	d := newTestDispatcher(mailer)
	d.MaxAttempts = 3
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.Run(runCtx)

	waitForDrainedQueue(t, ctx, 30*time.Second)
	cancel()

	if got := mailer.count("a@yopmail.com", title); got != 0 {
		t.Errorf("transport invoked %d times for an exhausted entry, want 0", got)
	}
	var letters []models.DeliveryDeadLetter
	if err := db.Find(&letters).Error; err != nil {
		t.Fatalf("load dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].SubscriberEmail != "a@yopmail.com" {
		t.Errorf("dead letters = %+v, want exactly one for a@yopmail.com", letters)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("newsletter-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("newsletter-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=newsletter_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
