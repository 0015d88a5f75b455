package usage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/apimeter/apimeter/internal/credential"
	dbutil "github.com/apimeter/apimeter/internal/db"
	"github.com/apimeter/apimeter/internal/kv"
	"github.com/apimeter/apimeter/internal/models"
)

func openUsageTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:usage_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func seedUsageFixture(t *testing.T, conn *gorm.DB) (*models.Organization, *models.APIKey, string) {
	t.Helper()
	org := models.Organization{Name: "acme", BillingEmail: "billing@acme.test"}
	if errCreate := conn.Create(&org).Error; errCreate != nil {
		t.Fatalf("create org: %v", errCreate)
	}
	apiKey, secret, errIssue := credential.Issue(context.Background(), conn, org.ID, "primary", 5)
	if errIssue != nil {
		t.Fatalf("issue key: %v", errIssue)
	}
	return &org, apiKey, secret
}

func TestRecorderAttributesEventToOwningAccount(t *testing.T) {
	conn := openUsageTestDB(t)
	org, apiKey, secret := seedUsageFixture(t, conn)

	recorder := NewRecorder(conn, credential.NewResolver(conn, kv.NewMemory()), 16, 2)
	recorder.Start()

	if !recorder.Record(Job{
		Digest:     credential.Digest(secret),
		Endpoint:   "/api/v1/demo/generate",
		Method:     "POST",
		StatusCode: 200,
	}) {
		t.Fatalf("record was dropped")
	}
	recorder.Close()

	var rows []models.UsageLog
	if errFind := conn.Find(&rows).Error; errFind != nil {
		t.Fatalf("find: %v", errFind)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.OrgID != org.ID || row.APIKeyID != apiKey.ID {
		t.Fatalf("wrong attribution: %+v", row)
	}
	if row.Endpoint != "/api/v1/demo/generate" || row.Method != "POST" || row.StatusCode != 200 {
		t.Fatalf("wrong event payload: %+v", row)
	}
	if row.CostMultiplier != 1.0 {
		t.Fatalf("expected default cost multiplier, got %f", row.CostMultiplier)
	}
}

func TestRecorderDropsUnknownCredential(t *testing.T) {
	conn := openUsageTestDB(t)
	seedUsageFixture(t, conn)

	recorder := NewRecorder(conn, credential.NewResolver(conn, kv.NewMemory()), 16, 2)
	recorder.Start()
	recorder.Record(Job{
		Digest:     credential.Digest("sk_live_unknown"),
		Endpoint:   "/api/v1/demo/generate",
		Method:     "POST",
		StatusCode: 200,
	})
	recorder.Close()

	var count int64
	if errCount := conn.Model(&models.UsageLog{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 0 {
		t.Fatalf("expected no rows for unknown credential, got %d", count)
	}
}

func TestRecorderHandlesConcurrentCallers(t *testing.T) {
	conn := openUsageTestDB(t)
	_, _, secret := seedUsageFixture(t, conn)
	digest := credential.Digest(secret)

	recorder := NewRecorder(conn, credential.NewResolver(conn, kv.NewMemory()), 256, 4)
	recorder.Start()

	const events = 50
	var wg sync.WaitGroup
	for i := 0; i < events; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			recorder.Record(Job{
				Digest:     digest,
				Endpoint:   "/api/v1/demo/generate",
				Method:     "POST",
				StatusCode: 200,
				Timestamp:  time.Now().UTC(),
			})
		}(i)
	}
	wg.Wait()
	recorder.Close()

	var count int64
	if errCount := conn.Model(&models.UsageLog{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != events {
		t.Fatalf("expected %d rows, got %d", events, count)
	}
}

func TestRecorderDropsWhenQueueFull(t *testing.T) {
	conn := openUsageTestDB(t)
	_, _, secret := seedUsageFixture(t, conn)
	digest := credential.Digest(secret)

	// Workers not started, so the queue fills and the overflow is dropped
	// instead of blocking the caller.
	recorder := NewRecorder(conn, credential.NewResolver(conn, kv.NewMemory()), 2, 1)
	if !recorder.Record(Job{Digest: digest, Endpoint: "/a", Method: "GET", StatusCode: 200}) {
		t.Fatalf("first record should be queued")
	}
	if !recorder.Record(Job{Digest: digest, Endpoint: "/a", Method: "GET", StatusCode: 200}) {
		t.Fatalf("second record should be queued")
	}
	if recorder.Record(Job{Digest: digest, Endpoint: "/a", Method: "GET", StatusCode: 200}) {
		t.Fatalf("third record should be dropped")
	}
}

func TestRecorderDropsAfterClose(t *testing.T) {
	conn := openUsageTestDB(t)
	_, _, secret := seedUsageFixture(t, conn)
	digest := credential.Digest(secret)

	recorder := NewRecorder(conn, credential.NewResolver(conn, kv.NewMemory()), 16, 1)
	recorder.Start()
	recorder.Close()

	if recorder.Record(Job{Digest: digest, Endpoint: "/a", Method: "GET", StatusCode: 200}) {
		t.Fatalf("record after close must be dropped")
	}
}

func TestRecorderSurvivesRecordRacingClose(t *testing.T) {
	conn := openUsageTestDB(t)
	_, _, secret := seedUsageFixture(t, conn)
	digest := credential.Digest(secret)

	recorder := NewRecorder(conn, credential.NewResolver(conn, kv.NewMemory()), 256, 2)
	recorder.Start()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				recorder.Record(Job{Digest: digest, Endpoint: "/a", Method: "GET", StatusCode: 200})
			}
		}()
	}
	recorder.Close()
	wg.Wait()
}

func TestSummarizeGroupsByEndpointAndDay(t *testing.T) {
	conn := openUsageTestDB(t)
	org, apiKey, _ := seedUsageFixture(t, conn)

	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rows := []models.UsageLog{
		{OrgID: org.ID, APIKeyID: apiKey.ID, Endpoint: "/a", Method: "GET", StatusCode: 200, CostMultiplier: 1, Timestamp: day},
		{OrgID: org.ID, APIKeyID: apiKey.ID, Endpoint: "/a", Method: "GET", StatusCode: 200, CostMultiplier: 1, Timestamp: day.Add(time.Hour)},
		{OrgID: org.ID, APIKeyID: apiKey.ID, Endpoint: "/b", Method: "GET", StatusCode: 200, CostMultiplier: 1, Timestamp: day.AddDate(0, 0, 1)},
	}
	if errCreate := conn.Create(&rows).Error; errCreate != nil {
		t.Fatalf("seed rows: %v", errCreate)
	}

	summary, errSummarize := Summarize(context.Background(), conn, org.ID,
		time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC))
	if errSummarize != nil {
		t.Fatalf("summarize: %v", errSummarize)
	}
	if len(summary) != 2 {
		t.Fatalf("expected 2 groups, got %d: %+v", len(summary), summary)
	}
	if summary[0].Endpoint != "/a" || summary[0].Count != 2 || summary[0].Date != "2026-03-10" {
		t.Fatalf("unexpected first group: %+v", summary[0])
	}
	if summary[1].Endpoint != "/b" || summary[1].Count != 1 || summary[1].Date != "2026-03-11" {
		t.Fatalf("unexpected second group: %+v", summary[1])
	}
}
