// Package storetest opens throwaway in-memory SQLite stores with the
// donorrecon schema for package tests.
package storetest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/donorrecon/internal/donation/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

var schema = []string{
	`CREATE TABLE profiles (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		created_at DATETIME
	)`,
	recordTable("donations"),
	recordTable("sponsorships"),
	`CREATE TABLE reconciliation_job_logs (
		id INTEGER PRIMARY KEY,
		job_name TEXT NOT NULL,
		stripe_mode TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		ran_at DATETIME NOT NULL,
		completed_at DATETIME,
		checked_count INTEGER NOT NULL DEFAULT 0,
		updated_count INTEGER NOT NULL DEFAULT 0,
		skipped_count INTEGER NOT NULL DEFAULT 0,
		cancelled_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		errors TEXT NOT NULL DEFAULT '[]',
		detailed_logs TEXT NOT NULL DEFAULT '[]',
		input TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE receipts (
		id INTEGER PRIMARY KEY,
		record_kind TEXT NOT NULL,
		record_id INTEGER NOT NULL,
		number TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		amount NUMERIC NOT NULL,
		currency TEXT NOT NULL,
		issued_at DATETIME NOT NULL,
		sent_at DATETIME,
		created_at DATETIME,
		UNIQUE (record_kind, record_id)
	)`,
}

func recordTable(name string) string {
	return fmt.Sprintf(`CREATE TABLE %s (
		id INTEGER PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		payer_id TEXT,
		customer_id TEXT,
		amount NUMERIC NOT NULL,
		currency TEXT NOT NULL DEFAULT 'usd',
		frequency TEXT NOT NULL DEFAULT 'one_time',
		status TEXT NOT NULL DEFAULT 'pending',
		checkout_session_id TEXT,
		subscription_id TEXT,
		payment_intent_id TEXT,
		charge_id TEXT UNIQUE,
		stripe_mode TEXT NOT NULL DEFAULT 'live',
		source TEXT NOT NULL DEFAULT 'webhook',
		needs_review BOOLEAN NOT NULL DEFAULT 0,
		review_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME,
		updated_at DATETIME,
		last_checked_at DATETIME
	)`, name)
}

// Open returns an isolated in-memory database with every table created.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

// Node returns a snowflake node for test ids.
func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// Record is a seed row. Zero values are filled with sensible defaults.
type Record struct {
	ID                snowflake.ID
	Kind              domain.Kind
	Email             string
	PayerID           string
	CustomerID        string
	Amount            string
	Currency          string
	Frequency         domain.Frequency
	Status            domain.Status
	CheckoutSessionID string
	SubscriptionID    string
	PaymentIntentID   string
	ChargeID          string
	Mode              domain.Mode
	CreatedAt         time.Time
}

// Insert writes a seed row and returns it as a domain record.
func Insert(t testing.TB, db *gorm.DB, node *snowflake.Node, in Record) domain.Record {
	t.Helper()

	rec := domain.Record{
		ID:                in.ID,
		Kind:              in.Kind,
		Email:             in.Email,
		PayerID:           domain.StringPtr(in.PayerID),
		CustomerID:        domain.StringPtr(in.CustomerID),
		Currency:          in.Currency,
		Frequency:         in.Frequency,
		Status:            in.Status,
		CheckoutSessionID: domain.StringPtr(in.CheckoutSessionID),
		SubscriptionID:    domain.StringPtr(in.SubscriptionID),
		PaymentIntentID:   domain.StringPtr(in.PaymentIntentID),
		ChargeID:          domain.StringPtr(in.ChargeID),
		StripeMode:        in.Mode,
		Source:            domain.SourceWebhook,
		CreatedAt:         in.CreatedAt,
	}
	if rec.ID == 0 {
		rec.ID = node.Generate()
	}
	if rec.Kind == "" {
		rec.Kind = domain.KindDonation
	}
	if in.Amount == "" {
		rec.Amount = decimal.NewFromInt(25)
	} else {
		rec.Amount = decimal.RequireFromString(in.Amount)
	}
	if rec.Currency == "" {
		rec.Currency = "usd"
	}
	if rec.Frequency == "" {
		rec.Frequency = domain.FrequencyOneTime
	}
	if rec.Status == "" {
		rec.Status = domain.StatusPending
	}
	if rec.StripeMode == "" {
		rec.StripeMode = domain.ModeLive
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	rec.UpdatedAt = rec.CreatedAt

	table, err := rec.Kind.Table()
	if err != nil {
		t.Fatalf("seed kind: %v", err)
	}
	if err := db.Table(table).Create(&rec).Error; err != nil {
		t.Fatalf("seed %s: %v", table, err)
	}
	return rec
}

// Status reads the stored status of a record.
func Status(t testing.TB, db *gorm.DB, kind domain.Kind, id snowflake.ID) domain.Status {
	t.Helper()
	table, err := kind.Table()
	if err != nil {
		t.Fatalf("kind: %v", err)
	}
	var statuses []string
	if err := db.Raw(fmt.Sprintf(`SELECT status FROM %s WHERE id = ?`, table), int64(id)).Scan(&statuses).Error; err != nil {
		t.Fatalf("read status: %v", err)
	}
	if len(statuses) == 0 {
		return ""
	}
	return domain.Status(statuses[0])
}

// Count returns the number of rows in table.
func Count(t testing.TB, db *gorm.DB, table string) int64 {
	t.Helper()
	var n int64
	if err := db.Table(table).Count(&n).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
