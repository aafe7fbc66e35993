package events

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Exec(`CREATE TABLE domain_events (
		id INTEGER PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		dedupe_key TEXT NOT NULL UNIQUE,
		published BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		published_at DATETIME
	)`).Error)
	return db
}

func newTestOutbox(t *testing.T, db *gorm.DB) *Outbox {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewOutbox(Params{DB: db, Log: zap.NewNop(), GenID: node})
}

type recordingPublisher struct {
	records []Record
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, record Record) error {
	if p.err != nil {
		return p.err
	}
	p.records = append(p.records, record)
	return nil
}

func TestPublishTxIgnoresDuplicateDedupeKey(t *testing.T) {
	db := setupTestDB(t)
	outbox := newTestOutbox(t, db)
	ctx := context.Background()

	event := Event{
		AggregateType: "connected_account",
		AggregateID:   "42",
		Type:          EventAccountActivated,
		Payload:       map[string]any{"owner_id": "7"},
		DedupeKey:     "account_activated:42",
	}
	require.NoError(t, outbox.PublishTx(ctx, db, event))
	require.NoError(t, outbox.PublishTx(ctx, db, event))

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM domain_events`).Scan(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPublishTxRollsBackWithTransaction(t *testing.T) {
	db := setupTestDB(t)
	outbox := newTestOutbox(t, db)

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := outbox.PublishTx(context.Background(), tx, Event{Type: EventCommissionCreated, DedupeKey: "c:1"}); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM domain_events`).Scan(&count).Error)
	assert.Zero(t, count)
}

func TestPublishTxRequiresTypeAndDedupeKey(t *testing.T) {
	db := setupTestDB(t)
	outbox := newTestOutbox(t, db)
	assert.ErrorIs(t, outbox.PublishTx(context.Background(), db, Event{Type: EventAccountActivated}), ErrInvalidEvent)
}

func TestRelayOncePublishesAndMarks(t *testing.T) {
	db := setupTestDB(t)
	outbox := newTestOutbox(t, db)
	ctx := context.Background()

	require.NoError(t, outbox.PublishTx(ctx, db, Event{Type: EventAccountActivated, AggregateID: "1", DedupeKey: "a:1"}))
	require.NoError(t, outbox.PublishTx(ctx, db, Event{Type: EventAccountActivated, AggregateID: "2", DedupeKey: "a:2"}))

	publisher := &recordingPublisher{}
	published, err := outbox.RelayOnce(ctx, publisher, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, published)
	assert.Len(t, publisher.records, 2)

	published, err = outbox.RelayOnce(ctx, publisher, 10)
	require.NoError(t, err)
	assert.Zero(t, published)
}

func TestRelayOnceStopsOnPublishError(t *testing.T) {
	db := setupTestDB(t)
	outbox := newTestOutbox(t, db)
	ctx := context.Background()
	require.NoError(t, outbox.PublishTx(ctx, db, Event{Type: EventAccountActivated, DedupeKey: "a:1"}))

	published, err := outbox.RelayOnce(ctx, &recordingPublisher{err: errors.New("down")}, 10)
	require.Error(t, err)
	assert.Zero(t, published)

	var pending int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM domain_events WHERE published = ?`, false).Scan(&pending).Error)
	assert.Equal(t, int64(1), pending)
}
