package audit

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sinkNow = time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

func sampleEvents() []*Event {
	orgID, userID := int64(1), int64(7)
	return []*Event{
		{EventID: "e1", Timestamp: sinkNow, OrganizationID: &orgID, UserID: &userID, Action: "read", Resource: "contacts", Outcome: OutcomeAllowed},
		{EventID: "e2", Timestamp: sinkNow, OrganizationID: &orgID, UserID: &userID, Action: "delete", Resource: "contacts", ResourceID: "9",
			Outcome: OutcomeDenied, ErrorKind: "permission_denied", Metadata: map[string]interface{}{"ip": "10.0.0.1"}},
	}
}

func TestFileSink_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := NewFileSink(FileSinkConfig{Path: path})
	require.NoError(t, err)

	require.NoError(t, sink.Append(context.Background(), sampleEvents()))
	require.NoError(t, sink.Append(context.Background(), sampleEvents()[:1]))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		ev, err := FromJSON(scanner.Bytes())
		require.NoError(t, err)
		ids = append(ids, ev.EventID)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"e1", "e2", "e1"}, ids)
}

func TestFileSink_RequiresPath(t *testing.T) {
	_, err := NewFileSink(FileSinkConfig{})
	assert.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (failingWriter) Close() error              { return nil }

func TestWriterSink_Error(t *testing.T) {
	sink := NewWriterSink(failingWriter{})
	err := sink.Append(context.Background(), sampleEvents())
	assert.ErrorContains(t, err, "disk full")
}

func TestDBSink_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink, err := NewDBSink(db)
	require.NoError(t, err)

	events := sampleEvents()
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO audit_logs .+ ON CONFLICT \\(event_id\\) DO NOTHING")
	prep.ExpectExec().
		WithArgs("e1", sinkNow, events[0].UserID, events[0].OrganizationID, nil, nil,
			"read", "contacts", "", OutcomeAllowed, "", "", "", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs("e2", sinkNow, events[1].UserID, events[1].OrganizationID, nil, nil,
			"delete", "contacts", "9", OutcomeDenied, "permission_denied", "", "", []byte(`{"ip":"10.0.0.1"}`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, sink.Append(context.Background(), events))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBSink_RollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink, err := NewDBSink(db)
	require.NoError(t, err)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO audit_logs")
	prep.ExpectExec().WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = sink.Append(context.Background(), sampleEvents())
	assert.ErrorContains(t, err, "failed to insert audit event e1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBSink_RequiresDB(t *testing.T) {
	_, err := NewDBSink(nil)
	assert.Error(t, err)
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink_Append(t *testing.T) {
	w := &fakeKafkaWriter{}
	sink := &KafkaSink{writer: w, timeout: time.Second}

	require.NoError(t, sink.Append(context.Background(), sampleEvents()))
	require.Len(t, w.msgs, 2)
	assert.Equal(t, []byte("e1"), w.msgs[0].Key)
	assert.Equal(t, sinkNow, w.msgs[0].Time)

	ev, err := FromJSON(w.msgs[1].Value)
	require.NoError(t, err)
	assert.Equal(t, "permission_denied", ev.ErrorKind)

	w.err = errors.New("broker unavailable")
	assert.ErrorContains(t, sink.Append(context.Background(), sampleEvents()), "broker unavailable")

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaSink_Validates(t *testing.T) {
	_, err := NewKafkaSink(nil, "audit")
	assert.Error(t, err)

	sink, err := NewKafkaSink([]string{"localhost:9092"}, "audit")
	require.NoError(t, err)
	assert.NotNil(t, sink.writer)
}

func TestMultiSink_AggregatesErrors(t *testing.T) {
	good := &memorySink{}
	bad1 := &memorySink{failing: true}
	bad2 := &memorySink{failing: true}

	err := NewMultiSink(good, bad1, bad2).Append(context.Background(), sampleEvents())
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
	assert.Len(t, good.snapshot(), 2, "healthy sinks still receive the batch")

	assert.NoError(t, NewMultiSink(good).Append(context.Background(), sampleEvents()))
	assert.NoError(t, NewMultiSink().Append(context.Background(), sampleEvents()))
}
