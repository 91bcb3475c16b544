package observability

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/schema"
)

func deadLetter(id string) schema.DeadLetter {
	return schema.DeadLetter{
		Event:    &schema.Event{ID: id, Type: schema.EventTypeEntityCreated, Channel: schema.ChannelCRM},
		Reason:   "handler failed",
		Attempts: 3,
	}
}

func TestDeadLetterQueueOfferAndDrain(t *testing.T) {
	queue := NewDeadLetterQueue(2)

	queue.Offer(deadLetter("1"))
	queue.Offer(deadLetter("2"))
	queue.Offer(deadLetter("3"))

	require.Equal(t, 2, queue.Len())

	entries := queue.Drain()
	require.Len(t, entries, 2)
	require.Equal(t, "2", entries[0].Event.ID)
	require.Equal(t, "3", entries[1].Event.ID)
	require.Equal(t, 0, queue.Len())
}

func TestDeadLetterQueueStoreContract(t *testing.T) {
	ctx := context.Background()
	queue := NewDeadLetterQueue(0)

	require.Error(t, queue.DeadLetter(ctx, schema.DeadLetter{}))
	require.NoError(t, queue.DeadLetter(ctx, deadLetter("a")))
	require.NoError(t, queue.DeadLetter(ctx, deadLetter("b")))

	list, err := queue.ListDeadLetters(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "b", list[0].Event.ID)

	got, err := queue.GetDeadLetter(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 3, got.Attempts)

	require.NoError(t, queue.RemoveDeadLetter(ctx, "a"))
	_, err = queue.GetDeadLetter(ctx, "a")
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
	require.True(t, errs.HasCode(queue.RemoveDeadLetter(ctx, "a"), errs.CodeNotFound))
}

type recordingLogger struct {
	debugs int
	infos  int
	errors int
}

func (r *recordingLogger) Debug(string, ...Field) { r.debugs++ }
func (r *recordingLogger) Info(string, ...Field)  { r.infos++ }
func (r *recordingLogger) Error(string, ...Field) { r.errors++ }

func TestSetLoggerOverridesGlobal(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	defer SetLogger(nil)

	Log().Debug("test")
	require.Equal(t, 1, recorder.debugs)

	err := AggregateErrors("shutdown", []error{nil, errors.New("a"), errors.New("b")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "shutdown failed")
	require.Equal(t, 1, recorder.errors)

	require.NoError(t, AggregateErrors("noop", []error{nil}))

	SetLogger(nil)
	Log().Info("noop")
	require.Equal(t, 0, recorder.infos)
}

func TestStdLoggerRendersFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), false)
	logger.Debug("hidden")
	logger.Info("queue drained", Field{Key: "channel", Value: "CRM"}, Field{Key: "count", Value: 3})
	require.Equal(t, "INFO queue drained channel=CRM count=3\n", buf.String())
}

func TestAggregateErrorsCode(t *testing.T) {
	timeout := errs.New("transport/redis", errs.CodeTimeout)
	err := AggregateErrors("close", []error{timeout, errs.New("store", errs.CodeTimeout)})
	require.True(t, errs.HasCode(err, errs.CodeTimeout))
	require.ErrorIs(t, err, timeout)

	err = AggregateErrors("close", []error{timeout, errors.New("plain")})
	require.Equal(t, errs.CodeInternal, errs.CodeOf(err))
}
