package mailer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	gomail "gopkg.in/gomail.v2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datajob/engine/internal/table"
)

type fakeDialer struct {
	calls int32
	err   error
	sent  []*gomail.Message
}

func (f *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m...)
	return nil
}

func sampleTable() *table.Table {
	t := table.New([]string{"a", "b"})
	_ = t.AppendRow([]table.Cell{table.Int(1), table.Int(2)})
	return t
}

func TestDeliverSuccessSubjectAndAttachment(t *testing.T) {
	fake := &fakeDialer{}
	m := NewWithDialer(fake, "noreply@example.test")
	runTime := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := m.DeliverSuccess(context.Background(), "j1", []string{"x@y"}, sampleTable(), runTime)
	require.NoError(t, err)
	require.Len(t, fake.sent, 1)
}

func TestDeliverFailureSubject(t *testing.T) {
	fake := &fakeDialer{}
	m := NewWithDialer(fake, "noreply@example.test")
	err := m.DeliverFailure(context.Background(), "j2", []string{"x@y"}, "boom", time.Now())
	require.NoError(t, err)
	require.Len(t, fake.sent, 1)
}

func TestDeliveryRetriesOnTransientThenFails(t *testing.T) {
	fake := &fakeDialer{err: errors.New("connection refused")}
	m := NewWithDialer(fake, "noreply@example.test")

	err := m.DeliverSuccess(context.Background(), "j1", []string{"x@y"}, sampleTable(), time.Now())
	require.Error(t, err)
	var me *MailError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, Transient, me.Kind)
	assert.Equal(t, int32(maxAttempts), atomic.LoadInt32(&fake.calls))
}

func TestDeliveryPermanentOnAuthFailureNotRetried(t *testing.T) {
	fake := &fakeDialer{err: errors.New("535 5.7.8 authentication failed")}
	m := NewWithDialer(fake, "noreply@example.test")

	err := m.DeliverSuccess(context.Background(), "j1", []string{"x@y"}, sampleTable(), time.Now())
	require.Error(t, err)
	var me *MailError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, Permanent, me.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.calls))
}

func TestDeliverySendsCancelledOnCancelledContext(t *testing.T) {
	fake := &fakeDialer{err: errors.New("connection refused")}
	m := NewWithDialer(fake, "noreply@example.test")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.DeliverSuccess(ctx, "j1", []string{"x@y"}, sampleTable(), time.Now())
	require.Error(t, err)
	var me *MailError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, Cancelled, me.Kind)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fake.calls))
}
