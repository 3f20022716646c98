package twofactor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/models"
)

type fakeMailbox struct {
	mu      sync.Mutex
	emails  []Email
	polls   int
	seen    []uint32
	seenErr error
}

func (f *fakeMailbox) FetchUnseen(ctx context.Context, subjectFilter string) ([]Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return append([]Email(nil), f.emails...), nil
}

func (f *fakeMailbox) MarkSeen(ctx context.Context, id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, id)
	return f.seenErr
}

func (f *fakeMailbox) deliver(e Email) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, e)
}

func TestWaitForCode_PicksNewestFreshMessage(t *testing.T) {
	since := time.Now()
	mailbox := &fakeMailbox{emails: []Email{
		{ID: 1, Subject: "Your code", Body: "Code: 111111", Date: since.Add(-time.Hour)},
		{ID: 2, Subject: "Your code", Body: "Code: 222222", Date: since.Add(10 * time.Second)},
		{ID: 3, Subject: "Newsletter", Body: "no digits here", Date: since.Add(20 * time.Second)},
	}}

	provider, err := NewService(mailbox, "code", `\b(\d{6})\b`, 10*time.Millisecond, time.Second, arbor.NewLogger())
	require.NoError(t, err)

	code, err := provider.WaitForCode(context.Background(), "portal", "", since)
	require.NoError(t, err)
	assert.Equal(t, "222222", code)
	assert.Equal(t, []uint32{2}, mailbox.seen)
}

func TestWaitForCode_PollsUntilDelivered(t *testing.T) {
	mailbox := &fakeMailbox{}
	provider, err := NewService(mailbox, "", `\d{6}`, 10*time.Millisecond, 2*time.Second, arbor.NewLogger())
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		mailbox.deliver(Email{ID: 9, Subject: "Login code 654321", Date: time.Now()})
	}()

	code, err := provider.WaitForCode(context.Background(), "portal", "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "654321", code)
}

func TestWaitForCode_TimesOutAsTransient(t *testing.T) {
	provider, err := NewService(&fakeMailbox{}, "", `\d{6}`, 10*time.Millisecond, 50*time.Millisecond, arbor.NewLogger())
	require.NoError(t, err)

	_, err = provider.WaitForCode(context.Background(), "portal", "", time.Now())
	require.Error(t, err)
	assert.Equal(t, models.KindTransientAuth, models.KindOf(err))
	assert.Equal(t, models.StateAwaitUser, models.StepOf(err))
}

func TestNewService_RejectsBadPattern(t *testing.T) {
	_, err := NewService(&fakeMailbox{}, "", `(`, time.Second, time.Second, arbor.NewLogger())
	assert.Error(t, err)
}

func TestWaitForCode_MarkSeenFailureStillReturnsCode(t *testing.T) {
	since := time.Now()
	mailbox := &fakeMailbox{
		emails:  []Email{{ID: 4294967295, Subject: "Your code", Body: "Code: 333333", Date: since.Add(time.Second)}},
		seenErr: errors.New("mailbox is read-only"),
	}

	provider, err := NewService(mailbox, "code", `\b(\d{6})\b`, 10*time.Millisecond, time.Second, arbor.NewLogger())
	require.NoError(t, err)

	code, err := provider.WaitForCode(context.Background(), "portal", "", since)
	require.NoError(t, err)
	assert.Equal(t, "333333", code)
	assert.Equal(t, []uint32{4294967295}, mailbox.seen)
}
