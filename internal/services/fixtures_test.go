package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"bookingflow/backend/internal/links"
	"bookingflow/backend/internal/messaging"
	"bookingflow/backend/internal/repository"
	"bookingflow/backend/pkg/models"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, args ...any) {}
func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Warn(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

// fakeDispatcher records messages and fails for recipients listed in failFor.
type fakeDispatcher struct {
	mu      sync.Mutex
	emails  []messaging.Email
	sms     []messaging.SMS
	failFor map[string]bool
}

func (d *fakeDispatcher) SendEmail(ctx context.Context, msg messaging.Email) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failFor[msg.To] {
		return errors.New("mailbox unavailable")
	}
	d.emails = append(d.emails, msg)
	return nil
}

func (d *fakeDispatcher) SendSMS(ctx context.Context, msg messaging.SMS) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failFor[msg.To] {
		return errors.New("number unreachable")
	}
	d.sms = append(d.sms, msg)
	return nil
}

func (d *fakeDispatcher) emailsTo(to string) []messaging.Email {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []messaging.Email
	for _, m := range d.emails {
		if m.To == to {
			out = append(out, m)
		}
	}
	return out
}

// fakeNotifier counts wake-ups and can be made to fail.
type fakeNotifier struct {
	mu    sync.Mutex
	woken []string
	err   error
}

func (n *fakeNotifier) Wake(runID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.woken = append(n.woken, runID)
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.woken)
}

type fixture struct {
	engine     *Engine
	store      *repository.InMemoryStore
	codec      *links.Codec
	dispatcher *fakeDispatcher
	notifier   *fakeNotifier

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advanceClock(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()
	f := &fixture{
		store:      repository.NewInMemoryStore(),
		dispatcher: &fakeDispatcher{failFor: map[string]bool{}},
		notifier:   &fakeNotifier{},
		now:        time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	codec, err := links.NewCodec("services-test-secret")
	require.NoError(t, err)
	f.codec = codec.WithClock(f.clock)

	if settings.PublicBaseURL == "" {
		settings.PublicBaseURL = "https://book.example/"
	}
	f.engine = NewEngine(f.store, f.codec, f.dispatcher, nil, &NoOpLogger{}, settings)
	f.engine.SetNotifier(f.notifier)
	return f
}

func (f *fixture) addProviders(t *testing.T, names ...string) []*models.ServiceProvider {
	t.Helper()
	var out []*models.ServiceProvider
	for i, name := range names {
		p := &models.ServiceProvider{
			ID:        uuid.NewString(),
			Name:      name,
			Email:     strings.ToLower(strings.ReplaceAll(name, " ", "")) + "@coaches.example",
			Active:    true,
			CreatedAt: f.now.Add(time.Duration(i) * time.Second),
			UpdatedAt: f.now,
		}
		require.NoError(t, f.store.CreateProvider(context.Background(), p))
		out = append(out, p)
	}
	return out
}

func (f *fixture) startRun(t *testing.T) *models.WorkflowRun {
	t.Helper()
	run, _, err := f.engine.StartRun(context.Background(), models.BookingRequest{
		ID:            "BR-" + uuid.NewString()[:8],
		CustomerName:  "Grace Hopper",
		CustomerEmail: "grace@example.com",
		Details:       map[string]any{"from": "York", "to": "Whitby", "passengers": 12},
	})
	require.NoError(t, err)
	return run
}

// providerToken returns the link token minted for a provider in a run.
func (f *fixture) providerToken(t *testing.T, runID, providerID string) string {
	t.Helper()
	wps, err := f.store.ListWorkflowProviders(context.Background(), runID)
	require.NoError(t, err)
	for _, wp := range wps {
		if wp.ProviderID == providerID {
			return wp.LinkToken
		}
	}
	t.Fatalf("provider %s not solicited in run %s", providerID, runID)
	return ""
}

func linksQuote(run *models.WorkflowRun) links.QuoteLink {
	return links.QuoteLink{WorkflowRunID: run.ID, BookingRequestID: run.BookingRequestID}
}
