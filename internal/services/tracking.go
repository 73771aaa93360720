package services

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"bookingflow/backend/internal/apperror"
	"bookingflow/backend/internal/cache"
	"bookingflow/backend/internal/repository"
	"bookingflow/backend/pkg/models"
)

const (
	defaultRecentRuns = 10
	maxRecentRuns     = 100

	trackingFetchTimeout = 30 * time.Second
)

// TrackingQuery selects what a tracking snapshot covers: one run, or the most
// recent runs. Requester scopes the cache entry.
type TrackingQuery struct {
	RunID     string
	Recent    int
	Requester string
}

func (q TrackingQuery) key() string {
	if q.RunID != "" {
		return q.Requester + "|run:" + q.RunID
	}
	return fmt.Sprintf("%s|recent:%d", q.Requester, q.Recent)
}

// TrackingStats are the derived statistics of one run. Rates are fractions in
// [0, 1] and zero when their denominator is zero.
type TrackingStats struct {
	Thresholds
	ResponseRate        float64 `json:"responseRate"`
	QuoteRate           float64 `json:"quoteRate"`
	AcceptanceRate      float64 `json:"acceptanceRate"`
	NotificationsTotal  int     `json:"notificationsTotal"`
	NotificationsFailed int     `json:"notificationsFailed"`
	DeliveryRate        float64 `json:"deliveryRate"`
	OpenRate            float64 `json:"openRate"`
	ClickRate           float64 `json:"clickRate"`
}

// TrackedRun is one run joined with its provider, quote and notification rows.
type TrackedRun struct {
	Run           *models.WorkflowRun            `json:"run"`
	StepName      string                         `json:"stepName"`
	Providers     []*models.WorkflowProvider     `json:"providers"`
	Quotes        []*models.WorkflowQuote        `json:"quotes"`
	Notifications []*models.WorkflowNotification `json:"notifications"`
	Stats         TrackingStats                  `json:"stats"`
}

// TrackingData is a dashboard snapshot.
type TrackingData struct {
	Runs      []*TrackedRun `json:"runs"`
	FetchedAt time.Time     `json:"fetchedAt"`
	Cached    bool          `json:"cached"`
}

func (d *TrackingData) hasActiveRun() bool {
	for _, r := range d.Runs {
		if !r.Run.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// Tracker serves tracking snapshots from a cache. An entry older than the
// active-refresh age is refetched early while any of its runs is still in
// flight; settled snapshots live for the full cache TTL.
type Tracker struct {
	store         repository.WorkflowStore
	cache         cache.Cache[*TrackingData]
	now           func() time.Time
	activeRefresh time.Duration
	group         singleflight.Group
}

// NewTracker creates a new Tracker. now must be the cache's clock.
func NewTracker(store repository.WorkflowStore, c cache.Cache[*TrackingData], now func() time.Time, activeRefresh time.Duration) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: store, cache: c, now: now, activeRefresh: activeRefresh}
}

// GetTrackingData returns the snapshot for q.
func (t *Tracker) GetTrackingData(ctx context.Context, q TrackingQuery) (*TrackingData, error) {
	if q.RunID == "" {
		if q.Recent <= 0 {
			q.Recent = defaultRecentRuns
		}
		if q.Recent > maxRecentRuns {
			return nil, apperror.Validation("recent must be at most %d", maxRecentRuns)
		}
	}
	key := q.key()

	if entry, ok := t.cache.Get(key); ok && !t.stale(entry) {
		cp := *entry.Value
		cp.Cached = true
		return &cp, nil
	}

	// The fetch is shared by every caller waiting on key, so it must not die
	// with whichever request happened to start it.
	ch := t.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), trackingFetchTimeout)
		defer cancel()
		data, err := t.fetch(fetchCtx, q)
		if err != nil {
			return nil, err
		}
		t.cache.Set(key, data)
		return data, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*TrackingData), nil
	}
}

// Invalidate drops cached snapshots for a requester and run.
func (t *Tracker) Invalidate(q TrackingQuery) {
	t.cache.Delete(q.key())
}

func (t *Tracker) stale(entry cache.Entry[*TrackingData]) bool {
	return entry.Value.hasActiveRun() && entry.Age(t.now()) > t.activeRefresh
}

func (t *Tracker) fetch(ctx context.Context, q TrackingQuery) (*TrackingData, error) {
	var runs []*models.WorkflowRun
	if q.RunID != "" {
		run, err := t.store.GetRun(ctx, q.RunID)
		if err != nil {
			return nil, err
		}
		runs = []*models.WorkflowRun{run}
	} else {
		var err error
		if runs, err = t.store.ListRecentRuns(ctx, q.Recent); err != nil {
			return nil, err
		}
	}

	data := &TrackingData{Runs: make([]*TrackedRun, 0, len(runs)), FetchedAt: t.now()}
	for _, run := range runs {
		tracked, err := t.track(ctx, run)
		if err != nil {
			return nil, err
		}
		data.Runs = append(data.Runs, tracked)
	}
	return data, nil
}

func (t *Tracker) track(ctx context.Context, run *models.WorkflowRun) (*TrackedRun, error) {
	wps, err := t.store.ListWorkflowProviders(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	quotes, err := t.store.ListQuotes(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	notifications, err := t.store.ListNotifications(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return &TrackedRun{
		Run:           run,
		StepName:      run.StepName(),
		Providers:     wps,
		Quotes:        quotes,
		Notifications: notifications,
		Stats:         computeStats(wps, notifications),
	}, nil
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func computeStats(wps []*models.WorkflowProvider, notifications []*models.WorkflowNotification) TrackingStats {
	s := TrackingStats{Thresholds: CountThresholds(wps)}
	s.ResponseRate = ratio(s.RespondedCount, s.TotalProviders)
	s.QuoteRate = ratio(s.QuotedCount, s.TotalProviders)
	s.AcceptanceRate = ratio(s.AcceptedCount, s.RespondedCount)

	opened := 0
	for _, wp := range wps {
		if wp.LinkOpenedAt != nil {
			opened++
		}
	}
	s.OpenRate = ratio(opened, s.TotalProviders)

	delivered, responded := 0, 0
	for _, n := range notifications {
		if n.Status == models.NotificationStatusFailed {
			s.NotificationsFailed++
		} else {
			delivered++
		}
		if n.HasResponse {
			responded++
		}
	}
	s.NotificationsTotal = len(notifications)
	s.DeliveryRate = ratio(delivered, s.NotificationsTotal)
	s.ClickRate = ratio(responded, s.NotificationsTotal)
	return s
}
