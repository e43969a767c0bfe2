package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dstack-verify/attestor/internal/domain"
	"github.com/dstack-verify/attestor/internal/platform/apperr"
	"github.com/dstack-verify/attestor/internal/platform/logger"
	"github.com/dstack-verify/attestor/internal/queue"
)

type fakeProfileStore struct {
	upserted []domain.Profile
}

func (f *fakeProfileStore) UpsertProfile(ctx context.Context, p domain.Profile) (domain.Profile, error) {
	f.upserted = append(f.upserted, p)
	return p, nil
}
func (f *fakeProfileStore) GetProfile(ctx context.Context, entityType domain.ProfileEntityType, entityID int64) (domain.Profile, error) {
	return domain.Profile{}, apperr.New("", "", "not found", http.StatusNotFound)
}

type fakeAppStore struct {
	apps      map[string]domain.Application
	tombstone []string
}

func newFakeAppStore() *fakeAppStore { return &fakeAppStore{apps: map[string]domain.Application{}} }

func (f *fakeAppStore) UpsertApp(ctx context.Context, app domain.Application) (domain.Application, error) {
	f.apps[app.ID] = app
	return app, nil
}
func (f *fakeAppStore) GetApp(ctx context.Context, id string) (domain.Application, error) {
	app, ok := f.apps[id]
	if !ok {
		return domain.Application{}, apperr.AppNotFound(id)
	}
	return app, nil
}
func (f *fakeAppStore) ListApps(ctx context.Context) ([]domain.Application, error) { return nil, nil }
func (f *fakeAppStore) TombstoneAppsNotIn(ctx context.Context, ids []string) (int64, error) {
	f.tombstone = ids
	return 0, nil
}

func newTestLease(t *testing.T) *Lease {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(server.Close)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLease(client)
}

func TestRunAppSyncUpsertsAndEnqueuesNewApps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"dstack_app_id":"app-1","app_name":"deepseek","base_image":"dstack-0.5.3"}]`))
	}))
	defer srv.Close()

	apps := newFakeAppStore()
	var enqueued []queue.Job
	enqueue := func(ctx context.Context, job queue.Job) error {
		enqueued = append(enqueued, job)
		return nil
	}

	e := &Engine{
		cfg:     Config{AppQueryURL: srv.URL},
		client:  NewClient("", 0),
		apps:    apps,
		enqueue: enqueue,
		log:     logger.NewDefault(""),
	}

	if err := e.RunAppSync(context.Background()); err != nil {
		t.Fatalf("RunAppSync() error = %v", err)
	}

	if _, ok := apps.apps["app-1"]; !ok {
		t.Fatal("RunAppSync() did not upsert app-1")
	}
	if len(enqueued) != 1 || enqueued[0].JobID != "app-1" {
		t.Fatalf("enqueued = %+v, want one job for app-1", enqueued)
	}
}

func TestRunAppSyncSkipsReenqueueOnExistingApp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"dstack_app_id":"app-1","app_name":"deepseek","base_image":"dstack-0.5.3"}]`))
	}))
	defer srv.Close()

	apps := newFakeAppStore()
	apps.apps["app-1"] = domain.Application{ID: "app-1"}
	var enqueued []queue.Job
	enqueue := func(ctx context.Context, job queue.Job) error {
		enqueued = append(enqueued, job)
		return nil
	}

	e := &Engine{
		cfg:     Config{AppQueryURL: srv.URL},
		client:  NewClient("", 0),
		apps:    apps,
		enqueue: enqueue,
		log:     logger.NewDefault(""),
	}

	if err := e.RunAppSync(context.Background()); err != nil {
		t.Fatalf("RunAppSync() error = %v", err)
	}
	if len(enqueued) != 0 {
		t.Fatalf("enqueued = %+v, want no re-enqueue for an already-known app", enqueued)
	}
}

func TestRunAppSyncFiltersDisallowedVersions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"dstack_app_id":"app-1","base_image":"dstack-0.5.3"}]`))
	}))
	defer srv.Close()

	apps := newFakeAppStore()
	e := &Engine{
		cfg:    Config{AppQueryURL: srv.URL, AllowedVersions: []string{"0.5.1"}},
		client: NewClient("", 0),
		apps:   apps,
		log:    logger.NewDefault(""),
	}

	if err := e.RunAppSync(context.Background()); err != nil {
		t.Fatalf("RunAppSync() error = %v", err)
	}
	if len(apps.apps) != 0 {
		t.Fatal("RunAppSync() should not upsert a version outside the allow-list")
	}
}

func TestRunProfileSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"entityType":"app","entityId":7,"displayName":"Deepseek"}]`))
	}))
	defer srv.Close()

	profiles := &fakeProfileStore{}
	e := &Engine{
		cfg:     Config{ProfileQueryURL: srv.URL},
		client:  NewClient("", 0),
		profile: profiles,
		log:     logger.NewDefault(""),
	}

	if err := e.RunProfileSync(context.Background()); err != nil {
		t.Fatalf("RunProfileSync() error = %v", err)
	}
	if len(profiles.upserted) != 1 || profiles.upserted[0].EntityID != 7 {
		t.Fatalf("upserted = %+v, want one profile with entity id 7", profiles.upserted)
	}
}

func TestNewEngineRejectsInvalidCronPattern(t *testing.T) {
	apps := newFakeAppStore()
	if _, err := NewEngine(Config{ProfileCronPattern: "not a cron", TasksCronPattern: "*/5 * * * *"}, &fakeProfileStore{}, apps, nil, nil, nil); err == nil {
		t.Fatal("NewEngine() expected an error for an invalid cron pattern")
	}
}

func TestEngineStartStopRunsLeasedTick(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	lease := newTestLease(t)
	e, err := NewEngine(Config{
		ProfileQueryURL:    srv.URL,
		AppQueryURL:        srv.URL,
		ProfileCronPattern: "* * * * *",
		TasksCronPattern:   "* * * * *",
	}, &fakeProfileStore{}, newFakeAppStore(), lease, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

