//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trainingjobs/internal/api"
	"trainingjobs/internal/auth"
	"trainingjobs/internal/client"
	"trainingjobs/internal/dispatcher"
	"trainingjobs/internal/fanout"
	"trainingjobs/internal/health"
	"trainingjobs/internal/job"
	"trainingjobs/internal/notify"
	"trainingjobs/internal/runner"
	"trainingjobs/internal/runner/mlservice"
	"trainingjobs/internal/scheduler"
	"trainingjobs/internal/store/sqlstore"
	"trainingjobs/pkg/circuitbreaker"
	"trainingjobs/pkg/cloudevent"
)

const (
	jwtSecret  = "e2e-secret"
	signingKey = "e2e-webhook-key"
)

// answer is one scripted reply of the fake ML service to a status poll.
type answer struct {
	code int
	doc  runner.StatusDocument
}

func running() answer { return answer{code: http.StatusOK, doc: runner.StatusDocument{Status: "running"}} }

func unavailable() answer { return answer{code: http.StatusServiceUnavailable} }

func runnerFailed(msg string) runner.StatusDocument {
	return runner.StatusDocument{Status: "failed", Error: msg}
}

func completed(accuracy float64) answer {
	return answer{code: http.StatusOK, doc: runner.StatusDocument{Status: "completed", Accuracy: &accuracy}}
}

type trainCall struct {
	JobID           string         `json:"jobId"`
	UserID          string         `json:"userId"`
	ModelType       string         `json:"modelType"`
	Dataset         string         `json:"dataset"`
	ABTesting       bool           `json:"abTesting"`
	AutoTuning      bool           `json:"autoTuning"`
	Hyperparameters map[string]any `json:"hyperparameters"`
}

// mlService fakes the external training service. Runs follow the script
// registered for their dataset; the last answer repeats.
type mlService struct {
	*httptest.Server

	mu        sync.Mutex
	scripts   map[string][]answer
	runs      map[string][]answer
	calls     map[string]trainCall
	polls     map[string]int
	failTrain int
}

func newMLService(t testing.TB) *mlService {
	m := &mlService{
		scripts: make(map[string][]answer),
		runs:    make(map[string][]answer),
		calls:   make(map[string]trainCall),
		polls:   make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /train", m.train)
	mux.HandleFunc("GET /status/{id}", m.status)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

func (m *mlService) script(dataset string, answers ...answer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[dataset] = answers
}

func (m *mlService) failNextTrains(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTrain = n
}

func (m *mlService) pollCount(externalID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls[externalID]
}

func (m *mlService) trainCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mlService) train(w http.ResponseWriter, r *http.Request) {
	var call trainCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTrain > 0 {
		m.failTrain--
		http.Error(w, "scheduler unavailable", http.StatusInternalServerError)
		return
	}

	externalID := "ml-" + call.JobID
	script, ok := m.scripts[call.Dataset]
	if !ok {
		script = []answer{running(), completed(0.9)}
	}
	m.runs[externalID] = append([]answer(nil), script...)
	m.calls[externalID] = call

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"jobId": externalID})
}

func (m *mlService) status(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	m.mu.Lock()
	run, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	m.polls[id]++
	next := run[0]
	if len(run) > 1 {
		m.runs[id] = run[1:]
	}
	call := m.calls[id]
	m.mu.Unlock()

	if next.code != http.StatusOK {
		http.Error(w, http.StatusText(next.code), next.code)
		return
	}

	doc := next.doc
	if doc.Status == "completed" {
		fillDerived(&doc, call)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

// fillDerived adds the fields a real service reports for the requested options.
func fillDerived(doc *runner.StatusDocument, call trainCall) {
	if call.ABTesting {
		a, b := 0.82, 0.88
		doc.ModelA, doc.ModelB = call.ModelType+"-a", call.ModelType+"-b"
		doc.PerformanceA, doc.PerformanceB = &a, &b
	}
	if call.AutoTuning {
		best := 0.91
		doc.BestHyperparameters = map[string]any{"learningRate": 0.003, "layers": float64(4)}
		doc.BestPerformance = &best
	}
}

// webhook receives version notifications and checks their signatures.
type webhook struct {
	*httptest.Server

	mu       sync.Mutex
	events   []cloudevent.CloudEvent
	received atomic.Int64
	badSigs  atomic.Int64
}

func newWebhook(t testing.TB) *webhook {
	wh := &webhook{}
	wh.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ev, err := cloudevent.ReadRequest(r, signingKey)
		if err != nil {
			if errors.Is(err, cloudevent.ErrBadSignature) || errors.Is(err, cloudevent.ErrMissingSignature) {
				wh.badSigs.Add(1)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		wh.mu.Lock()
		wh.events = append(wh.events, *ev)
		wh.mu.Unlock()
		wh.received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(wh.Close)
	return wh
}

func (wh *webhook) eventsFor(jobID string) []cloudevent.CloudEvent {
	wh.mu.Lock()
	defer wh.mu.Unlock()
	var out []cloudevent.CloudEvent
	for _, ev := range wh.events {
		if ev.Subject == jobID {
			out = append(out, ev)
		}
	}
	return out
}

// stack is the whole service wired in process over a SQLite file.
type stack struct {
	api        *httptest.Server
	ml         *mlService
	webhook    *webhook
	store      *sqlstore.Store
	dispatcher *dispatcher.MemoryDispatcher
	fanout     *fanout.FanOut
	runner     job.Runner

	mu        sync.Mutex
	scheduler *scheduler.Scheduler
}

func schedulerConfig() scheduler.Config {
	return scheduler.Config{
		BackoffInitial:   20 * time.Millisecond,
		BackoffMax:       50 * time.Millisecond,
		MaxPollRetries:   5,
		SweepInterval:    10 * time.Millisecond,
		ClaimTimeout:     2 * time.Second,
		FanOutRetryDelay: 50 * time.Millisecond,
		Workers:          4,
	}
}

func newStack(t testing.TB) *stack {
	t.Helper()
	ctx := context.Background()

	ml := newMLService(t)
	wh := newWebhook(t)

	dsn := "file:" + filepath.Join(t.TempDir(), "jobs.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	store, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	mlRunner, err := mlservice.New(mlservice.Config{
		BaseURL:    ml.URL,
		Timeout:    5 * time.Second,
		HealthPath: "/healthz",
		Breaker:    circuitbreaker.Config{Threshold: 10, Cooldown: time.Second},
	})
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}

	d := dispatcher.NewMemory(dispatcher.Config{
		BufferSize:     100,
		Workers:        2,
		MaxRetries:     2,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}, nil)
	notifier, _, err := notify.Build(notify.Config{URL: wh.URL, SigningKey: signingKey}, d)
	if err != nil {
		t.Fatalf("Failed to build notifier: %v", err)
	}

	fo := fanout.New(store, notifier, nil, fanout.Config{Retries: 2, BackoffInitial: 10 * time.Millisecond})
	svc := job.NewService(store, store, mlRunner, nil, job.Config{FirstPollDelay: 10 * time.Millisecond})
	checker := health.NewChecker(
		health.Check{Name: "store", Probe: health.ProbeFunc(store.Ping)},
		health.Check{Name: "runner", Probe: mlRunner},
	)

	s := &stack{
		ml:         ml,
		webhook:    wh,
		store:      store,
		dispatcher: d,
		fanout:     fo,
		runner:     mlRunner,
	}
	s.api = httptest.NewServer(api.NewRouter(api.RouterConfig{
		JobService:    svc,
		HealthChecker: checker,
		Verifier:      auth.NewVerifier(jwtSecret, ""),
	}))
	s.startScheduler()

	t.Cleanup(func() {
		s.api.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.stopScheduler(shutdownCtx)
		d.Close(shutdownCtx)
		store.Close()
	})
	return s
}

func (s *stack) startScheduler() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduler = scheduler.New(s.store, s.runner, s.fanout, nil, schedulerConfig())
	s.scheduler.Start()
}

func (s *stack) stopScheduler(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		s.scheduler.Close(ctx)
		s.scheduler = nil
	}
}

// client returns an API client authenticated as userID.
func (s *stack) client(t testing.TB, userID string) *client.Client {
	t.Helper()
	token, err := auth.Issue(jwtSecret, "", userID, time.Hour)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	c, err := client.New(s.api.URL, client.WithToken(token))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}
