package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"szakszon.com/divratio"
	"szakszon.com/divratio/logger"
	"szakszon.com/divratio/session"
)

const CookieName = "divratio_session"

type options struct {
	calculator  Calculator
	sessions    session.Store
	history     divratio.ResultStore
	benchmark   divratio.BenchmarkService
	recentLimit uint64
	cookieTTL   time.Duration

	benchmarkWait  time.Duration
	benchmarkRetry time.Duration

	logger logger.Logger
}

type Option func(o options) options

func WithCalculator(c Calculator) Option {
	return func(o options) options {
		o.calculator = c
		return o
	}
}

func Sessions(s session.Store) Option {
	return func(o options) options {
		o.sessions = s
		return o
	}
}

// History enables the recent searches list and /api/history.
func History(s divratio.ResultStore) Option {
	return func(o options) options {
		o.history = s
		return o
	}
}

// Benchmark enables the benchmark line below the results.
func Benchmark(s divratio.BenchmarkService) Option {
	return func(o options) options {
		o.benchmark = s
		return o
	}
}

func RecentLimit(n uint64) Option {
	return func(o options) options {
		o.recentLimit = n
		return o
	}
}

// BenchmarkWait bounds how long a page waits for the first benchmark
// scrape. A slower scrape finishes in the background and shows up on a
// later page.
func BenchmarkWait(d time.Duration) Option {
	return func(o options) options {
		o.benchmarkWait = d
		return o
	}
}

// BenchmarkRetry is the pause after a failed benchmark scrape.
func BenchmarkRetry(d time.Duration) Option {
	return func(o options) options {
		o.benchmarkRetry = d
		return o
	}
}

func CookieTTL(d time.Duration) Option {
	return func(o options) options {
		o.cookieTTL = d
		return o
	}
}

func Log(l logger.Logger) Option {
	return func(o options) options {
		o.logger = l
		return o
	}
}

var defaultOptions = options{
	calculator:  nil,
	sessions:    nil,
	history:     nil,
	benchmark:   nil,
	recentLimit: 10,
	cookieTTL:   0,

	benchmarkWait:  500 * time.Millisecond,
	benchmarkRetry: time.Minute,

	logger: nil,
}

type Server struct {
	opts       options
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader

	benchmarkMu      sync.Mutex
	benchmark        *divratio.Benchmark
	benchmarkPending chan struct{}
	benchmarkFailed  time.Time
}

func NewServer(os ...Option) *Server {
	opts := defaultOptions
	for _, o := range os {
		opts = o(opts)
	}
	if opts.sessions == nil {
		opts.sessions = session.NewMemoryStore(opts.cookieTTL)
	}

	d := NewDispatcher(opts.sessions)
	d.Register(EventSearch, &SearchHandler{Calculator: opts.calculator})

	return &Server{
		opts:       opts,
		dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/ratios", s.handleRatios)
	mux.HandleFunc("/api/history", s.handleHistory)
	return mux
}

// ListenAndServe serves until ctx is done, then shuts the server down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			s.logf("shutdown: %v", err)
		}
	}()

	s.logf("listening on %v", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, http.MethodGet, http.MethodHead)
		return
	}

	id, c := s.session(r)
	if c != nil {
		http.SetCookie(w, c)
	}

	ctx := r.Context()
	st, err := s.opts.sessions.Get(ctx, id)
	if err != nil {
		s.logf("session %v: %v", id, err)
	}

	v := &pageView{
		Results: newResultsView(st),
	}
	if st != nil {
		v.Ticker = st.Ticker
	}
	v.Benchmark = s.benchmarkView(ctx)
	v.Recent = s.recentViews(ctx)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = renderPage(w, v)
	if err != nil {
		s.logf("render page: %v", err)
	}
}

// benchmarkView returns the cached benchmark. The scrape runs in the
// background, one at a time; a page waits for it at most benchmarkWait.
func (s *Server) benchmarkView(ctx context.Context) *benchmarkView {
	if s.opts.benchmark == nil {
		return nil
	}

	s.benchmarkMu.Lock()
	if s.benchmark != nil {
		b := *s.benchmark
		s.benchmarkMu.Unlock()
		return newBenchmarkView(b)
	}
	pending := s.benchmarkPending
	if pending == nil {
		if !s.benchmarkFailed.IsZero() &&
			time.Since(s.benchmarkFailed) < s.opts.benchmarkRetry {
			s.benchmarkMu.Unlock()
			return nil
		}
		pending = make(chan struct{})
		s.benchmarkPending = pending
		go s.refreshBenchmark(pending)
	}
	s.benchmarkMu.Unlock()

	t := time.NewTimer(s.opts.benchmarkWait)
	defer t.Stop()
	select {
	case <-pending:
	case <-t.C:
		return nil
	case <-ctx.Done():
		return nil
	}

	s.benchmarkMu.Lock()
	defer s.benchmarkMu.Unlock()
	if s.benchmark == nil {
		return nil
	}
	return newBenchmarkView(*s.benchmark)
}

func (s *Server) refreshBenchmark(done chan struct{}) {
	defer close(done)

	out, err := s.opts.benchmark.DividendYield(
		context.Background(),
		&divratio.BenchmarkDividendYieldInput{},
	)

	s.benchmarkMu.Lock()
	defer s.benchmarkMu.Unlock()
	s.benchmarkPending = nil
	if err != nil {
		s.logf("benchmark: %v", err)
		s.benchmarkFailed = time.Now()
		return
	}
	b := out.Benchmark
	s.benchmark = &b
}

func (s *Server) recentViews(ctx context.Context) []*recentView {
	if s.opts.history == nil {
		return nil
	}
	searches, err := s.opts.history.Searches(ctx, &divratio.SearchFilter{
		Limit: s.opts.recentLimit,
	})
	if err != nil {
		s.logf("recent searches: %v", err)
		return nil
	}
	return newRecentViews(searches)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	err := r.ParseForm()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, c := s.session(r)
	if c != nil {
		http.SetCookie(w, c)
	}

	_, err = s.dispatcher.Dispatch(r.Context(), id, &Event{
		Type:   EventSearch,
		Ticker: r.PostFormValue("ticker"),
	})
	if err != nil {
		s.logf("session %v: search: %v", id, err)
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type wsMessage struct {
	Type  string `json:"type"`
	HTML  string `json:"html,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, c := s.session(r)
	h := http.Header{}
	if c != nil {
		h.Add("Set-Cookie", c.String())
	}

	conn, err := s.upgrader.Upgrade(w, r, h)
	if err != nil {
		s.logf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	// the pending action is canceled once the client goes away
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan *Event)
	go func() {
		defer close(events)
		defer cancel()
		for {
			var ev Event
			err := conn.ReadJSON(&ev)
			if err != nil {
				return
			}
			select {
			case events <- &ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for ev := range events {
		msg := wsMessage{Type: "state"}

		st, err := s.dispatcher.Dispatch(ctx, id, ev)
		if err == nil {
			msg.HTML, err = renderResults(st)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logf("session %v: %v: %v", id, ev.Type, err)
			msg = wsMessage{Type: "error", Error: err.Error()}
			msg.HTML, err = renderError(err)
			if err != nil {
				s.logf("render error: %v", err)
			}
		}

		err = conn.WriteJSON(msg)
		if err != nil {
			s.logf("session %v: write: %v", id, err)
			return
		}
	}
}

func (s *Server) handleRatios(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	o := s.opts.calculator.Calculate(r.Context(), r.URL.Query().Get("symbol"))
	if o.Failed() {
		writeError(w, statusOf(o.Failure.Kind), o.Failure)
		return
	}
	writeJSON(w, http.StatusOK, o.Result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.opts.history == nil {
		writeError(w, http.StatusNotFound, &divratio.Failure{
			Kind:    divratio.KindNotFound,
			Message: "search history is disabled",
		})
		return
	}

	q := r.URL.Query()

	if v := q.Get("search"); v != "" {
		searchID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid search id", http.StatusBadRequest)
			return
		}
		rows, err := s.opts.history.Rows(r.Context(), searchID)
		if err != nil {
			s.logf("history rows %v: %v", searchID, err)
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rows)
		return
	}

	f := &divratio.SearchFilter{
		Symbol: strings.ToUpper(strings.TrimSpace(q.Get("symbol"))),
		Limit:  s.opts.recentLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	searches, err := s.opts.history.Searches(r.Context(), f)
	if err != nil {
		s.logf("history: %v", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, searches)
}

// session returns the session id of the request. The cookie is non-nil
// when a new session was started and has to be sent to the client.
func (s *Server) session(r *http.Request) (string, *http.Cookie) {
	c, err := r.Cookie(CookieName)
	if err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value, nil
		}
	}

	id := uuid.NewString()
	nc := &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if s.opts.cookieTTL > 0 {
		nc.MaxAge = int(s.opts.cookieTTL / time.Second)
	}
	return id, nc
}

func statusOf(kind divratio.ErrorKind) int {
	switch kind {
	case divratio.KindNotFound:
		return http.StatusNotFound
	case divratio.KindCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, f *divratio.Failure) {
	writeJSON(w, status, map[string]*divratio.Failure{"error": f})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed),
		http.StatusMethodNotAllowed)
}

func (s *Server) logf(format string, v ...interface{}) {
	if s.opts.logger != nil {
		s.opts.logger.Logf(format, v...)
	}
}
