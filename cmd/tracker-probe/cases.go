// README: Probe checks: environment, HTTP surface, WebSocket handshake, request/reply and reconnect rejoin.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"tracker/internal/infra"
	"tracker/internal/modules/reconnect"
	"tracker/internal/realtime"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkPostgres},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: tables exist", Run: checkTables},
		{Name: "API: health", Run: checkHealth},
		{Name: "API: metrics exposed", Run: checkMetrics},
		{Name: "API: REST requires auth", Run: checkRESTAuth},
		{Name: "WS: bad token rejected before upgrade", Run: checkWSRejected},
		{Name: "WS: ping acknowledged", Run: checkWSPing},
		{Name: "WS: foreign order subscription refused", Run: checkWSForeignOrder},
		{Name: "WS: reconnect controller rejoins rooms", Run: checkReconnect},
		{Name: "WS: concurrent connections", Run: checkFanIn},
	}
}

func checkPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: "SKIP", Note: "dsn not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	return Result{Status: "PASS"}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: "SKIP", Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	return Result{Status: "PASS"}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: "SKIP", Note: "dsn not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: "FAIL", Note: err.Error()}
		}
		if !exists {
			return Result{Status: "FAIL", Note: "missing table: " + t}
		}
	}
	return Result{Status: "PASS", Note: fmt.Sprintf("%d tables", len(tables))}
}

func checkHealth(ctx context.Context, r *Runner) Result {
	return r.expectStatus(ctx, http.MethodGet, "/health", "", http.StatusOK)
}

func checkMetrics(ctx context.Context, r *Runner) Result {
	return r.expectStatus(ctx, http.MethodGet, "/metrics", "", http.StatusOK)
}

func checkRESTAuth(ctx context.Context, r *Runner) Result {
	return r.expectStatus(ctx, http.MethodGet, "/api/orders/probe", "", http.StatusUnauthorized)
}

func (r *Runner) expectStatus(ctx context.Context, method, path, token string, want int) Result {
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, nil)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	_ = resp.Body.Close()
	res := Result{Latency: time.Since(start), Note: fmt.Sprintf("status=%d", resp.StatusCode)}
	if resp.StatusCode == want {
		res.Status = "PASS"
	} else {
		res.Status = "FAIL"
	}
	return res
}

func (r *Runner) wsURL() string {
	u := r.cfg.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func (r *Runner) token(userID string) (string, error) {
	return infra.SignJWT(r.cfg.JWTSecret, userID, r.cfg.Role, 10*time.Minute)
}

func checkWSRejected(ctx context.Context, r *Runner) Result {
	start := time.Now()
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, r.wsURL()+"?token=not-a-token", nil)
	if err == nil {
		_ = conn.Close()
		return Result{Status: "FAIL", Note: "upgrade accepted a bad token"}
	}
	if resp == nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		return Result{Status: "FAIL", Note: fmt.Sprintf("status=%d", resp.StatusCode)}
	}
	return Result{Status: "PASS", Latency: time.Since(start)}
}

// replies collects request replies off a session by request id.
type replies struct {
	mu sync.Mutex
	ch map[string]chan realtime.Reply
}

func newReplies() *replies { return &replies{ch: map[string]chan realtime.Reply{}} }

func (p *replies) wait(id string) chan realtime.Reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.ch[id]
	if !ok {
		c = make(chan realtime.Reply, 1)
		p.ch[id] = c
	}
	return c
}

func (p *replies) onFrame(raw []byte) {
	var rep realtime.Reply
	if err := json.Unmarshal(raw, &rep); err != nil || rep.RequestID == "" {
		return
	}
	if rep.Type != "ack" && rep.Type != "error" {
		return
	}
	select {
	case p.wait(rep.RequestID) <- rep:
	default:
	}
}

type sender interface {
	Send(ctx context.Context, kind string, data any) error
}

func (r *Runner) dial(ctx context.Context, userID string, p *replies) (reconnect.Session, error) {
	if r.cfg.JWTSecret == "" {
		return nil, errNoSecret
	}
	tok, err := r.token(userID)
	if err != nil {
		return nil, err
	}
	d := reconnect.WSDialer{URL: r.wsURL(), Token: tok, OnFrame: p.onFrame}
	return d.Dial(ctx)
}

var errNoSecret = errors.New("jwt secret not configured")

func awaitReply(ctx context.Context, c chan realtime.Reply) (realtime.Reply, error) {
	select {
	case rep := <-c:
		return rep, nil
	case <-time.After(5 * time.Second):
		return realtime.Reply{}, errors.New("no reply within 5s")
	case <-ctx.Done():
		return realtime.Reply{}, ctx.Err()
	}
}

func checkWSPing(ctx context.Context, r *Runner) Result {
	p := newReplies()
	start := time.Now()
	sess, err := r.dial(ctx, r.cfg.UserID, p)
	if errors.Is(err, errNoSecret) {
		return Result{Status: "SKIP", Note: err.Error()}
	}
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	defer sess.Close()

	wait := p.wait("1")
	if err := sess.(sender).Send(ctx, realtime.ReqPing, nil); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	rep, err := awaitReply(ctx, wait)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if !rep.OK() {
		return Result{Status: "FAIL", Note: rep.Code}
	}
	return Result{Status: "PASS", Latency: time.Since(start)}
}

func checkWSForeignOrder(ctx context.Context, r *Runner) Result {
	p := newReplies()
	sess, err := r.dial(ctx, r.cfg.UserID, p)
	if errors.Is(err, errNoSecret) {
		return Result{Status: "SKIP", Note: err.Error()}
	}
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	defer sess.Close()

	wait := p.wait("1")
	if err := sess.(sender).Send(ctx, realtime.ReqSubscribeOrderTracking, map[string]string{"orderId": "probe-does-not-exist"}); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	rep, err := awaitReply(ctx, wait)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if rep.Code != realtime.CodeNotAuthorized {
		return Result{Status: "FAIL", Note: fmt.Sprintf("code=%q", rep.Code)}
	}
	return Result{Status: "PASS"}
}

// checkReconnect opens a controller, subscribes its own user room, forces a
// drop and waits for the rejoin ack on the new session.
func checkReconnect(ctx context.Context, r *Runner) Result {
	if r.cfg.JWTSecret == "" {
		return Result{Status: "SKIP", Note: errNoSecret.Error()}
	}
	p := newReplies()
	var (
		mu       sync.Mutex
		sessions []reconnect.Session
	)
	dialer := reconnect.DialerFunc(func(ctx context.Context) (reconnect.Session, error) {
		s, err := r.dial(ctx, r.cfg.UserID, p)
		if err == nil {
			mu.Lock()
			sessions = append(sessions, s)
			mu.Unlock()
		}
		return s, err
	})
	opened := make(chan struct{}, 4)
	ctrl := reconnect.New(dialer, reconnect.Config{
		BaseDelay:   200 * time.Millisecond,
		MaxAttempts: 3,
		OnState: func(s reconnect.State) {
			if s == reconnect.StateOpen {
				opened <- struct{}{}
			}
		},
	})
	defer ctrl.Cancel()

	start := time.Now()
	if err := ctrl.Subscribe(ctx, "user:"+r.cfg.UserID); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if err := ctrl.Start(ctx); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-opened:
		case <-time.After(5 * time.Second):
			return Result{Status: "FAIL", Note: fmt.Sprintf("open #%d timed out, state=%s", i+1, ctrl.State())}
		}
		// Every session numbers requests from 1; the rejoin is its first.
		rep, err := awaitReply(ctx, p.wait("1"))
		if err != nil {
			return Result{Status: "FAIL", Note: err.Error()}
		}
		if !rep.OK() {
			return Result{Status: "FAIL", Note: "rejoin refused: " + rep.Code}
		}
		p.mu.Lock()
		delete(p.ch, "1")
		p.mu.Unlock()
		if i == 0 {
			mu.Lock()
			_ = sessions[0].Close()
			mu.Unlock()
		}
	}
	return Result{Status: "PASS", Latency: time.Since(start)}
}

func checkFanIn(ctx context.Context, r *Runner) Result {
	if r.cfg.JWTSecret == "" {
		return Result{Status: "SKIP", Note: errNoSecret.Error()}
	}
	start := time.Now()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
		last   error
	)
	for i := 0; i < r.cfg.Connections; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := newReplies()
			sess, err := r.dial(ctx, fmt.Sprintf("%s-%d", r.cfg.UserID, i), p)
			if err == nil {
				wait := p.wait("1")
				err = sess.(sender).Send(ctx, realtime.ReqPing, nil)
				if err == nil {
					_, err = awaitReply(ctx, wait)
				}
				_ = sess.Close()
			}
			if err != nil {
				mu.Lock()
				failed++
				last = err
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if failed > 0 {
		return Result{Status: "FAIL", Note: fmt.Sprintf("%d/%d failed, last: %v", failed, r.cfg.Connections, last)}
	}
	return Result{Status: "PASS", Latency: time.Since(start), Note: fmt.Sprintf("%d sockets", r.cfg.Connections)}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}
