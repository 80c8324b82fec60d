package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"OpenAudit/internal/audit"
	"OpenAudit/internal/evidence"
	"OpenAudit/internal/state"
)

// StateSource 提供批处理进度快照，state.Store 实现了该接口。
type StateSource interface {
	Snapshot() state.BatchState
}

// Server 暴露只读的批处理状态接口。
type Server struct {
	addr     string
	state    StateSource
	evidence evidence.Store
	metrics  http.Handler
}

// Option 定义可选配置。
type Option func(*Server)

// WithEvidence 允许查询主体的最新证据。
func WithEvidence(store evidence.Store) Option {
	return func(s *Server) {
		s.evidence = store
	}
}

// WithMetrics 挂载 /metrics 处理器。
func WithMetrics(handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = handler
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, source StateSource, opts ...Option) *Server {
	s := &Server{addr: addr, state: source}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回路由后的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/subjects/{id}", s.handleSubject)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s.addr == "" {
		return errors.New("api address is empty")
	}
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type statusResponse struct {
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Pending     int       `json:"pending"`
	StartedAt   time.Time `json:"startedAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.state == nil {
		http.Error(w, "状态存储未初始化", http.StatusServiceUnavailable)
		return
	}
	snap := s.state.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Completed:   len(snap.Completed),
		Failed:      len(snap.Failed),
		Pending:     len(snap.Pending),
		StartedAt:   snap.StartedAt,
		LastUpdated: snap.LastUpdated,
	})
}

type subjectResponse struct {
	ID        string                 `json:"id"`
	Status    string                 `json:"status"`
	Completed *state.Completed       `json:"completed,omitempty"`
	Failed    *state.Failed          `json:"failed,omitempty"`
	Evidence  []audit.EvidenceRecord `json:"evidence,omitempty"`
}

// handleSubject 返回主体在本批次中的结果以及最新证据。
func (s *Server) handleSubject(w http.ResponseWriter, r *http.Request) {
	if s.state == nil {
		http.Error(w, "状态存储未初始化", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	snap := s.state.Snapshot()
	resp := subjectResponse{ID: id, Status: "unknown"}
	for i := range snap.Completed {
		if snap.Completed[i].ID == id {
			resp.Status = "completed"
			resp.Completed = &snap.Completed[i]
		}
	}
	for i := range snap.Failed {
		if snap.Failed[i].ID == id {
			resp.Status = "failed"
			resp.Failed = &snap.Failed[i]
		}
	}
	for _, p := range snap.Pending {
		if p == id && resp.Status == "unknown" {
			resp.Status = "pending"
		}
	}

	if s.evidence != nil {
		records, err := s.evidence.Latest(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Evidence = records
	}
	if resp.Status == "unknown" && len(resp.Evidence) == 0 {
		http.Error(w, "主体不存在", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
