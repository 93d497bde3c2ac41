// Package httpapi exposes the demo backend: REST handlers for auth and
// products, and the WebSocket event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/and161185/gophsync/internal/convert"
	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/metrics"
	"github.com/and161185/gophsync/internal/service"
)

const maxBody = 1 << 20

// Server wires services into HTTP handlers.
type Server struct {
	auth     service.AuthService
	products service.ProductService
	hub      *Hub
	log      *zap.Logger
	metrics  *metrics.Server
	gatherer http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics records requests in m and serves h on /metrics.
func WithMetrics(m *metrics.Server, h http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = h
	}
}

// New constructs the server with injected services. hub receives product events
// through the product service and serves /ws.
func New(auth service.AuthService, products service.ProductService, hub *Hub, opts ...Option) *Server {
	s := &Server{auth: auth, products: products, hub: hub, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, Recover(s.log), Logging(s.log, s.metrics))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", s.gatherer)
	}

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", s.register)
		r.Post("/login", s.login)
	})

	r.Route("/api/product", func(r chi.Router) {
		r.Use(RequireAuth(s.auth, false))
		r.Get("/", s.listProducts)
		r.Post("/", s.createProduct)
		r.Get("/{id}", s.getProduct)
		r.Put("/{id}", s.updateProduct)
		r.Delete("/{id}", s.deleteProduct)
	})

	if s.hub != nil {
		r.With(RequireAuth(s.auth, true)).Get("/ws", s.hub.ServeHTTP)
	}
	return r
}

// --- Auth ---

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := decodeJSON(r, &c); err != nil || c.Username == "" || c.Password == "" {
		writeMessage(w, http.StatusBadRequest, "Username and password required")
		return
	}
	if err := s.auth.Register(r.Context(), c.Username, c.Password); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			writeMessage(w, http.StatusConflict, "User already exists")
			return
		}
		s.fail(w, r, "register", err)
		return
	}
	writeMessage(w, http.StatusCreated, "User created successfully")
}

func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := decodeJSON(r, &c); err != nil || c.Username == "" || c.Password == "" {
		writeMessage(w, http.StatusBadRequest, "Username and password required")
		return
	}
	tok, err := s.auth.LoginWithIP(r.Context(), c.Username, c.Password, remoteIP(r))
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrUnauthorized):
			writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
		case errors.Is(err, errs.ErrRateLimited):
			writeMessage(w, http.StatusTooManyRequests, "Too many failed attempts")
		default:
			s.fail(w, r, "login", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok.AccessToken})
}

// --- Products ---

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	list, err := s.products.List(r.Context())
	if err != nil {
		s.fail(w, r, "list products", err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToWireRecords(list))
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.products.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "get product", err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToWireRecord(p))
}

func (s *Server) createProduct(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Unreadable body")
		return
	}
	in, err := convert.DecodeRecordInput(body)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.products.Create(r.Context(), in)
	if err != nil {
		s.fail(w, r, "create product", err)
		return
	}
	writeJSON(w, http.StatusCreated, convert.ToWireRecord(p))
}

func (s *Server) updateProduct(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Unreadable body")
		return
	}
	in, err := convert.DecodeRecordInput(body)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.products.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, "update product", err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToWireRecord(p))
}

func (s *Server) deleteProduct(w http.ResponseWriter, r *http.Request) {
	if _, err := s.products.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, "delete product", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps service errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "Product not found")
	case errors.Is(err, errs.ErrInvalidArgument):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrAlreadyExists), errors.Is(err, errs.ErrConflict):
		writeMessage(w, http.StatusConflict, "Conflict")
	case errors.Is(err, errs.ErrUnauthorized):
		writeMessage(w, http.StatusUnauthorized, "Invalid token")
	case errors.Is(err, errs.ErrRateLimited):
		writeMessage(w, http.StatusTooManyRequests, "Too many requests")
	default:
		s.log.Error(op, zap.String("path", r.URL.Path), zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "Server error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
