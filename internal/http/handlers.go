package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/quickrun-notify/internal/dispatch"
	"github.com/example/quickrun-notify/internal/fanout"
	"github.com/example/quickrun-notify/internal/firebaseapp"
	"github.com/example/quickrun-notify/internal/logging"
	"github.com/example/quickrun-notify/internal/models"
	"github.com/example/quickrun-notify/internal/otp"
	"github.com/example/quickrun-notify/internal/payments"
	"github.com/example/quickrun-notify/internal/subscription"
)

const (
	maxBodyBytes  = 1 << 20
	fanoutTimeout = 60 * time.Second
)

// WebhookHandler applies one signed payment webhook.
type WebhookHandler interface {
	OnWebhook(ctx context.Context, rawBody []byte, signature string) (subscription.Outcome, error)
}

// OrderPublisher hands order-created events to the consumer pipeline.
type OrderPublisher interface {
	PublishOrderCreated(ctx context.Context, ev models.OrderCreated) error
}

// Fanout notifies drivers and sellers about a new order.
type Fanout interface {
	OnOrderCreated(ctx context.Context, ev models.OrderCreated) []fanout.Result
}

// Deps are the services behind the routes. Webhooks and OTP are required;
// Tokens, Publisher and Fanout may be nil.
type Deps struct {
	Webhooks  WebhookHandler
	OTP       *otp.Service
	Tokens    firebaseapp.TokenVerifier
	Publisher OrderPublisher
	Fanout    Fanout
	WS        *dispatch.WSRegistry
	// InternalToken, when set, must accompany every /internal request.
	InternalToken string
	Logger        *slog.Logger
	// Go runs background work. Defaults to a new goroutine.
	Go func(fn func())
}

type Server struct {
	deps   Deps
	mux    *mux.Router
	logger *slog.Logger
}

func NewServer(deps Deps) *Server {
	if deps.Go == nil {
		deps.Go = func(fn func()) { go fn() }
	}
	s := &Server{deps: deps, mux: mux.NewRouter(), logger: logging.Component(deps.Logger, "http")}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/webhooks/razorpay", s.handleRazorpayWebhook).Methods(http.MethodPost)

	callable := s.mux.PathPrefix("/callable").Subrouter()
	callable.Use(s.callableAuthMiddleware)
	callable.HandleFunc("/sendOtp", s.handleSendOTP).Methods(http.MethodPost)
	callable.HandleFunc("/verifyOtp", s.handleVerifyOTP).Methods(http.MethodPost)

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.internalAuthMiddleware)
	internal.HandleFunc("/orders/created", s.handleOrderCreated).Methods(http.MethodPost)
	if s.deps.WS != nil {
		internal.HandleFunc("/push", s.handlePushRelay).Methods(http.MethodPost)
	}

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.deps.WS != nil {
		s.mux.HandleFunc("/ws/{token}", s.handleWS)
	}
	s.mux.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRazorpayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	outcome, err := s.deps.Webhooks.OnWebhook(r.Context(), body, r.Header.Get(payments.SignatureHeader))
	switch {
	case errors.Is(err, subscription.ErrInvalidSignature):
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
	case errors.Is(err, subscription.ErrMalformedPayload):
		http.Error(w, "Invalid payload", http.StatusBadRequest)
	case err != nil:
		s.logger.Error("webhook failed", "error", err, "request_id", requestIDFromContext(r.Context()))
		http.Error(w, "Error", http.StatusInternalServerError)
	default:
		s.logger.Debug("webhook handled", "outcome", string(outcome))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

type callableRequest struct {
	Data json.RawMessage `json:"data"`
}

type callableError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type otpArgs struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	args, ok := s.callable(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": s.deps.OTP.Send(r.Context(), args.Phone)})
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	args, ok := s.callable(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": s.deps.OTP.Verify(r.Context(), args.Phone, args.Code)})
}

// callable decodes the {"data": ...} envelope.
func (s *Server) callable(w http.ResponseWriter, r *http.Request) (otpArgs, bool) {
	var args otpArgs
	var req callableRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": callableError{Status: "INVALID_ARGUMENT", Message: "Bad Request"},
		})
		return args, false
	}
	if len(req.Data) > 0 && string(req.Data) != "null" {
		if err := json.Unmarshal(req.Data, &args); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": callableError{Status: "INVALID_ARGUMENT", Message: "Bad Request"},
			})
			return args, false
		}
	}
	return args, true
}

func (s *Server) handleOrderCreated(w http.ResponseWriter, r *http.Request) {
	var ev models.OrderCreated
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ev.OrderID = strings.TrimSpace(ev.OrderID)
	if ev.OrderID == "" {
		http.Error(w, "orderId is required", http.StatusBadRequest)
		return
	}

	switch {
	case s.deps.Publisher != nil:
		if err := s.deps.Publisher.PublishOrderCreated(r.Context(), ev); err != nil {
			s.logger.Error("publish order event failed", "order_id", ev.OrderID, "error", err)
			http.Error(w, "order pipeline unavailable", http.StatusServiceUnavailable)
			return
		}
	case s.deps.Fanout != nil:
		ctx := context.WithoutCancel(r.Context())
		s.deps.Go(func() {
			ctx, cancel := context.WithTimeout(ctx, fanoutTimeout)
			defer cancel()
			s.deps.Fanout.OnOrderCreated(ctx, ev)
		})
	default:
		http.Error(w, "order pipeline not configured", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handlePushRelay delivers to agent sessions held by this process on behalf
// of a fan-out running elsewhere, and reports which tokens took the message.
func (s *Server) handlePushRelay(w http.ResponseWriter, r *http.Request) {
	var req dispatch.RelayRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if len(req.Tokens) > dispatch.MaxMulticastTokens {
		http.Error(w, "too many tokens", http.StatusBadRequest)
		return
	}
	res, _ := s.deps.WS.SendMulticast(r.Context(), req.Tokens, req.Data)
	failed := make(map[string]bool, len(res.Failures))
	for _, f := range res.Failures {
		failed[f.Token] = true
	}
	out := dispatch.RelayResponse{Delivered: []string{}}
	for _, t := range req.Tokens {
		if !failed[t] {
			out.Delivered = append(out.Delivered, t)
		}
	}
	s.logger.Debug("push relayed", "tokens", len(req.Tokens), "delivered", len(out.Delivered))
	writeJSON(w, http.StatusOK, out)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	s.deps.WS.Serve(token, conn)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
