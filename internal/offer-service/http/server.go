package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/radieske/lvnd-offer-ledger/internal/ledger"
	"github.com/radieske/lvnd-offer-ledger/internal/offer"
	"github.com/radieske/lvnd-offer-ledger/internal/offer-service/dto"
	"github.com/radieske/lvnd-offer-ledger/internal/payment"
	"github.com/radieske/lvnd-offer-ledger/internal/risk"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/bizerr"
)

// Offers define as operações de oferta usadas pelos handlers
type Offers interface {
	Create(ctx context.Context, req offer.CreateRequest) (offer.CreateResult, error)
	Get(ctx context.Context, id, actorID string) (offer.Offer, []offer.History, error)
	UserOffers(ctx context.Context, userID string, role offer.Role, state offer.State) ([]offer.Offer, error)
	Accept(ctx context.Context, id, actorID string) (offer.AcceptResult, error)
	Reject(ctx context.Context, id, actorID string) (offer.RefundResult, error)
	Cancel(ctx context.Context, id, actorID string) (offer.RefundResult, error)
	Counter(ctx context.Context, req offer.CounterRequest) (offer.CounterResult, error)
}

type Ledger interface {
	GetBalance(ctx context.Context, userID string) (ledger.Balance, error)
	Transactions(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error)
	Reconcile(ctx context.Context, userID string) (ledger.Reconciliation, error)
}

type Limits interface {
	GetLimits(ctx context.Context, userID string) (risk.Limits, error)
}

// Display formata valores em moeda base na moeda preferida do usuário
type Display interface {
	Format(ctx context.Context, baseAmount int64, userID string) string
}

type Payments interface {
	Handle(ctx context.Context, cb payment.Callback) (payment.Outcome, error)
}

type Deps struct {
	Offers   Offers
	Ledger   Ledger
	Limits   Limits
	Display  Display
	Payments Payments
}

type Options struct {
	AdminToken     string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server expõe a API pública de ofertas, saldo e o callback do PAYTR
type Server struct {
	log     *zap.Logger
	deps    Deps
	admin   []byte
	limiter *rateLimiter
}

func NewServer(log *zap.Logger, deps Deps, opts Options) *Server {
	return &Server{
		log:     log,
		deps:    deps,
		admin:   []byte(opts.AdminToken),
		limiter: newRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
	}
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(instrument)

	r.HandleFunc("/offers", s.user(s.limited(s.createOffer))).Methods(http.MethodPost)
	r.HandleFunc("/offers", s.user(s.listOffers)).Methods(http.MethodGet)
	r.HandleFunc("/offers/{id}", s.user(s.getOffer)).Methods(http.MethodGet)
	r.HandleFunc("/offers/{id}/accept", s.user(s.limited(s.acceptOffer))).Methods(http.MethodPost)
	r.HandleFunc("/offers/{id}/reject", s.user(s.limited(s.rejectOffer))).Methods(http.MethodPost)
	r.HandleFunc("/offers/{id}/counter", s.user(s.limited(s.counterOffer))).Methods(http.MethodPost)
	r.HandleFunc("/offers/{id}/cancel", s.user(s.limited(s.cancelOffer))).Methods(http.MethodPost)
	r.HandleFunc("/balance", s.user(s.getBalance)).Methods(http.MethodGet)
	r.HandleFunc("/transactions", s.user(s.listTransactions)).Methods(http.MethodGet)
	r.HandleFunc("/limits", s.user(s.getLimits)).Methods(http.MethodGet)

	r.HandleFunc("/payments/paytr/callback", s.paytrCallback).Methods(http.MethodPost)
	r.HandleFunc("/admin/ledger/{userId}/reconcile", s.adminOnly(s.reconcile)).Methods(http.MethodGet)
	return r
}

type ctxKey struct{}

// user exige o X-User-ID repassado pelo gateway
func (s *Server) user(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if id == "" {
			s.fail(w, r, bizerr.Unauthorized("missing X-User-ID"))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	}
}

func actor(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := actor(r)
		if key == "" {
			key = r.RemoteAddr
		}
		if !s.limiter.allow(key) {
			s.log.Warn("rate limit exceeded", zap.String("key", key), zap.String("path", r.URL.Path))
			s.fail(w, r, bizerr.New(bizerr.RateLimited, "too many requests", nil))
			return
		}
		next(w, r)
	}
}

func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := []byte(r.Header.Get("X-Admin-Token"))
		if len(s.admin) == 0 || subtle.ConstantTimeCompare(tok, s.admin) != 1 {
			s.fail(w, r, bizerr.Unauthorized("admin token required"))
			return
		}
		next(w, r)
	}
}

func (s *Server) createOffer(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, bizerr.Invalid("bad json"))
		return
	}
	me := actor(r)
	res, err := s.deps.Offers.Create(r.Context(), offer.CreateRequest{
		SenderID:       me,
		ReceiverID:     req.ReceiverID,
		Amount:         req.Amount,
		Stage:          offer.Stage(req.Stage),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	s.ok(w, status, res, s.display(r, res.Offer.Amount, me))
}

func (s *Server) listOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.deps.Offers.UserOffers(r.Context(), actor(r),
		offer.Role(q.Get("role")), offer.State(strings.ToUpper(q.Get("state"))))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []offer.Offer{}
	}
	var total int64
	for _, o := range list {
		total += o.Amount
	}
	s.ok(w, http.StatusOK, dto.OfferListResponse{Offers: list, Count: len(list), Total: total}, s.display(r, total, actor(r)))
}

func (s *Server) getOffer(w http.ResponseWriter, r *http.Request) {
	me := actor(r)
	o, hist, err := s.deps.Offers.Get(r.Context(), mux.Vars(r)["id"], me)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, dto.OfferDetailResponse{Offer: o, History: hist}, s.display(r, o.Amount, me))
}

func (s *Server) acceptOffer(w http.ResponseWriter, r *http.Request) {
	me := actor(r)
	res, err := s.deps.Offers.Accept(r.Context(), mux.Vars(r)["id"], me)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, res, s.display(r, res.Net, me))
}

func (s *Server) rejectOffer(w http.ResponseWriter, r *http.Request) {
	me := actor(r)
	res, err := s.deps.Offers.Reject(r.Context(), mux.Vars(r)["id"], me)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, res, s.display(r, res.Offer.Amount, me))
}

func (s *Server) cancelOffer(w http.ResponseWriter, r *http.Request) {
	me := actor(r)
	res, err := s.deps.Offers.Cancel(r.Context(), mux.Vars(r)["id"], me)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, res, s.display(r, res.Offer.Amount, me))
}

func (s *Server) counterOffer(w http.ResponseWriter, r *http.Request) {
	var req dto.CounterOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, bizerr.Invalid("bad json"))
		return
	}
	me := actor(r)
	res, err := s.deps.Offers.Counter(r.Context(), offer.CounterRequest{
		OfferID:        mux.Vars(r)["id"],
		ActorID:        me,
		Amount:         req.Amount,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if res.Outcome == offer.CounterRejected {
		// a contraproposta recusada ainda devolve o resultado etiquetado
		writeJSON(w, statusFor(res.Reason.Code), dto.Envelope{Data: res, Error: res.Reason})
		return
	}
	s.ok(w, http.StatusCreated, res, s.display(r, res.Offer.Amount, me))
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	me := actor(r)
	bal, err := s.deps.Ledger.GetBalance(r.Context(), me)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, bal, s.display(r, bal.Available, me))
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.fail(w, r, bizerr.Invalid("limit must be between 1 and 500"))
			return
		}
		limit = n
	}
	txs, err := s.deps.Ledger.Transactions(r.Context(), actor(r), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	var net int64
	for _, t := range txs {
		net += t.Amount
	}
	s.ok(w, http.StatusOK, dto.TransactionsResponse{Transactions: txs, Count: len(txs), Net: net}, s.display(r, net, actor(r)))
}

func (s *Server) getLimits(w http.ResponseWriter, r *http.Request) {
	me := actor(r)
	lim, err := s.deps.Limits.GetLimits(r.Context(), me)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, lim, s.display(r, lim.MaxAmount, me))
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Ledger.Reconcile(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !rec.Consistent {
		s.log.Error("ledger inconsistent",
			zap.String("userId", rec.UserID),
			zap.Int64("available", rec.Available),
			zap.Int64("ledgerSum", rec.LedgerSum))
	}
	s.ok(w, http.StatusOK, rec, "")
}

// paytrCallback responde em texto puro: o PAYTR só para de reenviar ao receber "OK"
func (s *Server) paytrCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	_, err := s.deps.Payments.Handle(r.Context(), payment.ParseCallback(r.PostForm))
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
	case bizerr.HasCode(err, bizerr.InvalidSignature):
		http.Error(w, "PAYTR notification failed: bad hash", http.StatusBadRequest)
	default:
		http.Error(w, "temporary failure", http.StatusServiceUnavailable)
	}
}

func (s *Server) display(r *http.Request, amount int64, userID string) string {
	if s.deps.Display == nil {
		return ""
	}
	return s.deps.Display.Format(r.Context(), amount, userID)
}

func (s *Server) ok(w http.ResponseWriter, status int, data any, display string) {
	writeJSON(w, status, dto.Envelope{OK: true, Data: data, DisplayAmount: display})
}

// fail converte erro em envelope; o que não for erro de negócio é falha de infraestrutura
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if e, ok := bizerr.As(err); ok {
		writeJSON(w, statusFor(e.Code), dto.Envelope{Error: e, Retryable: retryable(e.Code)})
		return
	}
	if errors.Is(err, offer.ErrCreateInFlight) {
		writeJSON(w, http.StatusConflict, dto.Envelope{
			Error:     bizerr.New("CreateInFlight", "offer creation in progress, retry with the same key", nil),
			Retryable: true,
		})
		return
	}
	s.log.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	writeJSON(w, http.StatusServiceUnavailable, dto.Envelope{
		Error:     bizerr.New("Unavailable", "temporary failure, retry later", nil),
		Retryable: true,
	})
}

func statusFor(code bizerr.Code) int {
	switch code {
	case bizerr.InvalidRequest:
		return http.StatusBadRequest
	case bizerr.NotAuthorized, bizerr.InvalidSignature:
		return http.StatusForbidden
	case bizerr.OfferNotFound:
		return http.StatusNotFound
	case bizerr.OfferNotPending, bizerr.IdempotencyMismatch:
		return http.StatusConflict
	case bizerr.RateLimited:
		return http.StatusTooManyRequests
	case bizerr.RateUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func retryable(code bizerr.Code) bool {
	return code == bizerr.RateUnavailable || code == bizerr.RateLimited
}

// writeJSON serializa e envia resposta JSON
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
