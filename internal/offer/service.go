package offer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/radieske/lvnd-offer-ledger/internal/ledger"
	"github.com/radieske/lvnd-offer-ledger/internal/membership"
	"github.com/radieske/lvnd-offer-ledger/internal/priority"
	"github.com/radieske/lvnd-offer-ledger/internal/risk"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/bizerr"
	"github.com/radieske/lvnd-offer-ledger/pkg/contracts/events"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lvnd_offer_transitions_total",
		Help: "Offer state transitions by target state",
	}, []string{"to"})

	createRefused = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lvnd_offer_create_refused_total",
		Help: "Offer creations refused by business rule",
	}, []string{"code"})
)

// Ledger é o subconjunto do ledger.Service usado pelas ofertas
type Ledger interface {
	Credit(ctx context.Context, e ledger.Entry) (ledger.Result, error)
	Debit(ctx context.Context, e ledger.Entry) (ledger.Result, error)
	Lookup(ctx context.Context, key string) (ledger.Transaction, bool, error)
}

type Limits interface {
	CheckCreate(ctx context.Context, userID string, amount int64, stage risk.Stage) (risk.Assessment, error)
	GetLimits(ctx context.Context, userID string) (risk.Limits, error)
}

type Tiers interface {
	Resolve(ctx context.Context, userID string) (membership.Capabilities, error)
}

type Notifier interface {
	OfferReceived(ctx context.Context, e events.OfferReceived)
	OfferAccepted(ctx context.Context, e events.OfferAccepted)
	OfferRejected(ctx context.Context, e events.OfferRejected)
	OfferClosed(ctx context.Context, e events.OfferClosed)
}

// Prioritizer classifica a oferta recebida para a notificação do receptor
type Prioritizer interface {
	Analyze(ctx context.Context, offered, requested int64, tier membership.Tier) priority.Analysis
}

type Config struct {
	PlatformUserID  string
	FeeBps          int64 // taxa da plataforma em basis points (500 = 5%)
	CancelCooldown  time.Duration
	CounterMinRatio float64
	MaxCounters     int
	DefaultTTL      time.Duration
	// ofertas terminais sem liquidação há mais que isso são reprocessadas
	SettleGrace time.Duration
}

type Service struct {
	log    *zap.Logger
	repo   Repo
	ledger Ledger
	limits Limits
	tiers  Tiers
	notify Notifier
	prio   Prioritizer
	cfg    Config
	now    func() time.Time
	newID  func() string
}

func NewService(log *zap.Logger, repo Repo, l Ledger, limits Limits, tiers Tiers, n Notifier, cfg Config) *Service {
	if cfg.MaxCounters <= 0 {
		cfg.MaxCounters = 2
	}
	if cfg.CounterMinRatio <= 0 {
		cfg.CounterMinRatio = 1.25
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.SettleGrace <= 0 {
		cfg.SettleGrace = time.Minute
	}
	return &Service{
		log:    log,
		repo:   repo,
		ledger: l,
		limits: limits,
		tiers:  tiers,
		notify: n,
		prio:   priority.NewAnalyzer(log, nil),
		cfg:    cfg,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// WithPrioritizer troca o classificador padrão (ex: um com cache no Redis)
func (s *Service) WithPrioritizer(p Prioritizer) *Service {
	s.prio = p
	return s
}

func acceptKey(id string) string { return "offer:" + id + ":accept" }
func feeKey(id string) string    { return "offer:" + id + ":fee" }

// refundKey é compartilhada por recusa, cancelamento, expiração e compensação:
// o remetente nunca é reembolsado duas vezes pela mesma oferta
func refundKey(id string) string { return "offer:" + id + ":refund" }

func debitKey(id, senderID, clientKey string) string {
	if clientKey != "" {
		return "offer:create:" + senderID + ":" + clientKey
	}
	return "offer:" + id + ":debit"
}

type CreateRequest struct {
	SenderID       string `json:"-"`
	ReceiverID     string `json:"receiverId"`
	Amount         int64  `json:"amount"`
	Stage          Stage  `json:"stage"`
	IdempotencyKey string `json:"-"`
}

type CreateResult struct {
	Offer      Offer   `json:"offer"`
	Pressure   float64 `json:"pressure_index"`
	Replayed   bool    `json:"replayed"`
	SenderLeft int64   `json:"sender_available"`
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	return s.create(ctx, req, "", 0)
}

func (s *Service) create(ctx context.Context, req CreateRequest, parentID string, counterCount int) (CreateResult, error) {
	switch {
	case req.SenderID == "" || req.ReceiverID == "":
		return CreateResult{}, bizerr.Invalid("sender and receiver required")
	case req.SenderID == req.ReceiverID:
		return CreateResult{}, bizerr.Invalid("cannot send an offer to yourself")
	case req.Amount <= 0:
		return CreateResult{}, bizerr.Invalid("amount must be positive")
	}
	if req.Stage == "" {
		req.Stage = risk.StageFirstContact
	}
	if !req.Stage.Valid() {
		return CreateResult{}, bizerr.Invalid("unknown relationship stage")
	}

	if req.IdempotencyKey != "" {
		o, found, err := s.repo.FindByCreateKey(ctx, req.SenderID, req.IdempotencyKey)
		if err != nil {
			return CreateResult{}, err
		}
		if found {
			if o.ReceiverID != req.ReceiverID || o.Amount != req.Amount || o.ParentID != parentID || o.Stage != req.Stage {
				return CreateResult{}, bizerr.New(bizerr.IdempotencyMismatch, "idempotency key reused with a different payload",
					map[string]any{"idempotency_key": req.IdempotencyKey})
			}
			return CreateResult{Offer: o, Replayed: true}, nil
		}
	}

	assessment, err := s.limits.CheckCreate(ctx, req.SenderID, req.Amount, req.Stage)
	if err != nil {
		s.refused(err)
		return CreateResult{}, err
	}
	now := s.now()
	if err := s.checkDeclineCooldown(ctx, req, assessment.Limits, now); err != nil {
		s.refused(err)
		return CreateResult{}, err
	}

	id := s.newID()
	res, err := s.ledger.Debit(ctx, ledger.Entry{
		UserID:         req.SenderID,
		Amount:         req.Amount,
		Kind:           ledger.KindOfferSent,
		ReferenceID:    id,
		IdempotencyKey: debitKey(id, req.SenderID, req.IdempotencyKey),
		Hold:           &ledger.HoldChange{UserID: req.SenderID, Amount: req.Amount},
	})
	if err != nil {
		s.refused(err)
		return CreateResult{}, err
	}
	if res.Replayed {
		return s.createReplay(ctx, res)
	}

	ttl := assessment.Limits.Caps.EscrowHold
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	o := Offer{
		ID:           id,
		ParentID:     parentID,
		SenderID:     req.SenderID,
		ReceiverID:   req.ReceiverID,
		Amount:       req.Amount,
		State:        StatePending,
		Stage:        req.Stage,
		CounterCount: counterCount,
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
		UpdatedAt:    now,
		CreateKey:    req.IdempotencyKey,
	}
	err = s.repo.Insert(ctx, o, History{OfferID: id, ToState: StatePending, TriggeredBy: req.SenderID, Timestamp: now})
	if err != nil {
		s.compensateCreate(ctx, o, err)
		return CreateResult{}, fmt.Errorf("persist offer: %w", err)
	}

	transitionsTotal.WithLabelValues(string(StatePending)).Inc()
	if parentID == "" {
		// contraproposta só é anunciada depois de escalar a original
		s.announce(ctx, o, o.Amount)
	}
	s.log.Info("offer created",
		zap.String("offerId", id),
		zap.String("parentId", parentID),
		zap.String("senderId", req.SenderID),
		zap.String("receiverId", req.ReceiverID),
		zap.Int64("amount", req.Amount),
		zap.String("stage", string(req.Stage)),
		zap.Float64("pressure", assessment.Pressure))
	return CreateResult{Offer: o, Pressure: assessment.Pressure, SenderLeft: res.Balance.Available}, nil
}

func (s *Service) checkDeclineCooldown(ctx context.Context, req CreateRequest, limits risk.Limits, now time.Time) error {
	last, found, err := s.repo.LastRejection(ctx, req.SenderID, req.ReceiverID)
	if err != nil || !found {
		return err
	}
	until := last.Add(time.Duration(limits.CooldownHours * float64(time.Hour)))
	if now.Before(until) {
		return bizerr.Cooldown(until)
	}
	return nil
}

// createReplay resolve uma criação cujo débito já tinha sido aplicado
func (s *Service) createReplay(ctx context.Context, res ledger.Result) (CreateResult, error) {
	id := res.Transaction.ReferenceID
	o, err := s.repo.Get(ctx, id)
	if err == nil {
		return CreateResult{Offer: o, Replayed: true, SenderLeft: res.Balance.Available}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return CreateResult{}, err
	}
	_, refunded, err := s.ledger.Lookup(ctx, refundKey(id))
	if err != nil {
		return CreateResult{}, err
	}
	if refunded {
		return CreateResult{}, bizerr.New(bizerr.InvalidRequest, "offer creation was rolled back, retry with a new idempotency key",
			map[string]any{"offer_id": id})
	}
	return CreateResult{}, ErrCreateInFlight
}

// compensateCreate devolve o débito quando a oferta não pôde ser gravada.
// Só reembolsa se tiver certeza de que a linha não existe.
func (s *Service) compensateCreate(ctx context.Context, o Offer, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.repo.Get(ctx, o.ID); !errors.Is(err, ErrNotFound) {
		s.log.Error("offer persist failed with unknown outcome, debit kept",
			zap.String("offerId", o.ID), zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	_, err := s.ledger.Credit(ctx, ledger.Entry{
		UserID:         o.SenderID,
		Amount:         o.Amount,
		Kind:           ledger.KindRefund,
		ReferenceID:    o.ID,
		IdempotencyKey: refundKey(o.ID),
		Hold:           &ledger.HoldChange{UserID: o.SenderID, Amount: -o.Amount},
	})
	if err != nil {
		s.log.Error("offer create compensation failed",
			zap.String("offerId", o.ID), zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	s.log.Warn("offer create compensated", zap.String("offerId", o.ID), zap.NamedError("cause", cause))
}

func (s *Service) refused(err error) {
	if e, ok := bizerr.As(err); ok {
		createRefused.WithLabelValues(string(e.Code)).Inc()
	}
}

// load busca a oferta e aplica a expiração preguiçosa
func (s *Service) load(ctx context.Context, id string) (Offer, error) {
	o, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Offer{}, bizerr.NotFound(id)
	}
	if err != nil {
		return Offer{}, err
	}
	if s.due(o) {
		return s.expire(ctx, o, "system:lazy")
	}
	return o, nil
}

func (s *Service) due(o Offer) bool {
	return o.State.Open() && s.now().After(o.ExpiresAt)
}

// Get devolve a oferta para uma das partes
func (s *Service) Get(ctx context.Context, id, actorID string) (Offer, []History, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return Offer{}, nil, err
	}
	if actorID != o.SenderID && actorID != o.ReceiverID {
		return Offer{}, nil, bizerr.Unauthorized("not a party to this offer")
	}
	h, err := s.repo.History(ctx, id)
	if err != nil {
		return Offer{}, nil, err
	}
	return o, h, nil
}

func (s *Service) UserOffers(ctx context.Context, userID string, role Role, state State) ([]Offer, error) {
	if role != RoleAny && role != RoleSent && role != RoleReceived {
		return nil, bizerr.Invalid("role must be sent or received")
	}
	if state != "" && !state.Valid() {
		return nil, bizerr.Invalid("unknown offer state")
	}
	list, err := s.repo.List(ctx, userID, role, state, 100)
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, o := range list {
		if s.due(o) {
			if o, err = s.expire(ctx, o, "system:lazy"); err != nil {
				return nil, err
			}
			if state != "" && o.State != state {
				continue
			}
		}
		out = append(out, o)
	}
	return out, nil
}

// transition faz o compare-and-swap; concorrente que já levou ao mesmo destino conta como sucesso
func (s *Service) transition(ctx context.Context, o Offer, to State, by string) (Offer, bool, error) {
	updated, swapped, err := s.repo.Transition(ctx, o.ID, sourcesFor(to), to, by, s.now())
	if errors.Is(err, ErrNotFound) {
		return Offer{}, false, bizerr.NotFound(o.ID)
	}
	if err != nil {
		return Offer{}, false, err
	}
	if swapped {
		transitionsTotal.WithLabelValues(string(to)).Inc()
		s.log.Info("offer transition",
			zap.String("offerId", o.ID),
			zap.String("from", string(o.State)),
			zap.String("to", string(to)),
			zap.String("triggeredBy", by))
		return updated, true, nil
	}
	if updated.State == to {
		return updated, false, nil
	}
	return updated, false, bizerr.NotPending(o.ID, string(updated.State))
}

type AcceptResult struct {
	Offer    Offer         `json:"offer"`
	Fee      int64         `json:"fee"`
	Net      int64         `json:"net"`
	Receiver ledger.Result `json:"receiver"`
}

// Accept credita o receptor (valor menos taxa) e a taxa à conta da plataforma.
// Chamadas repetidas devolvem o mesmo resultado sem novo efeito.
func (s *Service) Accept(ctx context.Context, id, actorID string) (AcceptResult, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return AcceptResult{}, err
	}
	if actorID != o.ReceiverID {
		return AcceptResult{}, bizerr.Unauthorized("only the receiver can accept")
	}
	if o.State != StateAccepted {
		if !CanTransition(o.State, StateAccepted) {
			return AcceptResult{}, bizerr.NotPending(id, string(o.State))
		}
		if o, _, err = s.transition(ctx, o, StateAccepted, actorID); err != nil {
			return AcceptResult{}, err
		}
	}
	return s.settleAccept(ctx, o)
}

func (s *Service) settleAccept(ctx context.Context, o Offer) (AcceptResult, error) {
	fee, err := s.fee(ctx, o)
	if err != nil {
		return AcceptResult{}, err
	}
	net := o.Amount - fee
	res, err := s.ledger.Credit(ctx, ledger.Entry{
		UserID:         o.ReceiverID,
		Amount:         net,
		Kind:           ledger.KindOfferAccepted,
		ReferenceID:    o.ID,
		IdempotencyKey: acceptKey(o.ID),
		Hold:           &ledger.HoldChange{UserID: o.SenderID, Amount: -o.Amount},
	})
	if err != nil {
		return AcceptResult{}, err
	}
	if fee > 0 {
		_, err = s.ledger.Credit(ctx, ledger.Entry{
			UserID:         s.cfg.PlatformUserID,
			Amount:         fee,
			Kind:           ledger.KindFee,
			ReferenceID:    o.ID,
			IdempotencyKey: feeKey(o.ID),
		})
		if err != nil {
			return AcceptResult{}, err
		}
	}
	o = s.markSettled(ctx, o)
	if !res.Replayed && s.notify != nil {
		s.notify.OfferAccepted(ctx, events.OfferAccepted{
			OfferID: o.ID, SenderID: o.SenderID, ReceiverID: o.ReceiverID,
			AmountBase: o.Amount, FeeBase: fee, NetBase: net, Ts: s.now(),
		})
	}
	return AcceptResult{Offer: o, Fee: fee, Net: net, Receiver: res}, nil
}

// fee usa o valor já gravado quando o aceite foi aplicado antes, senão calcula
// 5% menos o desconto do plano do receptor, arredondado para baixo
func (s *Service) fee(ctx context.Context, o Offer) (int64, error) {
	if tx, found, err := s.ledger.Lookup(ctx, acceptKey(o.ID)); err != nil {
		return 0, err
	} else if found {
		return o.Amount - tx.Amount, nil
	}
	caps, err := s.tiers.Resolve(ctx, o.ReceiverID)
	if err != nil {
		return 0, err
	}
	bps := s.cfg.FeeBps * (10000 - caps.FeeDiscountBps) / 10000
	return o.Amount * bps / 10000, nil
}

func (s *Service) markSettled(ctx context.Context, o Offer) Offer {
	if o.SettledAt != nil {
		return o
	}
	at := s.now()
	if err := s.repo.MarkSettled(ctx, o.ID, at); err != nil {
		// o ledger já está correto; SettlePending tenta de novo
		s.log.Warn("mark offer settled failed", zap.String("offerId", o.ID), zap.Error(err))
		return o
	}
	o.SettledAt = &at
	return o
}

type RefundResult struct {
	Offer  Offer         `json:"offer"`
	Refund ledger.Result `json:"refund"`
}

// Reject devolve o valor integral ao remetente
func (s *Service) Reject(ctx context.Context, id, actorID string) (RefundResult, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return RefundResult{}, err
	}
	if actorID != o.ReceiverID {
		return RefundResult{}, bizerr.Unauthorized("only the receiver can reject")
	}
	if o.State != StateRejected {
		if !CanTransition(o.State, StateRejected) {
			return RefundResult{}, bizerr.NotPending(id, string(o.State))
		}
		if o, _, err = s.transition(ctx, o, StateRejected, actorID); err != nil {
			return RefundResult{}, err
		}
	}
	return s.settleRefund(ctx, o)
}

// Cancel: só o remetente, só PENDING, só depois do cooldown desde a criação
func (s *Service) Cancel(ctx context.Context, id, actorID string) (RefundResult, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return RefundResult{}, err
	}
	if actorID != o.SenderID {
		return RefundResult{}, bizerr.Unauthorized("only the sender can cancel")
	}
	if o.State != StateCancelled {
		if o.State != StatePending {
			return RefundResult{}, bizerr.NotPending(id, string(o.State))
		}
		if until := o.CreatedAt.Add(s.cfg.CancelCooldown); s.now().Before(until) {
			return RefundResult{}, bizerr.Cooldown(until)
		}
		if o, _, err = s.transition(ctx, o, StateCancelled, actorID); err != nil {
			return RefundResult{}, err
		}
	}
	return s.settleRefund(ctx, o)
}

var refundKinds = map[State]ledger.Kind{
	StateRejected:  ledger.KindOfferRejectedRefund,
	StateCancelled: ledger.KindOfferCancelledRefund,
	StateExpired:   ledger.KindOfferExpiredRefund,
}

func (s *Service) settleRefund(ctx context.Context, o Offer) (RefundResult, error) {
	kind, ok := refundKinds[o.State]
	if !ok {
		return RefundResult{}, fmt.Errorf("offer %s in state %s has no refund", o.ID, o.State)
	}
	res, err := s.ledger.Credit(ctx, ledger.Entry{
		UserID:         o.SenderID,
		Amount:         o.Amount,
		Kind:           kind,
		ReferenceID:    o.ID,
		IdempotencyKey: refundKey(o.ID),
		Hold:           &ledger.HoldChange{UserID: o.SenderID, Amount: -o.Amount},
	})
	if bizerr.HasCode(err, bizerr.IdempotencyMismatch) {
		// reembolso já aplicado por outro caminho (compensação de criação)
		s.log.Warn("offer refund already applied with another kind", zap.String("offerId", o.ID))
		return RefundResult{Offer: s.markSettled(ctx, o)}, nil
	}
	if err != nil {
		return RefundResult{}, err
	}
	o = s.markSettled(ctx, o)
	if !res.Replayed && s.notify != nil {
		if o.State == StateRejected {
			s.notify.OfferRejected(ctx, events.OfferRejected{
				OfferID: o.ID, SenderID: o.SenderID, ReceiverID: o.ReceiverID, AmountBase: o.Amount, Ts: s.now(),
			})
		} else {
			s.notify.OfferClosed(ctx, events.OfferClosed{
				OfferID: o.ID, SenderID: o.SenderID, ReceiverID: o.ReceiverID,
				State: string(o.State), AmountBase: o.Amount, Ts: s.now(),
			})
		}
	}
	return RefundResult{Offer: o, Refund: res}, nil
}

// Expire expira a oferta se já venceu; caso contrário devolve como está
func (s *Service) Expire(ctx context.Context, id string) (Offer, error) {
	o, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Offer{}, bizerr.NotFound(id)
	}
	if err != nil {
		return Offer{}, err
	}
	if o.State == StateExpired && o.SettledAt == nil {
		r, err := s.settleRefund(ctx, o)
		return r.Offer, err
	}
	if !s.due(o) {
		return o, nil
	}
	return s.expire(ctx, o, "system:expiry")
}

func (s *Service) expire(ctx context.Context, o Offer, by string) (Offer, error) {
	updated, _, err := s.transition(ctx, o, StateExpired, by)
	if bizerr.HasCode(err, bizerr.OfferNotPending) {
		// outra transição venceu a corrida
		return updated, nil
	}
	if err != nil {
		return Offer{}, err
	}
	r, err := s.settleRefund(ctx, updated)
	if err != nil {
		return Offer{}, err
	}
	return r.Offer, nil
}

// ExpireDue expira um lote de ofertas vencidas; usado pela varredura periódica
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	due, err := s.repo.DueForExpiry(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		updated, err := s.expire(ctx, o, "system:sweep")
		if err != nil {
			s.log.Error("expire offer failed", zap.String("offerId", o.ID), zap.Error(err))
			continue
		}
		if updated.State == StateExpired {
			n++
		}
	}
	return n, nil
}

// SettlePending reaplica o lado do ledger de ofertas terminais que não
// concluíram a liquidação. Seguro repetir: as chaves de idempotência garantem
// efeito único.
func (s *Service) SettlePending(ctx context.Context, limit int) (int, error) {
	list, err := s.repo.Unsettled(ctx, s.now().Add(-s.cfg.SettleGrace), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range list {
		var err error
		if o.State == StateAccepted {
			_, err = s.settleAccept(ctx, o)
		} else {
			_, err = s.settleRefund(ctx, o)
		}
		if err != nil {
			s.log.Error("settle offer failed", zap.String("offerId", o.ID), zap.String("state", string(o.State)), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

type CounterOutcome string

const (
	CounterNewOfferCreated CounterOutcome = "new_offer_created"
	CounterRejected        CounterOutcome = "rejected"
)

// CounterResult é o resultado etiquetado de uma contraproposta. Em Rejected,
// Reason traz o motivo de negócio; erros de infraestrutura vêm separados.
type CounterResult struct {
	Outcome  CounterOutcome `json:"outcome"`
	Original Offer          `json:"original"`
	Offer    *Offer         `json:"offer,omitempty"`
	Reason   *bizerr.Error  `json:"reason,omitempty"`
}

type CounterRequest struct {
	OfferID        string `json:"-"`
	ActorID        string `json:"-"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"-"`
}

// Counter escala a oferta original e cria uma nova, do proponente para a outra
// parte, com valor >= 1.25x o valor contraposto
func (s *Service) Counter(ctx context.Context, req CounterRequest) (CounterResult, error) {
	res, err := s.counter(ctx, req)
	if e, ok := bizerr.As(err); ok {
		res.Outcome = CounterRejected
		res.Reason = e
		return res, nil
	}
	return res, err
}

func (s *Service) counter(ctx context.Context, req CounterRequest) (CounterResult, error) {
	if req.IdempotencyKey != "" {
		child, found, err := s.repo.FindByCreateKey(ctx, req.ActorID, req.IdempotencyKey)
		if err != nil {
			return CounterResult{}, err
		}
		if found && child.ParentID != req.OfferID {
			return CounterResult{}, bizerr.New(bizerr.IdempotencyMismatch, "idempotency key already used for another offer",
				map[string]any{"idempotency_key": req.IdempotencyKey, "offer_id": child.ParentID})
		}
		if found {
			parent, err := s.repo.Get(ctx, req.OfferID)
			if err != nil {
				return CounterResult{}, err
			}
			return CounterResult{Outcome: CounterNewOfferCreated, Original: parent, Offer: &child}, nil
		}
	}

	o, err := s.load(ctx, req.OfferID)
	if err != nil {
		return CounterResult{}, err
	}
	res := CounterResult{Original: o}
	var other string
	switch req.ActorID {
	case o.SenderID:
		other = o.ReceiverID
	case o.ReceiverID:
		other = o.SenderID
	default:
		return res, bizerr.Unauthorized("not a party to this offer")
	}
	if o.State != StatePending {
		return res, bizerr.NotPending(o.ID, string(o.State))
	}
	if o.CounterCount >= s.cfg.MaxCounters {
		return res, bizerr.CounterLimit(s.cfg.MaxCounters)
	}
	if minimum := s.minCounter(o.Amount); req.Amount < minimum {
		return res, bizerr.CounterLow(req.Amount, minimum)
	}
	limits, err := s.limits.GetLimits(ctx, req.ActorID)
	if err != nil {
		return res, err
	}
	if !limits.CanCounter {
		return res, bizerr.New(bizerr.CounterNotAllowed, "counter offers require a paid tier and low risk score", nil)
	}

	created, err := s.create(ctx, CreateRequest{
		SenderID:       req.ActorID,
		ReceiverID:     other,
		Amount:         req.Amount,
		Stage:          o.Stage,
		IdempotencyKey: req.IdempotencyKey,
	}, o.ID, o.CounterCount+1)
	if err != nil {
		return res, err
	}
	child := created.Offer

	escalated, _, err := s.transition(ctx, o, StateEscalated, req.ActorID)
	if err != nil {
		// a original mudou no meio do caminho: desfaz a nova oferta
		s.abortCounter(ctx, child)
		return CounterResult{Original: escalated}, err
	}
	if !created.Replayed {
		s.announce(ctx, child, o.Amount)
	}
	return CounterResult{Outcome: CounterNewOfferCreated, Original: escalated, Offer: &child}, nil
}

// announce avisa o receptor com a prioridade da oferta; requested é o valor
// de referência (o da própria oferta, ou o contraposto numa contraproposta)
func (s *Service) announce(ctx context.Context, o Offer, requested int64) {
	if s.notify == nil {
		return
	}
	tier := membership.TierFree
	if caps, err := s.tiers.Resolve(ctx, o.SenderID); err != nil {
		s.log.Warn("sender tier lookup failed", zap.String("offerId", o.ID), zap.Error(err))
	} else {
		tier = caps.Tier
	}
	a := s.prio.Analyze(ctx, o.Amount, requested, tier)
	s.notify.OfferReceived(ctx, events.OfferReceived{
		OfferID:        o.ID,
		ParentID:       o.ParentID,
		SenderID:       o.SenderID,
		ReceiverID:     o.ReceiverID,
		AmountBase:     o.Amount,
		RequestedBase:  requested,
		SenderTier:     string(a.SenderTier),
		Priority:       string(a.Priority),
		Score:          a.Score,
		ValueRatio:     a.ValueRatio,
		Sound:          a.Sound,
		Recommendation: a.Recommendation,
		Irresistible:   a.Irresistible,
		Ts:             s.now(),
	})
}

// minCounter = ceil(amount × CounterMinRatio), em aritmética inteira
func (s *Service) minCounter(amount int64) int64 {
	pct := int64(math.Round(s.cfg.CounterMinRatio * 100))
	return (amount*pct + 99) / 100
}

func (s *Service) abortCounter(ctx context.Context, child Offer) {
	ctx = context.WithoutCancel(ctx)
	o, swapped, err := s.transition(ctx, child, StateCancelled, "system:counter_aborted")
	if err != nil || !swapped {
		s.log.Error("abort counter offer failed", zap.String("offerId", child.ID), zap.Error(err))
		return
	}
	if _, err := s.settleRefund(ctx, o); err != nil {
		s.log.Error("refund aborted counter offer failed", zap.String("offerId", child.ID), zap.Error(err))
	}
}
