package events

import "time"

// Evento emitido quando o receptor aceita uma oferta.
// Valores sempre na moeda base (unidades mínimas).
type OfferAccepted struct {
	OfferID    string    `json:"offerId"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	AmountBase int64     `json:"amount_base"`
	FeeBase    int64     `json:"fee_base"`
	NetBase    int64     `json:"net_base"`
	Ts         time.Time `json:"ts"`
}

// Evento emitido quando o receptor recusa uma oferta e o remetente é reembolsado.
type OfferRejected struct {
	OfferID    string    `json:"offerId"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	AmountBase int64     `json:"amount_base"`
	Ts         time.Time `json:"ts"`
}

// Evento emitido quando uma oferta é cancelada pelo remetente ou expira.
type OfferClosed struct {
	OfferID    string    `json:"offerId"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	State      string    `json:"state"` // "CANCELLED" | "EXPIRED"
	AmountBase int64     `json:"amount_base"`
	Ts         time.Time `json:"ts"`
}

// Evento emitido quando uma oferta chega ao receptor (nova ou contraproposta).
// Priority segue o plano do remetente e quanto a oferta supera o valor pedido;
// numa contraproposta o pedido é o valor da oferta contraposta.
type OfferReceived struct {
	OfferID        string    `json:"offerId"`
	ParentID       string    `json:"parentId,omitempty"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	AmountBase     int64     `json:"amount_base"`
	RequestedBase  int64     `json:"requested_base"`
	SenderTier     string    `json:"senderTier"`
	Priority       string    `json:"priority"` // "low" | "normal" | "high" | "critical"
	Score          float64   `json:"offerScore"`
	ValueRatio     float64   `json:"valueRatio"`
	Sound          string    `json:"notificationSound"`
	Recommendation string    `json:"recommendation"`
	Irresistible   bool      `json:"isIrresistible"`
	Ts             time.Time `json:"ts"`
}
