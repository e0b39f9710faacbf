package dto

// O ator vem sempre do header X-User-ID, nunca do corpo

type CreateOfferRequest struct {
	ReceiverID string `json:"receiverId"`
	Amount     int64  `json:"amount"` // unidades mínimas da moeda base
	Stage      string `json:"stage"`  // "first_contact" | "messaging" | "voice_call" | "video_call" | "meetup"
}

type CounterOfferRequest struct {
	Amount int64 `json:"amount"`
}
