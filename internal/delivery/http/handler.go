package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/usecase"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type RegisterRequest struct {
	AccountID    string `json:"account_id"`
	ReferralCode string `json:"referral_code"`
}

type UpdateProfileRequest struct {
	FavoriteProducts *[]string `json:"favorite_products"`
	Score            *float64  `json:"score"`
}

type EarnRequest struct {
	Points      int64  `json:"points"`
	OrderRef    string `json:"order_ref"`
	Description string `json:"description"`
}

type PurchaseRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	OrderRef string          `json:"order_ref"`
	Products []string        `json:"products"`
}

type RedeemRequest struct {
	RewardID string `json:"reward_id"`
}

type UseCouponRequest struct {
	OrderAmount decimal.Decimal `json:"order_amount"`
}

type AdjustRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

// Handler serves the loyalty API. Writes that must stay ordered per account
// (register, purchase, redeem) go through the gateway; the rest call the
// service directly.
type Handler struct {
	gateway     usecase.LoyaltyGateway
	service     *usecase.LoyaltyService
	adminSecret []byte
	logger      *slog.Logger
}

func NewHandler(gateway usecase.LoyaltyGateway, service *usecase.LoyaltyService, adminSecret []byte, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		gateway:     gateway,
		service:     service,
		adminSecret: adminSecret,
		logger:      logger,
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.Register)
			r.Get("/{id}", h.GetProfile)
			r.Patch("/{id}", h.UpdateProfile)
			r.Post("/{id}/earn", h.Earn)
			r.Post("/{id}/purchases", h.Purchase)
			r.Post("/{id}/redemptions", h.Redeem)
			r.Post("/{id}/tier-check", h.CheckTier)
			r.Get("/{id}/score", h.Score)
			r.Get("/{id}/transactions", h.Transactions)
			r.Get("/{id}/rewards", h.Rewards)
			r.Get("/{id}/coupons", h.Coupons)
		})

		r.Post("/coupons/{code}/use", h.UseCoupon)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin(h.adminSecret))
			r.Post("/accounts/{id}/adjust", h.Adjust)
			r.Post("/expiry/sweep", h.SweepExpired)
		})
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.gateway.Register(r.Context(), usecase.RegisterInput{
		AccountID:    req.AccountID,
		ReferralCode: req.ReferralCode,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, account)
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.service.Profile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req UpdateProfileRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.service.UpdateProfile(r.Context(), chi.URLParam(r, "id"), domain.AccountPatch{
		FavoriteProducts: req.FavoriteProducts,
		Score:            req.Score,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.Earn(r.Context(), usecase.EarnInput{
		AccountID:   chi.URLParam(r, "id"),
		Points:      req.Points,
		OrderRef:    req.OrderRef,
		Description: req.Description,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.gateway.EarnFromPurchase(r.Context(), usecase.PurchaseInput{
		AccountID: chi.URLParam(r, "id"),
		Amount:    req.Amount,
		OrderRef:  req.OrderRef,
		Products:  req.Products,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RewardID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "reward_id is required")
		return
	}

	res, err := h.gateway.Redeem(r.Context(), chi.URLParam(r, "id"), req.RewardID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) CheckTier(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.CheckTierUpgrade(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.ComputeScore(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", defaultPageSize)
	if !ok {
		return
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	page, err := h.service.Transactions(r.Context(), chi.URLParam(r, "id"), offset, limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) Rewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.service.Rewards(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rewards)
}

func (h *Handler) Coupons(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.service.Coupons(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if coupons == nil {
		coupons = []domain.Coupon{}
	}
	writeJSON(w, http.StatusOK, coupons)
}

func (h *Handler) UseCoupon(w http.ResponseWriter, r *http.Request) {
	var req UseCouponRequest
	if !h.decode(w, r, &req) {
		return
	}

	coupon, err := h.service.UseCoupon(r.Context(), chi.URLParam(r, "code"), req.OrderAmount)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, coupon)
}

func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.Adjust(r.Context(), usecase.AdjustInput{
		AccountID: chi.URLParam(r, "id"),
		Delta:     req.Delta,
		Reason:    req.Reason,
		ActorID:   actorFrom(r.Context()),
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) SweepExpired(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.SweepExpired(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
