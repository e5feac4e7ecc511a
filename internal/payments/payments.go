// Package payments reconciles gateway orders into the credit ledger. Webhook
// deliveries are verified against the shared secret and applied idempotently
// on the gateway order id, so the gateway may resend for 24 hours without
// double-crediting.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/ledger"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/metrics"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
)

var (
	// ErrSignatureMismatch rejects webhook deliveries that fail HMAC
	// verification. Fatal: respond 400.
	ErrSignatureMismatch = errors.New("payments: webhook signature mismatch")
	// ErrUnknownOrder marks a webhook for an order this system never
	// created. Treated as not-ours: respond 404.
	ErrUnknownOrder = errors.New("payments: unknown order")
)

// Ledger is the crediting surface payments needs.
type Ledger interface {
	AddCreditsFromPayment(ctx context.Context, userID uuid.UUID, amount int, paymentID uuid.UUID, description string) (ledger.PaymentCredit, error)
}

// Gateway creates orders upstream. The checkout UI itself is external.
type Gateway interface {
	CreateOrder(ctx context.Context, amountPaise int64, currency, receipt string) (orderID string, err error)
}

// Service owns the payment lifecycle.
type Service struct {
	orm           *gorm.DB
	led           Ledger
	gateway       Gateway
	plans         map[string]Plan
	webhookSecret string
	keyID         string
	cardCipher    *cardCipher
	log           zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Options configure the payment service.
type Options struct {
	Plans             map[string]Plan
	WebhookSecret     string
	KeyID             string
	CardMetaRecipient string // optional age X25519 recipient
}

// New wires the payment service. A nil gateway falls back to locally
// generated order ids, which keeps development environments working without
// gateway credentials.
func New(orm *gorm.DB, led Ledger, gateway Gateway, opts Options, log zerolog.Logger) (*Service, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if led == nil {
		return nil, errors.New("ledger is required")
	}
	if len(opts.Plans) == 0 {
		return nil, errors.New("price list is required")
	}

	cipher, err := newCardCipher(opts.CardMetaRecipient)
	if err != nil {
		return nil, err
	}
	if gateway == nil {
		gateway = localGateway{}
	}

	return &Service{
		orm:           orm,
		led:           led,
		gateway:       gateway,
		plans:         opts.Plans,
		webhookSecret: opts.WebhookSecret,
		keyID:         opts.KeyID,
		cardCipher:    cipher,
		log:           log,
		locks:         make(map[string]*sync.Mutex),
	}, nil
}

// Plans returns the price list.
func (s *Service) Plans() map[string]Plan {
	return s.plans
}

// OrderParams is what the frontend needs to open the gateway checkout.
type OrderParams struct {
	OrderID     string `json:"order_id"`
	KeyID       string `json:"key_id"`
	AmountPaise int64  `json:"amount_paise"`
	Currency    string `json:"currency"`
	PlanName    string `json:"plan_name"`
}

// CreateOrder opens a gateway order for the plan and records the pending
// payment row.
func (s *Service) CreateOrder(ctx context.Context, userID uuid.UUID, planID string) (OrderParams, error) {
	plan, ok := s.plans[planID]
	if !ok {
		return OrderParams{}, ErrUnknownPlan
	}

	receipt := fmt.Sprintf("cr-%s", uuid.New())
	orderID, err := s.gateway.CreateOrder(ctx, plan.AmountPaise, plan.Currency, receipt)
	if err != nil {
		return OrderParams{}, err
	}

	payment := models.Payment{
		ID:          uuid.New(),
		OwnerID:     userID,
		OrderID:     orderID,
		PlanID:      plan.ID,
		PlanName:    plan.Name,
		Credits:     plan.Credits,
		AmountPaise: plan.AmountPaise,
		Currency:    plan.Currency,
		Status:      models.PaymentCreated,
	}
	if err := s.orm.WithContext(ctx).Create(&payment).Error; err != nil {
		return OrderParams{}, err
	}

	return OrderParams{
		OrderID:     orderID,
		KeyID:       s.keyID,
		AmountPaise: plan.AmountPaise,
		Currency:    plan.Currency,
		PlanName:    plan.Name,
	}, nil
}

// localGateway generates order ids without an upstream call.
type localGateway struct{}

func (localGateway) CreateOrder(_ context.Context, _ int64, _, _ string) (string, error) {
	return "order_" + uuid.NewString(), nil
}

// orderLock serializes webhook handling per gateway order, which keeps
// concurrent redeliveries from racing the credits_added flag.
func (s *Service) orderLock(orderID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[orderID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[orderID] = lock
	}
	return lock
}

// VerifySignature checks the raw webhook body against the gateway HMAC
// header in constant time.
func (s *Service) VerifySignature(rawBody []byte, signature string) error {
	return verifyHMAC(s.webhookSecret, rawBody, signature)
}

func verifyHMAC(secret string, rawBody []byte, signature string) error {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

// webhookEnvelope matches the gateway's delivery format.
type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID               string         `json:"id"`
				OrderID          string         `json:"order_id"`
				Method           string         `json:"method"`
				Card             map[string]any `json:"card,omitempty"`
				ErrorCode        string         `json:"error_code,omitempty"`
				ErrorDescription string         `json:"error_description,omitempty"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// WebhookOutcome summarizes what a delivery did.
type WebhookOutcome struct {
	Event       string `json:"event"`
	OrderID     string `json:"order_id"`
	Applied     bool   `json:"applied"`
	DebtCleared int    `json:"debt_cleared,omitempty"`
}

// HandleWebhook verifies and applies one delivery. Replays are no-ops.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signature string) (WebhookOutcome, error) {
	if err := s.VerifySignature(rawBody, signature); err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "bad_signature").Inc()
		return WebhookOutcome{}, err
	}

	var env webhookEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return WebhookOutcome{}, fmt.Errorf("payments: malformed webhook body: %w", err)
	}

	entity := env.Payload.Payment.Entity
	switch env.Event {
	case "payment.captured":
		out, err := s.applyCaptured(ctx, entity.OrderID, entity.ID, signature, entity.Method, entity.Card)
		outcome := "applied"
		if err != nil {
			outcome = "error"
		} else if !out.Applied {
			outcome = "replay"
		}
		metrics.WebhookEvents.WithLabelValues(env.Event, outcome).Inc()
		return out, err
	case "payment.failed":
		err := s.applyFailed(ctx, entity.OrderID, entity.ID, entity.ErrorCode, entity.ErrorDescription)
		outcome := "applied"
		if err != nil {
			outcome = "error"
		}
		metrics.WebhookEvents.WithLabelValues(env.Event, outcome).Inc()
		return WebhookOutcome{Event: env.Event, OrderID: entity.OrderID, Applied: err == nil}, err
	default:
		// Unhandled events acknowledge cleanly so the gateway stops resending.
		metrics.WebhookEvents.WithLabelValues(env.Event, "ignored").Inc()
		return WebhookOutcome{Event: env.Event, OrderID: entity.OrderID}, nil
	}
}

func (s *Service) applyCaptured(ctx context.Context, orderID, gatewayPaymentID, signature, method string, card map[string]any) (WebhookOutcome, error) {
	if orderID == "" {
		return WebhookOutcome{}, ErrUnknownOrder
	}

	lock := s.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	var payment models.Payment
	if err := s.orm.WithContext(ctx).First(&payment, "order_id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return WebhookOutcome{}, ErrUnknownOrder
		}
		return WebhookOutcome{}, err
	}

	// Double capture: the grant already happened, acknowledge and move on.
	if payment.CreditsAdded {
		return WebhookOutcome{Event: "payment.captured", OrderID: orderID, Applied: false}, nil
	}

	cardMeta, err := s.cardCipher.seal(card)
	if err != nil {
		s.log.Warn().Err(err).Str("order_id", orderID).Msg("card metadata encryption failed, dropping")
		cardMeta = nil
	}

	updates := map[string]any{
		"payment_id": &gatewayPaymentID,
		"signature":  &signature,
		"status":     models.PaymentSuccess,
		"method":     method,
	}
	if cardMeta != nil {
		updates["card_meta"] = cardMeta
	}
	if err := s.orm.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", payment.ID).
		Updates(updates).Error; err != nil {
		return WebhookOutcome{}, err
	}

	desc := fmt.Sprintf("Purchased %s plan (%d credits)", payment.PlanName, payment.Credits)
	grant, err := s.led.AddCreditsFromPayment(ctx, payment.OwnerID, payment.Credits, payment.ID, desc)
	if err != nil {
		return WebhookOutcome{}, err
	}

	if err := s.orm.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", payment.ID).
		Update("credits_added", true).Error; err != nil {
		// The grant happened; losing the flag risks double credit on replay.
		s.log.Error().Str("channel", "operator").Err(err).
			Str("order_id", orderID).
			Msg("credits granted but credits_added flag write failed")
		return WebhookOutcome{}, err
	}

	return WebhookOutcome{
		Event:       "payment.captured",
		OrderID:     orderID,
		Applied:     true,
		DebtCleared: grant.DebtCleared,
	}, nil
}

func (s *Service) applyFailed(ctx context.Context, orderID, gatewayPaymentID, code, description string) error {
	if orderID == "" {
		return ErrUnknownOrder
	}

	lock := s.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	var payment models.Payment
	if err := s.orm.WithContext(ctx).First(&payment, "order_id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownOrder
		}
		return err
	}

	// A capture already won; a late failure delivery must not regress it.
	if payment.Status == models.PaymentSuccess || payment.Status == models.PaymentRefunded {
		return nil
	}

	reason := description
	if code != "" {
		reason = fmt.Sprintf("%s: %s", code, description)
	}
	err := s.orm.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", payment.ID).
		Updates(map[string]any{
			"payment_id":     &gatewayPaymentID,
			"status":         models.PaymentFailed,
			"failure_reason": reason,
		}).Error
	if err != nil {
		return err
	}

	s.log.Info().
		Str("order_id", orderID).
		Str("owner_id", payment.OwnerID.String()).
		Str("reason", reason).
		Msg("payment failed")
	return nil
}

// History returns the user's payments, newest first.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]models.Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var payments []models.Payment
	err := s.orm.WithContext(ctx).
		Where("owner_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}
