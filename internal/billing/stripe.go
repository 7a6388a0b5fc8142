package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/stripe/stripe-go/v76"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"go.uber.org/zap"
)

// ErrUnknownTier is returned for a price id that is not on offer.
var ErrUnknownTier = errors.New("unknown price tier")

// Tier is a purchasable credit pack.
type Tier struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Credits     int    `json:"credits"`
	AmountCents int64  `json:"amount"`
}

// DefaultTiers is the public price list.
var DefaultTiers = []Tier{
	{ID: "starter", Name: "Starter Pack", Credits: 10, AmountCents: 1500},
	{ID: "pro", Name: "Professional", Credits: 50, AmountCents: 6000},
	{ID: "enterprise", Name: "Enterprise", Credits: 200, AmountCents: 20000},
}

// FindTier looks a tier up by id. Prices always come from this list, never
// from the client.
func FindTier(tiers []Tier, id string) (Tier, error) {
	t, ok := lo.Find(tiers, func(t Tier) bool { return t.ID == id })
	if !ok {
		return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, id)
	}
	return t, nil
}

type CheckoutRequest struct {
	UserID string
	Tier   Tier
	// Origin is the site the buyer returns to.
	Origin string
}

type CheckoutSession struct {
	ID  string `json:"sessionId"`
	URL string `json:"url,omitempty"`
}

// Checkout creates hosted payment pages.
type Checkout interface {
	CreateSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
}

// StripeCheckout creates Checkout Sessions through stripe-go.
type StripeCheckout struct {
	sessions    *checkoutsession.Client
	currency    string
	product     string
	description string
}

// NewStripeCheckout builds a client against baseURL (the Stripe API root,
// overridable for tests). A nil client gets a 15 second timeout; a nil
// logger discards stripe-go's own logging.
func NewStripeCheckout(baseURL, secretKey, currency string, client *http.Client, log *zap.Logger) *StripeCheckout {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if currency == "" {
		currency = "usd"
	}
	if log == nil {
		log = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = stripe.APIURL
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(strings.TrimRight(baseURL, "/")),
		HTTPClient:        client,
		LeveledLogger:     log.Sugar(),
		MaxNetworkRetries: stripe.Int64(1),
	})
	return &StripeCheckout{
		sessions:    &checkoutsession.Client{B: backend, Key: secretKey},
		currency:    currency,
		product:     "HM6 Query Credits",
		description: "DRIS1 - Distributed Relational Intelligence System",
	}
}

// WithProduct overrides the product name shown after the credit count.
func (s *StripeCheckout) WithProduct(name string) *StripeCheckout {
	if name != "" {
		s.product = name
	}
	return s
}

func (s *StripeCheckout) CreateSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	if s.sessions.Key == "" {
		return CheckoutSession{}, errors.New("stripe secret key not configured")
	}
	credits := strconv.Itoa(req.Tier.Credits)

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(s.currency),
				UnitAmount: stripe.Int64(req.Tier.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(credits + " " + s.product),
					Description: stripe.String(s.description),
				},
			},
		}},
		SuccessURL:        stripe.String(req.Origin + "/?session_id={CHECKOUT_SESSION_ID}&credits=" + credits),
		CancelURL:         stripe.String(req.Origin + "/"),
		ClientReferenceID: stripe.String(req.UserID),
	}
	params.Context = ctx
	params.AddMetadata("userId", req.UserID)
	params.AddMetadata("credits", credits)
	params.AddMetadata("priceId", req.Tier.ID)

	cs, err := s.sessions.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Msg != "" {
			return CheckoutSession{}, fmt.Errorf("stripe checkout: %s", se.Msg)
		}
		return CheckoutSession{}, fmt.Errorf("stripe checkout: %w", err)
	}
	return CheckoutSession{ID: cs.ID, URL: cs.URL}, nil
}
