package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

var (
	// ErrBadSignature covers a missing, malformed or non-matching
	// Stripe-Signature header.
	ErrBadSignature = errors.New("webhook signature verification failed")
	// ErrSignatureExpired is returned when the signed timestamp is outside
	// the tolerance.
	ErrSignatureExpired = errors.New("webhook timestamp outside tolerance")
)

const EventCheckoutCompleted = "checkout.session.completed"

// VerifyWebhook checks a Stripe-Signature header against payload and
// returns the decoded event. A tolerance of zero uses stripe-go's default.
func VerifyWebhook(payload []byte, header, secret string, tolerance time.Duration) (stripe.Event, error) {
	if secret == "" {
		return stripe.Event{}, fmt.Errorf("%w: no webhook secret configured", ErrBadSignature)
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	ev, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	switch {
	case err == nil:
		return ev, nil
	case errors.Is(err, webhook.ErrTooOld):
		return ev, ErrSignatureExpired
	case errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, webhook.ErrNoValidSignature):
		return ev, fmt.Errorf("%w: %v", ErrBadSignature, err)
	default:
		return ev, fmt.Errorf("decoding webhook event: %w", err)
	}
}

// SignatureHeader builds a header value for payload, as Stripe would.
func SignatureHeader(payload []byte, ts time.Time, secret string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
	}).Header
}

// Fulfiller applies verified events to the ledger. Stripe retries
// deliveries, so each checkout session credits at most once per process.
type Fulfiller struct {
	credits Credits
	max     int

	mu    sync.Mutex
	seen  map[string]bool // true once applied, false while in flight
	order []string
}

// NewFulfiller remembers up to max checkout sessions; max below one means
// 1024.
func NewFulfiller(credits Credits, max int) *Fulfiller {
	if max < 1 {
		max = 1024
	}
	return &Fulfiller{credits: credits, max: max, seen: make(map[string]bool)}
}

// Fulfil applies ev. Only completed checkouts change anything; the return
// reports whether credits were added by this call.
func (f *Fulfiller) Fulfil(ctx context.Context, ev stripe.Event) (bool, error) {
	if string(ev.Type) != EventCheckoutCompleted {
		return false, nil
	}
	if ev.Data == nil {
		return false, fmt.Errorf("event %s: no data", ev.ID)
	}
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
		return false, fmt.Errorf("decoding checkout session: %w", err)
	}
	userID := cs.Metadata["userId"]
	n, err := strconv.Atoi(cs.Metadata["credits"])
	if userID == "" || err != nil || n <= 0 {
		return false, fmt.Errorf("checkout session %s: missing userId or credits metadata", cs.ID)
	}

	key := cs.ID
	if key == "" {
		key = ev.ID
	}
	if !f.claim(key) {
		return false, nil
	}
	if err := f.credits.Add(ctx, userID, n, cs.AmountTotal); err != nil {
		f.release(key)
		return false, fmt.Errorf("crediting %s: %w", userID, err)
	}
	f.done(key)
	return true, nil
}

func (f *Fulfiller) claim(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[key]; ok {
		return false
	}
	f.seen[key] = false
	return true
}

func (f *Fulfiller) release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, key)
}

func (f *Fulfiller) done(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[key] = true
	f.order = append(f.order, key)
	for len(f.order) > f.max {
		delete(f.seen, f.order[0])
		f.order = f.order[1:]
	}
}
