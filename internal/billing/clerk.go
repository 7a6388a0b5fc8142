package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/clerk/clerk-sdk-go/v2"
	"github.com/clerk/clerk-sdk-go/v2/user"
)

// ClerkCredits keeps the ledger in each user's Clerk public metadata
// (credits, totalQueries, lastQuery, lastPurchase, totalSpent). Updates are
// merged by Clerk, so other metadata keys survive.
type ClerkCredits struct {
	users *user.Client
	clock clock.Clock

	// Read-modify-write of a user's metadata is serialised within this
	// process only.
	mu sync.Mutex
}

// NewClerkCredits talks to the Backend API at baseURL (without the /v1
// suffix); empty means Clerk's production API.
func NewClerkCredits(baseURL, secretKey string, client *http.Client, clk clock.Clock) *ClerkCredits {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if clk == nil {
		clk = clock.New()
	}
	api := clerk.APIURL
	if baseURL != "" {
		api = strings.TrimRight(baseURL, "/") + "/v1"
	}
	return &ClerkCredits{
		users: user.NewClient(&clerk.ClientConfig{BackendConfig: clerk.BackendConfig{
			HTTPClient: client,
			URL:        clerk.String(api),
			Key:        clerk.String(secretKey),
		}}),
		clock: clk,
	}
}

func (c *ClerkCredits) Balance(ctx context.Context, userID string) (int, error) {
	md, err := c.metadata(ctx, userID)
	if err != nil {
		return 0, err
	}
	return metaInt(md, "credits"), nil
}

func (c *ClerkCredits) Deduct(ctx context.Context, userID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	md, err := c.metadata(ctx, userID)
	if err != nil {
		return 0, err
	}
	current := metaInt(md, "credits")
	if current < 1 {
		return current, ErrInsufficientCredits
	}

	err = c.update(ctx, userID, map[string]any{
		"credits":      current - 1,
		"lastQuery":    c.clock.Now().UTC().Format(time.RFC3339Nano),
		"totalQueries": metaInt(md, "totalQueries") + 1,
	})
	if err != nil {
		return current, err
	}
	return current - 1, nil
}

func (c *ClerkCredits) Add(ctx context.Context, userID string, credits int, amountCents int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	md, err := c.metadata(ctx, userID)
	if err != nil {
		return err
	}
	return c.update(ctx, userID, map[string]any{
		"credits":      metaInt(md, "credits") + credits,
		"lastPurchase": c.clock.Now().UTC().Format(time.RFC3339Nano),
		"totalSpent":   metaFloat(md, "totalSpent") + float64(amountCents)/100,
	})
}

func (c *ClerkCredits) metadata(ctx context.Context, userID string) (map[string]any, error) {
	if userID == "" {
		return nil, ErrUnknownUser
	}
	u, err := c.users.Get(ctx, userID)
	if err != nil {
		return nil, clerkError("get user", err)
	}
	md := make(map[string]any)
	if len(u.PublicMetadata) > 0 {
		if err := json.Unmarshal(u.PublicMetadata, &md); err != nil {
			return nil, fmt.Errorf("decoding public metadata of %s: %w", userID, err)
		}
	}
	return md, nil
}

func (c *ClerkCredits) update(ctx context.Context, userID string, changes map[string]any) error {
	data, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	raw := json.RawMessage(data)
	if _, err := c.users.UpdateMetadata(ctx, userID, &user.UpdateMetadataParams{PublicMetadata: &raw}); err != nil {
		return clerkError("update metadata", err)
	}
	return nil
}

func clerkError(op string, err error) error {
	var apiErr *clerk.APIErrorResponse
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusNotFound {
		return ErrUnknownUser
	}
	return fmt.Errorf("clerk %s: %w", op, err)
}

// JSON numbers arrive as float64; counts stored by other tools may be strings.
func metaFloat(md map[string]any, key string) float64 {
	switch v := md[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		var f float64
		if _, err := fmt.Sscan(v, &f); err == nil {
			return f
		}
	}
	return 0
}

func metaInt(md map[string]any, key string) int {
	return int(metaFloat(md, key))
}
