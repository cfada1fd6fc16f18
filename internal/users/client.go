// Package users talks to the identity service that resolves connection
// tokens to user identities.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

// Info identifies an authenticated user.
type Info struct {
	ID string `json:"id"`
}

// Client queries the identity service. A non-nil Redis client is used as
// a shared lookup cache; cache failures degrade to direct lookups.
type Client struct {
	addr  string
	http  *http.Client
	cache *redis.Client
	ttl   time.Duration
}

func NewClient(addr string, cache *redis.Client) *Client {
	return &Client{
		addr:  addr,
		http:  &http.Client{Timeout: 5 * time.Second},
		cache: cache,
		ttl:   5 * time.Minute,
	}
}

// GetInfo resolves a token to a user identity.
func (c *Client) GetInfo(ctx context.Context, token string) (Info, error) {
	if token == "" {
		return Info{}, errors.New("missing token")
	}
	if c.cache != nil {
		if raw, err := c.cache.Get(ctx, cacheKey(token)).Result(); err == nil {
			var info Info
			if json.Unmarshal([]byte(raw), &info) == nil && info.ID != "" {
				return info, nil
			}
		}
	}
	info, err := c.fetch(ctx, token)
	if err != nil {
		return Info{}, err
	}
	if c.cache != nil {
		if raw, err := json.Marshal(info); err == nil {
			c.cache.Set(ctx, cacheKey(token), raw, c.ttl)
		}
	}
	return info, nil
}

func (c *Client) fetch(ctx context.Context, token string) (Info, error) {
	u, err := url.Parse(c.addr)
	if err != nil {
		return Info{}, fmt.Errorf("users address: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Info{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("authorization request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("authorization request failed with status %d", resp.StatusCode)
	}
	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Info{}, fmt.Errorf("malformed identity response: %w", err)
	}
	if info.ID == "" {
		return Info{}, errors.New("malformed identity response: missing id")
	}
	return info, nil
}

func cacheKey(token string) string {
	return "user:info:" + token
}
