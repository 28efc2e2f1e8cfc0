package account

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/ccgate/internal/accountstore"
	"github.com/relaymesh/ccgate/internal/kvstore"
)

const (
	refreshLockTTL     = 30 * time.Second
	refreshWaitPoll    = 200 * time.Millisecond
	refreshWaitMax     = 5 * time.Second
	tokenRefreshMargin = 2 * time.Minute
)

// OAuthToken is the decrypted credential blob stored (encrypted) on an
// "official" account.
type OAuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (t OAuthToken) needsRefresh(now time.Time) bool {
	return now.Add(tokenRefreshMargin).After(t.ExpiresAt)
}

// TokenManager refreshes OAuth tokens for official accounts, using a
// distributed lock so two processes racing on the same expiring token
// don't both call the upstream OAuth endpoint.
type TokenManager struct {
	kv         kvstore.Store
	crypto     *Crypto
	accounts   *accountstore.Store
	httpClient *http.Client
	tokenURL   string
	clientID   string
}

func NewTokenManager(kv kvstore.Store, crypto *Crypto, accounts *accountstore.Store, httpClient *http.Client, tokenURL, clientID string) *TokenManager {
	return &TokenManager{kv: kv, crypto: crypto, accounts: accounts, httpClient: httpClient, tokenURL: tokenURL, clientID: clientID}
}

// EnsureValidToken returns a usable access token for account, refreshing
// it first if it's within the expiry margin. Concurrent callers for the
// same account serialize on a distributed lock; a loser waits briefly and
// re-reads the (now refreshed) token rather than refreshing again.
func (m *TokenManager) EnsureValidToken(ctx context.Context, acct *accountstore.Account) (string, error) {
	token, err := m.decode(acct)
	if err != nil {
		return "", err
	}
	if !token.needsRefresh(time.Now()) {
		return token.AccessToken, nil
	}
	return m.refresh(ctx, acct)
}

// ForceRefresh discards the expiry check and refreshes unconditionally;
// called after a 401 from the upstream, since the advertised expiry may
// be wrong (clock skew, upstream revocation).
func (m *TokenManager) ForceRefresh(ctx context.Context, acct *accountstore.Account) (string, error) {
	return m.refresh(ctx, acct)
}

func (m *TokenManager) refresh(ctx context.Context, acct *accountstore.Account) (string, error) {
	lockKey := kvstore.TokenRefreshLockKey(acct.ID)
	owner := uuid.NewString()

	acquired, err := m.kv.SetNX(ctx, lockKey, owner, refreshLockTTL)
	if err != nil {
		return "", err
	}
	if !acquired {
		return m.waitForRefresh(ctx, acct)
	}
	defer func() {
		_, _ = m.kv.EvalInt(ctx, kvstore.ScriptReleaseLockIfOwner, []string{lockKey}, owner)
	}()

	current, err := m.decode(acct)
	if err != nil {
		return "", err
	}
	refreshed, err := m.callOAuthRefresh(ctx, current.RefreshToken)
	if err != nil {
		_ = m.markError(ctx, acct, err)
		return "", err
	}

	encoded, err := m.encode(refreshed)
	if err != nil {
		return "", err
	}
	acct.EncryptedCredential = encoded
	acct.LastRefreshAt = time.Now()
	if err := m.accounts.UpdateAccount(ctx, acct); err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// waitForRefresh polls for the lock to clear, then re-reads the account's
// (presumably now-refreshed) token rather than contending for the lock.
func (m *TokenManager) waitForRefresh(ctx context.Context, acct *accountstore.Account) (string, error) {
	lockKey := kvstore.TokenRefreshLockKey(acct.ID)
	deadline := time.Now().Add(refreshWaitMax)
	for time.Now().Before(deadline) {
		exists, err := m.kv.Exists(ctx, lockKey)
		if err != nil {
			return "", err
		}
		if !exists {
			fresh, err := m.accounts.GetAccount(ctx, acct.Platform, acct.ID)
			if err != nil {
				return "", err
			}
			if fresh != nil {
				token, err := m.decode(fresh)
				if err == nil {
					return token.AccessToken, nil
				}
			}
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(refreshWaitPoll):
		}
	}
	// Lock holder didn't finish in time: fall through to a direct refresh
	// attempt rather than blocking the request indefinitely.
	return m.refresh(ctx, acct)
}

func (m *TokenManager) markError(ctx context.Context, acct *accountstore.Account, cause error) error {
	return m.accounts.MarkStatus(ctx, acct.Platform, acct.ID, accountstore.StatusUnauthorized, cause.Error(), 0)
}

type oauthRefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (m *TokenManager) callOAuthRefresh(ctx context.Context, refreshToken string) (OAuthToken, error) {
	body := fmt.Sprintf(`{"grant_type":"refresh_token","refresh_token":%q,"client_id":%q}`, refreshToken, m.clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(body))
	if err != nil {
		return OAuthToken{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return OAuthToken{}, fmt.Errorf("account: oauth refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return OAuthToken{}, fmt.Errorf("account: oauth refresh failed with status %d", resp.StatusCode)
	}

	var parsed oauthRefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return OAuthToken{}, fmt.Errorf("account: oauth refresh decode: %w", err)
	}
	return OAuthToken{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}

func (m *TokenManager) decode(acct *accountstore.Account) (OAuthToken, error) {
	plaintext, err := m.crypto.Decrypt(acct.EncryptedCredential)
	if err != nil {
		return OAuthToken{}, fmt.Errorf("account: decrypt credential for %s: %w", acct.ID, err)
	}
	var token OAuthToken
	if err := json.Unmarshal([]byte(plaintext), &token); err != nil {
		return OAuthToken{}, fmt.Errorf("account: decode credential for %s: %w", acct.ID, err)
	}
	return token, nil
}

func (m *TokenManager) encode(token OAuthToken) (string, error) {
	plaintext, err := json.Marshal(token)
	if err != nil {
		return "", err
	}
	return m.crypto.Encrypt(string(plaintext))
}

