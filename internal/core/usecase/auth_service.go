package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/ports"
)

var ErrUnauthorized = errors.New("unauthorized")

// lastUsedResolution bounds how often a busy key writes its last-used time.
const lastUsedResolution = time.Minute

type AuthService struct {
	repo ports.APIKeyRepository
	now  func() time.Time
}

func NewAuthService(repo ports.APIKeyRepository) *AuthService {
	return &AuthService{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

func (s *AuthService) Authenticate(ctx context.Context, token string) (domain.APIKey, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.APIKey{}, ErrUnauthorized
	}

	hash := HashToken(token)
	apiKey, err := s.repo.FindByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.APIKey{}, ErrUnauthorized
		}
		return domain.APIKey{}, err
	}
	if !apiKey.Active || apiKey.OwnerID == "" {
		return domain.APIKey{}, ErrUnauthorized
	}

	now := s.now()
	if now.Sub(apiKey.LastUsedAt) >= lastUsedResolution {
		// Usage tracking never blocks an otherwise valid request.
		if err := s.repo.MarkUsed(ctx, hash, now); err == nil {
			apiKey.LastUsedAt = now
		}
	}
	return apiKey, nil
}

// Bootstrap stores an active key for ownerID so a fresh database can be
// reached by the operator API.
func (s *AuthService) Bootstrap(ctx context.Context, token, ownerID, name string) error {
	token = strings.TrimSpace(token)
	if token == "" || ownerID == "" {
		return errors.New("bootstrap key requires a token and an owner")
	}
	return s.repo.Upsert(ctx, domain.APIKey{
		TokenHash: HashToken(token),
		OwnerID:   ownerID,
		Name:      name,
		Active:    true,
	})
}

func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
