package studentdata

import (
	"context"
	"time"

	"gakuenhub-backend/internal/db"
	"gakuenhub-backend/lib/scrapers/gakuen"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// sessionCache keeps light-authenticated portal sessions alive between
// polls so every fetch does not pay the login round trips again.
type sessionCache struct {
	cache   *expirable.LRU[string, *gakuen.Client]
	qry     *db.Queries
	baseURL string
}

func newSessionCache(qry *db.Queries, baseURL string) sessionCache {
	return sessionCache{
		cache:   expirable.NewLRU[string, *gakuen.Client](2048, nil, time.Minute*15),
		qry:     qry,
		baseURL: baseURL,
	}
}

func (s sessionCache) Get(ctx context.Context, userID string) (*gakuen.Client, error) {
	cached, hit := s.cache.Get(userID)
	if hit {
		return cached, nil
	}

	user, err := s.qry.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	client, err := gakuen.NewClient(ctx, gakuen.ClientOptions{
		BaseURL:           s.baseURL,
		UserID:            user.UserID,
		EncryptedPassword: user.EncryptedPassword,
	})
	if err != nil {
		return nil, err
	}
	err = client.LoginLight(ctx)
	if err != nil {
		return nil, err
	}

	s.cache.Add(userID, client)
	return client, nil
}

// Drop evicts the user's session, forcing the next fetch to
// re-authenticate.
func (s sessionCache) Drop(userID string) {
	s.cache.Remove(userID)
}
