package notify

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"ops_chat/server/chat/domain"
	"ops_chat/server/common/infra/directory"
	commonlog "ops_chat/server/common/log"
)

var ErrDirectoryUnavailable = errors.New("user directory unavailable")

// Directory lists the users mentions may resolve to.
type Directory interface {
	Users(ctx context.Context) ([]domain.DirectoryUser, error)
}

// HTTPDirectory reads the identity service's internal user list.
type HTTPDirectory struct {
	client *directory.Client
}

func NewHTTPDirectory(client *directory.Client) *HTTPDirectory {
	return &HTTPDirectory{client: client}
}

func (d *HTTPDirectory) Users(ctx context.Context) ([]domain.DirectoryUser, error) {
	var users []domain.DirectoryUser
	if err := d.client.Get(ctx, directory.UsersPath, &users); err != nil {
		return nil, errors.Join(ErrDirectoryUnavailable, err)
	}
	return users, nil
}

// CachedDirectory keeps the last successful listing for ttl. When a refresh
// fails and an older listing exists, the stale listing is served.
type CachedDirectory struct {
	next Directory
	ttl  time.Duration
	now  func() time.Time

	mu        sync.RWMutex
	users     []domain.DirectoryUser
	fetchedAt time.Time
}

func NewCachedDirectory(next Directory, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{next: next, ttl: ttl, now: time.Now}
}

func (d *CachedDirectory) Users(ctx context.Context) ([]domain.DirectoryUser, error) {
	now := d.now()
	d.mu.RLock()
	if !d.fetchedAt.IsZero() && now.Sub(d.fetchedAt) < d.ttl {
		users := d.users
		d.mu.RUnlock()
		return users, nil
	}
	d.mu.RUnlock()

	users, err := d.next.Users(ctx)
	if err != nil {
		d.mu.RLock()
		stale, fetchedAt := d.users, d.fetchedAt
		d.mu.RUnlock()
		if fetchedAt.IsZero() {
			return nil, err
		}
		commonlog.Warnf("event=directory_refresh action=list_users status=stale age_ms=%d error=%v", now.Sub(fetchedAt).Milliseconds(), err)
		return stale, nil
	}

	users = slices.Clone(users)
	d.mu.Lock()
	d.users = users
	d.fetchedAt = now
	d.mu.Unlock()
	return users, nil
}

// StaticDirectory serves a fixed listing.
type StaticDirectory []domain.DirectoryUser

func (d StaticDirectory) Users(context.Context) ([]domain.DirectoryUser, error) {
	return d, nil
}
