package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ops_chat/server/chat/domain"
	"ops_chat/server/common/infra/directory"
)

type mockDirectory struct{ mock.Mock }

func (m *mockDirectory) Users(ctx context.Context) ([]domain.DirectoryUser, error) {
	args := m.Called(ctx)
	if res := args.Get(0); res != nil {
		return res.([]domain.DirectoryUser), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestCachedDirectory(t *testing.T) {
	ctx := context.Background()
	listing := []domain.DirectoryUser{{ID: "u-katie", DisplayName: "Katie Long"}}

	t.Run("serves from cache within ttl", func(t *testing.T) {
		next := new(mockDirectory)
		next.On("Users", ctx).Return(listing, nil).Once()
		now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		d := NewCachedDirectory(next, time.Minute)
		d.now = func() time.Time { return now }

		first, err := d.Users(ctx)
		require.NoError(t, err)
		now = now.Add(30 * time.Second)
		second, err := d.Users(ctx)
		require.NoError(t, err)

		assert.Equal(t, listing, first)
		assert.Equal(t, listing, second)
		next.AssertExpectations(t)
	})

	t.Run("serves stale listing when refresh fails", func(t *testing.T) {
		next := new(mockDirectory)
		next.On("Users", ctx).Return(listing, nil).Once()
		next.On("Users", ctx).Return(nil, ErrDirectoryUnavailable).Once()
		now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		d := NewCachedDirectory(next, time.Minute)
		d.now = func() time.Time { return now }

		_, err := d.Users(ctx)
		require.NoError(t, err)
		now = now.Add(2 * time.Minute)
		got, err := d.Users(ctx)

		require.NoError(t, err)
		assert.Equal(t, listing, got)
		next.AssertExpectations(t)
	})

	t.Run("fails without any listing", func(t *testing.T) {
		next := new(mockDirectory)
		next.On("Users", ctx).Return(nil, ErrDirectoryUnavailable).Once()
		d := NewCachedDirectory(next, time.Minute)

		_, err := d.Users(ctx)
		assert.ErrorIs(t, err, ErrDirectoryUnavailable)
	})
}

func TestHTTPDirectory(t *testing.T) {
	t.Run("decodes the user list", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, directory.UsersPath, r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"id":"u-bob","email":"bob@example.org","firstName":"Robert"}]`))
		}))
		defer srv.Close()

		d := NewHTTPDirectory(directory.NewClient(directory.Options{}, srv.URL))
		got, err := d.Users(context.Background())

		require.NoError(t, err)
		assert.Equal(t, []domain.DirectoryUser{{ID: "u-bob", Email: "bob@example.org", FirstName: "Robert"}}, got)
	})

	t.Run("server errors surface as unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		d := NewHTTPDirectory(directory.NewClient(directory.Options{}, srv.URL))
		_, err := d.Users(context.Background())

		assert.True(t, errors.Is(err, ErrDirectoryUnavailable))
	})
}
