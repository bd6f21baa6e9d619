package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestResolver(t *testing.T) (*Resolver, *Store) {
	t.Helper()
	store := NewStore(t.TempDir(), zap.NewNop())
	return NewResolver(store, zap.NewNop()), store
}

func TestResolveHeaderTokenWins(t *testing.T) {
	r, _ := newTestResolver(t)

	got := r.Resolve(context.Background(), ResolveOptions{
		HeaderToken: "ghu_fromheader1234",
		Fallback:    "ghu_fallback123456",
	})
	assert.Equal(t, "ghu_fromheader1234", got)
}

func TestResolveIgnoresForeignHeaderToken(t *testing.T) {
	r, _ := newTestResolver(t)

	got := r.Resolve(context.Background(), ResolveOptions{
		HeaderToken: "sk-not-a-copilot-token",
		Fallback:    "ghu_fallback123456",
	})
	assert.Equal(t, "ghu_fallback123456", got)
}

func TestResolveFromDisk(t *testing.T) {
	r, store := newTestResolver(t)
	require.NoError(t, store.SaveProfile("github-d", &Profile{
		Provider: "github",
		Token:    "tid=disk;exp=9999999999",
		User:     User{Login: "d"},
	}))

	got := r.Resolve(context.Background(), ResolveOptions{})
	assert.Equal(t, "tid=disk;exp=9999999999", got)
}

func TestResolveEmptyWithoutRefresh(t *testing.T) {
	r, _ := newTestResolver(t)
	assert.Empty(t, r.Resolve(context.Background(), ResolveOptions{}))
}

func TestResolveCachesHeaderToken(t *testing.T) {
	r, _ := newTestResolver(t)

	r.Resolve(context.Background(), ResolveOptions{HeaderToken: "ghu_cacheme12345678"})
	// A later call with no sources gets the cached credential.
	got := r.Resolve(context.Background(), ResolveOptions{})
	assert.Equal(t, "ghu_cacheme12345678", got)
	assert.Equal(t, "ghu_cacheme12345678", r.CachedToken())
}

func TestRefreshExchangesAndPersists(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "token ghu_refresh123456", req.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"token":      "tid=fresh;exp=9999999999",
			"expires_at": 9999999999,
		})
	}))
	defer srv.Close()

	r, store := newTestResolver(t)
	r.tokenURL = srv.URL
	require.NoError(t, store.SaveProfile("github-r", &Profile{
		Provider:     "github",
		RefreshToken: "ghu_refresh123456",
		User:         User{Login: "r"},
	}))

	got, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tid=fresh;exp=9999999999", got)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	p, err := store.GetProfile("github-r")
	require.NoError(t, err)
	assert.Equal(t, "tid=fresh;exp=9999999999", p.Token)
	assert.NotZero(t, p.UpdatedAt)
}

func TestRefreshWithoutCredentials(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestRefreshFailureLeavesStateIntact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	r, store := newTestResolver(t)
	r.tokenURL = srv.URL
	require.NoError(t, store.SaveProfile("github-f", &Profile{
		Provider:     "github",
		Token:        "tid=old;exp=9999999999",
		RefreshToken: "ghu_refresh123456",
		User:         User{Login: "f"},
	}))

	_, err := r.Refresh(context.Background())
	require.Error(t, err)

	p, err := store.GetProfile("github-f")
	require.NoError(t, err)
	assert.Equal(t, "tid=old;exp=9999999999", p.Token)
}

func TestRefreshCollapsesConcurrentCallers(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		json.NewEncoder(w).Encode(map[string]interface{}{"token": "tid=shared;exp=9999999999"})
	}))
	defer srv.Close()

	r, store := newTestResolver(t)
	r.tokenURL = srv.URL
	require.NoError(t, store.SaveProfile("github-c", &Profile{
		Provider:     "github",
		RefreshToken: "ghu_refresh123456",
		User:         User{Login: "c"},
	}))

	const workers = 5
	var wg sync.WaitGroup
	results := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := r.Refresh(context.Background())
			require.NoError(t, err)
			results[i] = tok
		}(i)
	}
	// Let every caller reach the singleflight gate before the exchange
	// completes.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "concurrent refreshes must share one exchange")
	for _, tok := range results {
		assert.Equal(t, "tid=shared;exp=9999999999", tok)
	}
}
