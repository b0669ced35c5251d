package oracle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// countingFeed returns a fixed price and counts fetches.
type countingFeed struct {
	price float64
	err   error
	calls int
}

func (f *countingFeed) Name() string { return "counting" }

func (f *countingFeed) Fetch(ctx context.Context) (float64, error) {
	f.calls++
	return f.price, f.err
}

// fakeCache is an injectable shared tier with a controllable quote age.
type fakeCache struct {
	quote Quote
	set   bool
	puts  []Quote
}

func (c *fakeCache) Get(ctx context.Context) (Quote, bool) { return c.quote, c.set }

func (c *fakeCache) Set(ctx context.Context, q Quote) { c.puts = append(c.puts, q) }

func TestPriceUsesFeedAndCachesResult(t *testing.T) {
	feed := &countingFeed{price: 142.5}
	o := New(250.0, testLogger(), WithFeeds(feed))

	assert.Equal(t, 142.5, o.Price(context.Background()))
	// Second call within the freshness window hits the local cache.
	assert.Equal(t, 142.5, o.Price(context.Background()))
	assert.Equal(t, 1, feed.calls)
}

func TestPriceFallsThroughToSecondaryFeed(t *testing.T) {
	primary := &countingFeed{err: errors.New("rate limited")}
	secondary := &countingFeed{price: 139.0}
	o := New(250.0, testLogger(), WithFeeds(primary, secondary))

	assert.Equal(t, 139.0, o.Price(context.Background()))
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

func TestPriceIgnoresNonPositiveFeedValues(t *testing.T) {
	bogus := &countingFeed{price: 0}
	good := &countingFeed{price: 155.0}
	o := New(250.0, testLogger(), WithFeeds(bogus, good))

	assert.Equal(t, 155.0, o.Price(context.Background()))
}

func TestPriceUsesFreshSharedCache(t *testing.T) {
	shared := &fakeCache{quote: Quote{Price: 148.0, FetchedAt: time.Now()}, set: true}
	feed := &countingFeed{price: 999.0}
	o := New(250.0, testLogger(), WithFeeds(feed), WithSharedCache(shared))

	assert.Equal(t, 148.0, o.Price(context.Background()))
	assert.Equal(t, 0, feed.calls)
}

func TestPriceFallbackWhenEverythingIsDown(t *testing.T) {
	// The shared tier holds a quote 90 minutes old, past the stale window,
	// and every feed is failing. The hardcoded fallback is all that is left.
	shared := &fakeCache{quote: Quote{Price: 148.0, FetchedAt: time.Now().Add(-90 * time.Minute)}, set: true}
	dead := &countingFeed{err: errors.New("connection refused")}
	o := New(250.0, testLogger(), WithFeeds(dead), WithSharedCache(shared))

	assert.Equal(t, 250.0, o.Price(context.Background()))
}

func TestPriceServesStaleLocalQuote(t *testing.T) {
	o := New(250.0, testLogger(), WithFeeds(&countingFeed{err: errors.New("down")}))
	// A quote 30 minutes old: too stale to serve fresh, recent enough to
	// beat the hardcoded fallback.
	o.local.Set(context.Background(), Quote{Price: 151.0, FetchedAt: time.Now().Add(-30 * time.Minute)})

	assert.Equal(t, 151.0, o.Price(context.Background()))
}

func TestCoinGeckoFeedParsesPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		w.Write([]byte(`{"solana":{"usd":144.37}}`))
	}))
	defer srv.Close()

	feed := NewCoinGeckoFeedWithURL(srv.URL)
	price, err := feed.Fetch(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 144.37, price)
}

func TestCoinGeckoFeedRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	feed := NewCoinGeckoFeedWithURL(srv.URL)
	_, err := feed.Fetch(context.Background())
	assert.Error(t, err)
}

func TestKrakenFeedParsesPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Ticker", r.URL.Path)
		w.Write([]byte(`{"error":[],"result":{"SOLUSD":{"c":["143.210000","50.0"]}}}`))
	}))
	defer srv.Close()

	feed := NewKrakenFeedWithURL(srv.URL)
	price, err := feed.Fetch(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 143.21, price)
}

func TestKrakenFeedSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":["EGeneral:Temporary lockout"],"result":{}}`))
	}))
	defer srv.Close()

	feed := NewKrakenFeedWithURL(srv.URL)
	_, err := feed.Fetch(context.Background())
	assert.Error(t, err)
}
