// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchAllIsolatesFailures(t *testing.T) {
	const delay = 150 * time.Millisecond
	srv, _ := pageServer(t, delay)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL + "/gone"
	dead.Close()

	b := NewBulkFetcher(New(Options{AllowPrivate: true}, nil, nil), 5)
	urls := []string{srv.URL + "/article", deadURL, srv.URL + "/plain"}

	start := time.Now()
	res := b.FetchAll(context.Background(), urls)
	elapsed := time.Since(start)

	if res.AllSucceeded {
		t.Error("AllSucceeded should be false")
	}
	if len(res.Outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(res.Outcomes))
	}
	for i, u := range urls {
		if res.Outcomes[i].URL != u {
			t.Errorf("outcome %d URL = %q, want %q (input order)", i, res.Outcomes[i].URL, u)
		}
	}
	if !res.Outcomes[0].Succeeded || res.Outcomes[1].Succeeded || !res.Outcomes[2].Succeeded {
		t.Errorf("unexpected success pattern: %+v", res.Outcomes)
	}
	if res.Outcomes[1].ErrorMessage == "" {
		t.Error("failed outcome must carry an error message")
	}
	// concurrent: closer to one delay than to the sum of delays
	if elapsed >= 2*delay {
		t.Errorf("FetchAll took %v, expected roughly %v", elapsed, delay)
	}
}

func TestFetchAllEmpty(t *testing.T) {
	res := NewBulkFetcher(New(Options{}, nil, nil), 0).FetchAll(context.Background(), nil)
	if !res.AllSucceeded || len(res.Outcomes) != 0 {
		t.Errorf("empty input = %+v, want AllSucceeded with no outcomes", res)
	}
}

func TestFetchAllRespectsCeiling(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	urls := make([]string, 8)
	for i := range urls {
		urls[i] = srv.URL + "/p" + string(rune('a'+i))
	}
	res := NewBulkFetcher(New(Options{AllowPrivate: true}, nil, nil), 2).FetchAll(context.Background(), urls)
	if !res.AllSucceeded {
		t.Fatalf("expected all to succeed: %+v", res.Outcomes)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency %d exceeds ceiling 2", p)
	}
}

func TestFetchAllCancelled(t *testing.T) {
	srv, hits := pageServer(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewBulkFetcher(New(Options{AllowPrivate: true}, nil, nil), 2).
		FetchAll(ctx, []string{srv.URL + "/article", srv.URL + "/plain"})
	if res.AllSucceeded {
		t.Error("cancelled fetch must not succeed")
	}
	if hits.Load() != 0 {
		t.Errorf("upstream hit %d times after cancellation", hits.Load())
	}
}
