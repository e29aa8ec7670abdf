package cache

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func counter(calls *int32, v string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		atomic.AddInt32(calls, 1)
		return v, nil
	}
}

func TestKeyIsOrderIndependent(t *testing.T) {
	a := url.Values{}
	a.Set("page", "1")
	a.Set("category_id", "2")
	b := url.Values{}
	b.Set("category_id", "2")
	b.Set("page", "1")

	if Key("/expenses", a) != Key("/expenses", b) {
		t.Fatalf("keys differ: %q vs %q", Key("/expenses", a), Key("/expenses", b))
	}
	if got := Key("/categories", nil); got != "/categories" {
		t.Fatalf("Key without params = %q", got)
	}
}

func TestFetchCachesFreshValue(t *testing.T) {
	s := NewStore(10, time.Minute, nil)
	var calls int32

	for i := 0; i < 3; i++ {
		v, err := Fetch(context.Background(), s, "/categories", []Tag{TagCategory}, counter(&calls, "list"))
		if err != nil || v != "list" {
			t.Fatalf("Fetch = %q, %v", v, err)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestFetchSharesInFlightRequest(t *testing.T) {
	s := NewStore(10, time.Minute, nil)
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})

	fn := func(context.Context) ([]string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		return []string{"Food", "Rent"}, nil
	}

	const callers = 5
	results := make([][]string, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = Fetch(context.Background(), s, "/categories", []Tag{TagCategory}, fn)
	}()
	<-started
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = Fetch(context.Background(), s, "/categories", []Tag{TagCategory}, fn)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single network call, got %d", calls)
	}
	for i, r := range results {
		if len(r) != 2 || r[0] != "Food" {
			t.Fatalf("caller %d got %v", i, r)
		}
	}
}

func TestInvalidateMarksTaggedEntriesStale(t *testing.T) {
	s := NewStore(10, time.Minute, nil)
	var budgetCalls, categoryCalls int32
	ctx := context.Background()

	Fetch(ctx, s, "/budgets", []Tag{TagBudget}, counter(&budgetCalls, "b"))
	Fetch(ctx, s, "/categories", []Tag{TagCategory}, counter(&categoryCalls, "c"))

	var got []Invalidation
	unsubscribe := s.Subscribe(func(inv Invalidation) { got = append(got, inv) })
	defer unsubscribe()

	if n := s.Invalidate(TagExpense, TagBudget, TagReport); n != 1 {
		t.Fatalf("Invalidate affected %d entries, want 1", n)
	}
	if !s.IsStale("/budgets") || s.IsStale("/categories") {
		t.Fatalf("wrong staleness: budgets=%v categories=%v", s.IsStale("/budgets"), s.IsStale("/categories"))
	}
	if len(got) != 1 || len(got[0].Keys) != 1 || got[0].Keys[0] != "/budgets" {
		t.Fatalf("subscriber got %+v", got)
	}

	Fetch(ctx, s, "/budgets", []Tag{TagBudget}, counter(&budgetCalls, "b2"))
	Fetch(ctx, s, "/categories", []Tag{TagCategory}, counter(&categoryCalls, "c2"))
	if budgetCalls != 2 || categoryCalls != 1 {
		t.Fatalf("budget calls=%d category calls=%d", budgetCalls, categoryCalls)
	}
	if s.IsStale("/budgets") {
		t.Fatal("refetched entry still stale")
	}

	unsubscribe()
	s.Invalidate(TagBudget)
	if len(got) != 1 {
		t.Fatal("unsubscribed callback still called")
	}
}

func TestInvalidateDuringFlightStoresStale(t *testing.T) {
	s := NewStore(10, time.Minute, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		Fetch(context.Background(), s, "/reports/dashboard", []Tag{TagReport}, func(context.Context) (string, error) {
			close(started)
			<-release
			return "old totals", nil
		})
	}()
	<-started
	s.Invalidate(TagReport)
	close(release)
	<-done

	v, stale, ok := s.Peek("/reports/dashboard")
	if !ok || v != "old totals" || !stale {
		t.Fatalf("Peek = %v stale=%v ok=%v", v, stale, ok)
	}
}

func TestOutOfOrderResponseDoesNotOverwrite(t *testing.T) {
	s := NewStore(10, time.Minute, nil)
	ctx := context.Background()
	releaseOld := make(chan struct{})
	oldStarted := make(chan struct{})
	oldDone := make(chan string)

	go func() {
		v, _ := Fetch(ctx, s, "/expenses", []Tag{TagExpense}, func(context.Context) (string, error) {
			close(oldStarted)
			<-releaseOld
			return "old", nil
		})
		oldDone <- v
	}()
	<-oldStarted

	s.Forget("/expenses")
	v, err := Fetch(ctx, s, "/expenses", []Tag{TagExpense}, func(context.Context) (string, error) {
		return "new", nil
	})
	if err != nil || v != "new" {
		t.Fatalf("second Fetch = %q, %v", v, err)
	}

	close(releaseOld)
	if got := <-oldDone; got != "old" {
		t.Fatalf("first caller got %q", got)
	}
	if v, _, _ := s.Peek("/expenses"); v != "new" {
		t.Fatalf("stale response overwrote cache: %v", v)
	}
}

func TestResetDiscardsInFlightResults(t *testing.T) {
	s := NewStore(10, time.Minute, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	Fetch(context.Background(), s, "/budgets", []Tag{TagBudget}, func(context.Context) (string, error) { return "x", nil })

	go func() {
		defer close(done)
		Fetch(context.Background(), s, "/auth/profile", []Tag{TagUser}, func(context.Context) (string, error) {
			close(started)
			<-release
			return "alice", nil
		})
	}()
	<-started
	s.Reset()
	close(release)
	<-done

	if s.Size() != 0 {
		t.Fatalf("cache holds %d entries after reset", s.Size())
	}
}

func TestFetchAfterResetDoesNotJoinPreviousFlight(t *testing.T) {
	s := NewStore(10, time.Minute, nil)
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	oldDone := make(chan string)

	go func() {
		v, _ := Fetch(ctx, s, "/categories", []Tag{TagCategory}, func(context.Context) (string, error) {
			close(started)
			<-release
			return "alice-data", nil
		})
		oldDone <- v
	}()
	<-started

	s.Reset()
	var calls int32
	v, err := Fetch(ctx, s, "/categories", []Tag{TagCategory}, counter(&calls, "bob-data"))
	if err != nil || v != "bob-data" {
		t.Fatalf("Fetch after reset = %q, %v", v, err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("fetch function ran %d times after reset, want 1", calls)
	}

	close(release)
	<-oldDone
	if v, _, _ := s.Peek("/categories"); v != "bob-data" {
		t.Fatalf("cache holds %v after the earlier flight finished", v)
	}
}

func TestForgetStartsNewFlight(t *testing.T) {
	s := NewStore(10, time.Minute, nil)
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		Fetch(ctx, s, "/budgets", []Tag{TagBudget}, func(context.Context) (string, error) {
			close(started)
			<-release
			return "old", nil
		})
	}()
	<-started

	s.Forget("/budgets")
	var calls int32
	v, err := Fetch(ctx, s, "/budgets", []Tag{TagBudget}, counter(&calls, "new"))
	close(release)
	<-done

	if err != nil || v != "new" {
		t.Fatalf("Fetch after Forget = %q, %v", v, err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("fetch function ran %d times after Forget, want 1", calls)
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	s := NewStore(10, time.Minute, nil)
	boom := errors.New("boom")
	var calls int32

	_, err := Fetch(context.Background(), s, "/budgets", nil, func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	v, err := Fetch(context.Background(), s, "/budgets", nil, counter(&calls, "ok"))
	if err != nil || v != "ok" || calls != 2 {
		t.Fatalf("retry after error: v=%q err=%v calls=%d", v, err, calls)
	}
}

func TestCancelledCallerDoesNotCancelSharedFlight(t *testing.T) {
	s := NewStore(10, time.Minute, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	fn := func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "value", ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := Fetch(ctx, s, "/categories", nil, fn)
		errCh <- err
	}()
	<-started

	other := make(chan string, 1)
	go func() {
		v, _ := Fetch(context.Background(), s, "/categories", nil, fn)
		other <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller err = %v", err)
	}
	close(release)
	if v := <-other; v != "value" {
		t.Fatalf("other caller got %q", v)
	}
	if v, _, ok := s.Peek("/categories"); !ok || v != "value" {
		t.Fatalf("cache not updated: %v %v", v, ok)
	}
}

func TestTTLExpiry(t *testing.T) {
	s := NewStore(10, time.Minute, nil)
	now := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	var calls int32

	Fetch(context.Background(), s, "/budgets", nil, counter(&calls, "a"))
	now = now.Add(30 * time.Second)
	Fetch(context.Background(), s, "/budgets", nil, counter(&calls, "b"))
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("entry expired early")
	}

	now = now.Add(2 * time.Minute)
	if n := s.CleanExpired(); n != 1 {
		t.Fatalf("CleanExpired removed %d", n)
	}
	Fetch(context.Background(), s, "/budgets", nil, counter(&calls, "c"))
	if calls != 2 {
		t.Fatalf("expired entry served from cache")
	}
}

func TestLRUEviction(t *testing.T) {
	s := NewStore(2, time.Minute, nil)
	var calls int32
	ctx := context.Background()

	Fetch(ctx, s, "a", nil, counter(&calls, "a"))
	Fetch(ctx, s, "b", nil, counter(&calls, "b"))
	Fetch(ctx, s, "a", nil, counter(&calls, "a")) // a becomes most recent
	Fetch(ctx, s, "c", nil, counter(&calls, "c"))

	if s.Size() != 2 {
		t.Fatalf("size = %d", s.Size())
	}
	if _, _, ok := s.Peek("b"); ok {
		t.Fatal("least recently used entry survived")
	}
	if _, _, ok := s.Peek("a"); !ok {
		t.Fatal("recently used entry evicted")
	}
}

func TestManagerCleanup(t *testing.T) {
	s := NewStore(10, 10*time.Millisecond, nil)
	Fetch(context.Background(), s, "k", nil, func(context.Context) (int, error) { return 1, nil })

	m := NewManager(nil)
	m.Register(s)
	m.StartCleanup(5 * time.Millisecond)
	defer m.Stop()

	deadline := time.Now().Add(time.Second)
	for s.Size() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expired entry never cleaned")
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	m.Stop()
}
