package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
)

var fixedNow = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, backend Backend, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	s, err := Open(context.Background(), backend, opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func researchProfile(category domain.Category, confidence float64, samples ...domain.Amount) domain.MerchantProfile {
	return domain.MerchantProfile{
		Category:      category,
		Confidence:    confidence,
		Source:        domain.SourceResearch,
		SampleAmounts: samples,
		HitCount:      1,
	}
}

func TestStore_PutAndGet(t *testing.T) {
	s := openTestStore(t, NewMemoryBackend())
	ctx := context.Background()

	if _, ok := s.Get("amzn mktp"); ok {
		t.Fatal("Expected miss on empty store")
	}

	stored, err := s.Put(ctx, "amzn mktp", researchProfile(domain.CategoryShopping, 0.9, -2599))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if stored.MerchantKey != "amzn mktp" {
		t.Errorf("MerchantKey = %q, want %q", stored.MerchantKey, "amzn mktp")
	}
	if !stored.LastValidated.Equal(fixedNow) {
		t.Errorf("LastValidated = %v, want %v", stored.LastValidated, fixedNow)
	}

	got, ok := s.Get("amzn mktp")
	if !ok {
		t.Fatal("Expected hit after Put")
	}
	if got.Category != domain.CategoryShopping || got.Confidence != 0.9 {
		t.Errorf("Get = %+v", got)
	}

	// Mutating the returned copy must not leak into the store.
	got.SampleAmounts[0] = 1
	again, _ := s.Get("amzn mktp")
	if again.SampleAmounts[0] != -2599 {
		t.Error("Get returned a shared slice")
	}
}

func TestStore_PutOverwriteRules(t *testing.T) {
	tests := []struct {
		name         string
		existing     domain.MerchantProfile
		incoming     domain.MerchantProfile
		override     bool
		wantCategory domain.Category
		wantConf     float64
	}{
		{
			name:         "higher confidence replaces",
			existing:     researchProfile(domain.CategoryShopping, 0.6),
			incoming:     researchProfile(domain.CategoryGroceries, 0.8),
			wantCategory: domain.CategoryGroceries,
			wantConf:     0.8,
		},
		{
			name:         "equal confidence replaces",
			existing:     researchProfile(domain.CategoryShopping, 0.8),
			incoming:     researchProfile(domain.CategoryGroceries, 0.8),
			wantCategory: domain.CategoryGroceries,
			wantConf:     0.8,
		},
		{
			name:         "lower confidence is ignored",
			existing:     researchProfile(domain.CategoryShopping, 0.9),
			incoming:     researchProfile(domain.CategoryGroceries, 0.7),
			wantCategory: domain.CategoryShopping,
			wantConf:     0.9,
		},
		{
			name:         "research override after rejection replaces",
			existing:     researchProfile(domain.CategoryFuel, 0.65),
			incoming:     researchProfile(domain.CategoryShopping, 0.5),
			override:     true,
			wantCategory: domain.CategoryShopping,
			wantConf:     0.5,
		},
		{
			name: "override does not apply to non-research sources",
			existing: domain.MerchantProfile{
				Category: domain.CategoryTaxes, Confidence: 1, Source: domain.SourceRule,
			},
			incoming: domain.MerchantProfile{
				Category: domain.CategoryFees, Confidence: 0.5, Source: domain.SourceMemory,
			},
			override:     true,
			wantCategory: domain.CategoryTaxes,
			wantConf:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t, NewMemoryBackend())
			ctx := context.Background()

			if _, err := s.Put(ctx, "merchant", tt.existing); err != nil {
				t.Fatalf("seed Put failed: %v", err)
			}

			var opts []PutOption
			if tt.override {
				opts = append(opts, OverridePrior())
			}
			got, err := s.Put(ctx, "merchant", tt.incoming, opts...)
			if err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if got.Category != tt.wantCategory || got.Confidence != tt.wantConf {
				t.Errorf("Put result = (%s, %v), want (%s, %v)", got.Category, got.Confidence, tt.wantCategory, tt.wantConf)
			}
			stored, _ := s.Get("merchant")
			if stored.Category != tt.wantCategory || stored.Confidence != tt.wantConf {
				t.Errorf("Get = (%s, %v), want (%s, %v)", stored.Category, stored.Confidence, tt.wantCategory, tt.wantConf)
			}
		})
	}
}

func TestStore_SampleWindow(t *testing.T) {
	s := openTestStore(t, NewMemoryBackend(), WithMaxSamples(3))
	ctx := context.Background()

	if _, err := s.Put(ctx, "cepsa", researchProfile(domain.CategoryFuel, 0.9, -4000, -4500)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := s.Put(ctx, "cepsa", researchProfile(domain.CategoryFuel, 0.9, -5000, -5500)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, _ := s.Get("cepsa")
	want := []domain.Amount{-4500, -5000, -5500}
	if fmt.Sprint(got.SampleAmounts) != fmt.Sprint(want) {
		t.Errorf("SampleAmounts = %v, want %v", got.SampleAmounts, want)
	}
	if got.HitCount != 2 {
		t.Errorf("HitCount = %d, want 2", got.HitCount)
	}

	// A category change drops samples of the old category.
	if _, err := s.Put(ctx, "cepsa", researchProfile(domain.CategoryShopping, 0.95, -1000)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, _ = s.Get("cepsa")
	if fmt.Sprint(got.SampleAmounts) != fmt.Sprint([]domain.Amount{-1000}) {
		t.Errorf("SampleAmounts after category change = %v", got.SampleAmounts)
	}
}

func TestStore_RecordObservation(t *testing.T) {
	s := openTestStore(t, NewMemoryBackend())
	ctx := context.Background()

	ok, err := s.RecordObservation(ctx, "unknown", -100)
	if err != nil || ok {
		t.Fatalf("RecordObservation on unknown key = (%v, %v), want (false, nil)", ok, err)
	}

	if _, err := s.Put(ctx, "mercadona", researchProfile(domain.CategoryGroceries, 0.9)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	ok, err = s.RecordObservation(ctx, "mercadona", -3250)
	if err != nil || !ok {
		t.Fatalf("RecordObservation = (%v, %v), want (true, nil)", ok, err)
	}

	got, _ := s.Get("mercadona")
	if got.HitCount != 2 || len(got.SampleAmounts) != 1 || got.SampleAmounts[0] != -3250 {
		t.Errorf("profile after observation = %+v", got)
	}
	if got.Category != domain.CategoryGroceries || got.Confidence != 0.9 {
		t.Errorf("observation changed category/confidence: %+v", got)
	}
}

func TestStore_ConcurrentPutsSameKey(t *testing.T) {
	s := openTestStore(t, NewMemoryBackend(), WithMaxSamples(1000))
	ctx := context.Background()

	const writers = 64
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := researchProfile(domain.CategoryGroceries, 0.5+float64(i)/200, domain.Amount(-i-1))
			if _, err := s.Put(ctx, "lidl", p); err != nil {
				t.Errorf("Put %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := s.Get("lidl")
	if got.HitCount != writers {
		t.Errorf("HitCount = %d, want %d (lost update)", got.HitCount, writers)
	}
	if len(got.SampleAmounts) != writers {
		t.Errorf("len(SampleAmounts) = %d, want %d (lost update)", len(got.SampleAmounts), writers)
	}
	wantConf := 0.5 + float64(writers-1)/200
	if got.Confidence != wantConf {
		t.Errorf("Confidence = %v, want highest written %v", got.Confidence, wantConf)
	}
}

type failingBackend struct {
	*MemoryBackend
}

func (f failingBackend) Save(ctx context.Context, p domain.MerchantProfile) error {
	return errors.New("disk full")
}

func TestStore_PutBackendFailureLeavesMemoryUntouched(t *testing.T) {
	s := openTestStore(t, failingBackend{NewMemoryBackend()})

	if _, err := s.Put(context.Background(), "ikea", researchProfile(domain.CategoryShopping, 0.9)); err == nil {
		t.Fatal("Expected error from failing backend")
	}
	if _, ok := s.Get("ikea"); ok {
		t.Error("Profile visible although it was never persisted")
	}
}

func TestStore_WithSingleFlight(t *testing.T) {
	s := openTestStore(t, NewMemoryBackend())

	const callers = 50
	var (
		calls   atomic.Int32
		entered atomic.Int32
		wg      sync.WaitGroup
		results = make([]Resolution, callers)
	)

	resolve := func(ctx context.Context) (Resolution, error) {
		calls.Add(1)
		for entered.Load() < callers {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(50 * time.Millisecond)
		return Resolution{Profile: researchProfile(domain.CategoryShopping, 0.9)}, nil
	}

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entered.Add(1)
			res, _, err := s.WithSingleFlight(context.Background(), "new merchant", resolve)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("resolver called %d times, want 1", got)
	}
	for i, r := range results {
		if r.Profile.Category != domain.CategoryShopping {
			t.Errorf("caller %d got %q", i, r.Profile.Category)
		}
	}
}

func TestStore_WithSingleFlightCancelledCallerDoesNotBlockKey(t *testing.T) {
	s := openTestStore(t, NewMemoryBackend(), WithFlightDeadline(200*time.Millisecond))

	blocking := func(ctx context.Context) (Resolution, error) {
		<-ctx.Done()
		return Resolution{}, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.WithSingleFlight(ctx, "stuck", blocking); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The abandoned group must finish within its deadline; afterwards a new
	// resolution for the same key runs normally.
	deadline := time.After(2 * time.Second)
	for {
		res, _, err := s.WithSingleFlight(context.Background(), "stuck", func(ctx context.Context) (Resolution, error) {
			return Resolution{Profile: researchProfile(domain.CategoryServices, 0.8)}, nil
		})
		if err == nil && res.Profile.Category == domain.CategoryServices {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("key still blocked: res=%+v err=%v", res, err)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestStore_WithSingleFlightRecoversPanic(t *testing.T) {
	s := openTestStore(t, NewMemoryBackend())

	_, _, err := s.WithSingleFlight(context.Background(), "boom", func(ctx context.Context) (Resolution, error) {
		panic("resolver bug")
	})
	if err == nil {
		t.Fatal("Expected error from panicking resolver")
	}
}

func TestOpen_RejectsInvalidProfiles(t *testing.T) {
	backend := NewMemoryBackend()
	_ = backend.Save(context.Background(), domain.MerchantProfile{
		MerchantKey: "bad", Category: "Misc", Confidence: 0.5, Source: domain.SourceResearch,
	})

	_, err := Open(context.Background(), backend)
	if !errors.Is(err, ErrStoreCorrupted) {
		t.Fatalf("Open error = %v, want ErrStoreCorrupted", err)
	}
}

func TestStore_ClosedStoreRejectsWrites(t *testing.T) {
	s, err := Open(context.Background(), NewMemoryBackend())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.Close()

	if _, err := s.Put(context.Background(), "x", researchProfile(domain.CategoryFees, 0.9)); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Put after Close error = %v, want ErrStoreClosed", err)
	}
}
