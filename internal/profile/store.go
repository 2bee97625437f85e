package profile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/repositories"
)

// profileRepo is the slice of the profile repository the store uses.
type profileRepo interface {
	Get(ctx context.Context, clientID string) (*models.ClientProfile, error)
	Upsert(ctx context.Context, profile *models.ClientProfile) error
}

// Store owns client behavioral profiles: a write-through in-memory cache in
// front of Postgres. Profiles are mutated only by the evaluation lane that
// owns the client, so the cache hands out shared pointers; the store's lock
// guards only the map itself.
type Store struct {
	repo     profileRepo
	counters *Counters
	alpha    float64
	loc      *time.Location

	mu    sync.RWMutex
	cache map[string]*models.ClientProfile
}

// NewStore creates a profile store. alpha is the EWMA smoothing factor; loc
// fixes the seasonal slots' clock (nil means UTC).
func NewStore(repo profileRepo, counters *Counters, alpha float64, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{
		repo:     repo,
		counters: counters,
		alpha:    alpha,
		loc:      loc,
		cache:    make(map[string]*models.ClientProfile),
	}
}

// GetOrCreate returns the client's profile, loading it from storage on a
// cache miss and creating a fresh one when the client has never been seen.
func (s *Store) GetOrCreate(ctx context.Context, clientID string) (*models.ClientProfile, error) {
	s.mu.RLock()
	p, ok := s.cache[clientID]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := s.repo.Get(ctx, clientID)
	if err != nil {
		if !errors.Is(err, repositories.ErrProfileNotFound) {
			return nil, fmt.Errorf("failed to load profile for %s: %w", clientID, err)
		}
		p = newProfile(clientID, time.Now().UTC())
	}
	ensureMaps(p)

	s.mu.Lock()
	if cached, ok := s.cache[clientID]; ok {
		p = cached // another lane loaded first; keep one instance per client
	} else {
		s.cache[clientID] = p
	}
	s.mu.Unlock()
	return p, nil
}

// Get returns the profile without creating one; callers use it for
// read-only lookups. Returns ErrProfileNotFound for unseen clients.
func (s *Store) Get(ctx context.Context, clientID string) (*models.ClientProfile, error) {
	s.mu.RLock()
	p, ok := s.cache[clientID]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}
	return s.repo.Get(ctx, clientID)
}

// Save persists the profile.
func (s *Store) Save(ctx context.Context, p *models.ClientProfile) error {
	return s.repo.Upsert(ctx, p)
}

// Apply folds a transaction into the profile's statistics and reports
// whether the beneficiary was seen for the first time. It must run before
// Counters.Record for the same transaction: bucket rollover reads the
// closing bucket's live totals.
func (s *Store) Apply(p *models.ClientProfile, txn models.Transaction) bool {
	ts := txn.Timestamp

	// Amount statistics: overall, per type, per beneficiary.
	p.Amount.Observe(txn.Amount, s.alpha)
	p.AmountStdDev = p.Amount.StdDev()

	typeStat := p.AmountByType[txn.TxnType]
	if typeStat == nil {
		typeStat = &models.RunningStat{}
		p.AmountByType[txn.TxnType] = typeStat
	}
	typeStat.Observe(txn.Amount, s.alpha)

	newBeneficiary := false
	if key := txn.BeneficiaryKey(); key != "" {
		stat := p.Beneficiaries[key]
		if stat == nil {
			stat = &models.BeneficiaryStat{}
			p.Beneficiaries[key] = stat
			p.DistinctBeneficiaryCount++
			newBeneficiary = true
		}
		stat.Observe(txn.Amount, s.alpha)
		stat.LastSeen = ts
		stat.LastAmount = txn.Amount
	}

	// Bucket rollover: the first transaction of a new hour (day) closes the
	// previous live bucket, folding its totals in as one sample each.
	hourBucket := HourBucket(ts)
	if p.LastHourBucket != 0 && hourBucket != p.LastHourBucket {
		count, paise := s.counters.HourTotals(p.ClientID, p.LastHourBucket)
		p.HourlyTps.Observe(float64(count), s.alpha)
		p.HourlyAmount.Observe(Rupees(paise), s.alpha)
	}
	p.LastHourBucket = hourBucket

	dayBucket := DayBucket(ts)
	if p.LastDayBucket != 0 && dayBucket != p.LastDayBucket {
		_, paise, newBene := s.counters.DayTotals(p.ClientID, p.LastDayBucket)
		p.DailyAmount.Observe(Rupees(paise), s.alpha)
		p.DailyNewBeneficiaries.Observe(float64(newBene), s.alpha)
	}
	p.LastDayBucket = dayBucket

	// Seasonal slots keyed on the configured clock.
	local := ts.In(s.loc)
	slot := p.SeasonalHourly[HourSlot(local)]
	if slot == nil {
		slot = &models.RunningStat{}
		p.SeasonalHourly[HourSlot(local)] = slot
	}
	slot.Observe(txn.Amount, s.alpha)

	slot = p.SeasonalDaily[DaySlot(local)]
	if slot == nil {
		slot = &models.RunningStat{}
		p.SeasonalDaily[DaySlot(local)] = slot
	}
	slot.Observe(txn.Amount, s.alpha)

	p.TotalTxnCount++
	p.TxnTypeCounts[txn.TxnType]++
	p.LastUpdated = ts
	return newBeneficiary
}

// Location returns the timezone used for seasonal hour/day slots.
func (s *Store) Location() *time.Location {
	return s.loc
}

// EnsureHydrated restores the client's live counters after a restart.
func (s *Store) EnsureHydrated(ctx context.Context, p *models.ClientProfile, now time.Time) error {
	return s.counters.EnsureHydrated(ctx, p, now)
}

// Snapshot reads the evaluator's live-counter view for the transaction.
func (s *Store) Snapshot(txn models.Transaction) Snapshot {
	return s.counters.Snapshot(txn)
}

// Record folds the processed transaction into the live counters.
func (s *Store) Record(txn models.Transaction, newBeneficiary bool) {
	s.counters.Record(txn, newBeneficiary)
}

func newProfile(clientID string, now time.Time) *models.ClientProfile {
	return &models.ClientProfile{
		ClientID:       clientID,
		AmountByType:   make(map[string]*models.RunningStat),
		TxnTypeCounts:  make(map[string]int64),
		Beneficiaries:  make(map[string]*models.BeneficiaryStat),
		SeasonalHourly: make(map[string]*models.RunningStat),
		SeasonalDaily:  make(map[string]*models.RunningStat),
		CreatedAt:      now,
	}
}

// ensureMaps repairs nil maps on profiles decoded from storage.
func ensureMaps(p *models.ClientProfile) {
	if p.AmountByType == nil {
		p.AmountByType = make(map[string]*models.RunningStat)
	}
	if p.TxnTypeCounts == nil {
		p.TxnTypeCounts = make(map[string]int64)
	}
	if p.Beneficiaries == nil {
		p.Beneficiaries = make(map[string]*models.BeneficiaryStat)
	}
	if p.SeasonalHourly == nil {
		p.SeasonalHourly = make(map[string]*models.RunningStat)
	}
	if p.SeasonalDaily == nil {
		p.SeasonalDaily = make(map[string]*models.RunningStat)
	}
}

// HourSlot returns the seasonal hour-of-day key, "00".."23".
func HourSlot(t time.Time) string {
	return fmt.Sprintf("%02d", t.Hour())
}

// DaySlot returns the seasonal day-of-week key, "1".."7" with Monday=1.
func DaySlot(t time.Time) string {
	d := int(t.Weekday())
	if d == 0 {
		d = 7
	}
	return strconv.Itoa(d)
}
