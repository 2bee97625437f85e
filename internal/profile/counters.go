package profile

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/internal/models"
)

const (
	hourSeconds = 3600
	daySeconds  = 86400
)

// HourBucket returns the hour index of ts (floor of unix seconds / 3600).
func HourBucket(ts time.Time) int64 { return ts.Unix() / hourSeconds }

// DayBucket returns the day index of ts (floor of unix seconds / 86400).
func DayBucket(ts time.Time) int64 { return ts.Unix() / daySeconds }

// Paise converts a rupee amount to paise for atomic accumulation.
func Paise(amount float64) int64 { return int64(math.Round(amount * 100)) }

// Rupees converts paise back to a rupee amount.
func Rupees(paise int64) float64 { return float64(paise) / 100 }

// Snapshot is the live-counter view handed to the rule evaluators. It is
// taken after profile load and before rule dispatch. Counters are bumped
// only after a result is persisted, so a transaction never sees its own
// amounts in its snapshot.
type Snapshot struct {
	HourlyTxnCount         int64
	HourlyAmountPaise      int64
	DailyTxnCount          int64
	DailyAmountPaise       int64
	BeneficiaryTxnCount    int64
	BeneficiaryAmountPaise int64
	BeneficiaryTypes       int // distinct txn types in the hour window, incl. this txn's
	NewBeneficiariesToday  int64
	BeneficiaryKey         string
}

// HourlyAmount returns the hour window total in rupees.
func (s Snapshot) HourlyAmount() float64 { return Rupees(s.HourlyAmountPaise) }

// DailyAmount returns the day window total in rupees.
func (s Snapshot) DailyAmount() float64 { return Rupees(s.DailyAmountPaise) }

// BeneficiaryAmount returns the beneficiary hour window total in rupees.
func (s Snapshot) BeneficiaryAmount() float64 { return Rupees(s.BeneficiaryAmountPaise) }

type counterKey struct {
	clientID string
	bucket   int64
}

type beneCounterKey struct {
	clientID string
	bene     string
	bucket   int64
}

type bucketCounter struct {
	count       atomic.Int64
	amountPaise atomic.Int64
}

// beneWindow also tracks the distinct txn types seen for the beneficiary
// within the window, for the cross-channel rule.
type beneWindow struct {
	count       atomic.Int64
	amountPaise atomic.Int64

	mu    sync.Mutex
	types map[string]struct{}
}

func (w *beneWindow) addType(txnType string) {
	w.mu.Lock()
	w.types[txnType] = struct{}{}
	w.mu.Unlock()
}

// distinctTypes counts the window's types plus the pending one.
func (w *beneWindow) distinctTypes(pending string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.types[pending]; ok || pending == "" {
		return len(w.types)
	}
	return len(w.types) + 1
}

type beneSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (s *beneSet) add(key string) {
	s.mu.Lock()
	s.keys[key] = struct{}{}
	s.mu.Unlock()
}

func (s *beneSet) size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.keys))
}

// txnLister is the slice of the transaction repository the counter store
// needs for rebuilding today's windows after a restart.
type txnLister interface {
	ListForClientSince(ctx context.Context, clientID string, since time.Time) ([]*models.Transaction, error)
}

// Counters is the in-memory live counter store: current-hour and
// current-day rolling counts per client and per beneficiary, plus the
// "new beneficiaries today" set. Scalar counters are atomic; the sets are
// mutex-guarded. Entries older than two buckets are evicted by the janitor.
type Counters struct {
	txns txnLister

	mu        sync.RWMutex
	hours     map[counterKey]*bucketCounter
	days      map[counterKey]*bucketCounter
	beneHours map[beneCounterKey]*beneWindow
	beneDays  map[beneCounterKey]*bucketCounter
	newBene   map[counterKey]*beneSet
	hydrated  map[string]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCounters creates an empty counter store. txns may be nil, in which
// case restart rehydration is disabled and counters start from zero.
func NewCounters(txns txnLister) *Counters {
	return &Counters{
		txns:      txns,
		hours:     make(map[counterKey]*bucketCounter),
		days:      make(map[counterKey]*bucketCounter),
		beneHours: make(map[beneCounterKey]*beneWindow),
		beneDays:  make(map[beneCounterKey]*bucketCounter),
		newBene:   make(map[counterKey]*beneSet),
		hydrated:  make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
}

// Snapshot reads the current buckets for the transaction's client and
// beneficiary. Stale buckets read as zero because the bucket index is part
// of the key.
func (c *Counters) Snapshot(txn models.Transaction) Snapshot {
	hb := HourBucket(txn.Timestamp)
	db := DayBucket(txn.Timestamp)
	bene := txn.BeneficiaryKey()

	snap := Snapshot{BeneficiaryKey: bene}

	c.mu.RLock()
	hour := c.hours[counterKey{txn.ClientID, hb}]
	day := c.days[counterKey{txn.ClientID, db}]
	var window *beneWindow
	if bene != "" {
		window = c.beneHours[beneCounterKey{txn.ClientID, bene, hb}]
	}
	set := c.newBene[counterKey{txn.ClientID, db}]
	c.mu.RUnlock()

	if hour != nil {
		snap.HourlyTxnCount = hour.count.Load()
		snap.HourlyAmountPaise = hour.amountPaise.Load()
	}
	if day != nil {
		snap.DailyTxnCount = day.count.Load()
		snap.DailyAmountPaise = day.amountPaise.Load()
	}
	if window != nil {
		snap.BeneficiaryTxnCount = window.count.Load()
		snap.BeneficiaryAmountPaise = window.amountPaise.Load()
		snap.BeneficiaryTypes = window.distinctTypes(txn.TxnType)
	} else if bene != "" {
		snap.BeneficiaryTypes = 1 // only the pending transaction's type
	}
	if set != nil {
		snap.NewBeneficiariesToday = set.size()
	}
	return snap
}

// HourTotals returns the accumulated count and paise for a specific hour
// bucket; the profile updater reads the closing bucket here on rollover.
func (c *Counters) HourTotals(clientID string, bucket int64) (int64, int64) {
	c.mu.RLock()
	hour := c.hours[counterKey{clientID, bucket}]
	c.mu.RUnlock()
	if hour == nil {
		return 0, 0
	}
	return hour.count.Load(), hour.amountPaise.Load()
}

// DayTotals returns the accumulated count, paise, and new-beneficiary count
// for a specific day bucket.
func (c *Counters) DayTotals(clientID string, bucket int64) (int64, int64, int64) {
	c.mu.RLock()
	day := c.days[counterKey{clientID, bucket}]
	set := c.newBene[counterKey{clientID, bucket}]
	c.mu.RUnlock()

	var count, paise, newBene int64
	if day != nil {
		count = day.count.Load()
		paise = day.amountPaise.Load()
	}
	if set != nil {
		newBene = set.size()
	}
	return count, paise, newBene
}

// Record folds a processed transaction into the live counters. It runs on
// the client's evaluation lane after the result is persisted, so the next
// snapshot for the client sees it.
func (c *Counters) Record(txn models.Transaction, newBeneficiary bool) {
	hb := HourBucket(txn.Timestamp)
	db := DayBucket(txn.Timestamp)
	paise := Paise(txn.Amount)
	bene := txn.BeneficiaryKey()

	hour := c.hourCounter(counterKey{txn.ClientID, hb})
	hour.count.Add(1)
	hour.amountPaise.Add(paise)

	day := c.dayCounter(counterKey{txn.ClientID, db})
	day.count.Add(1)
	day.amountPaise.Add(paise)

	if bene != "" {
		window := c.beneHourWindow(beneCounterKey{txn.ClientID, bene, hb})
		window.count.Add(1)
		window.amountPaise.Add(paise)
		window.addType(txn.TxnType)

		bd := c.beneDayCounter(beneCounterKey{txn.ClientID, bene, db})
		bd.count.Add(1)
		bd.amountPaise.Add(paise)

		if newBeneficiary {
			c.newBeneSet(counterKey{txn.ClientID, db}).add(bene)
		}
	}
}

// EnsureHydrated rebuilds today's counters and the new-beneficiary set from
// persisted transactions on the first touch of a client after process
// start. A beneficiary counts as new today iff all of its profile history
// falls on the current day. Failure leaves the client unhydrated so the
// next touch retries.
func (c *Counters) EnsureHydrated(ctx context.Context, p *models.ClientProfile, now time.Time) error {
	c.mu.RLock()
	_, done := c.hydrated[p.ClientID]
	c.mu.RUnlock()
	if done {
		return nil
	}
	if c.txns == nil || p.TotalTxnCount == 0 {
		c.markHydrated(p.ClientID)
		return nil
	}

	db := DayBucket(now)
	dayStart := time.Unix(db*daySeconds, 0).UTC()
	txns, err := c.txns.ListForClientSince(ctx, p.ClientID, dayStart)
	if err != nil {
		return err
	}

	todayByBene := make(map[string]int64)
	for _, txn := range txns {
		c.Record(*txn, false)
		if key := txn.BeneficiaryKey(); key != "" {
			todayByBene[key]++
		}
	}
	for key, todayCount := range todayByBene {
		stat, ok := p.Beneficiaries[key]
		if !ok || stat.Count <= todayCount {
			c.newBeneSet(counterKey{p.ClientID, db}).add(key)
		}
	}

	c.markHydrated(p.ClientID)
	log.Debug().
		Str("client_id", p.ClientID).
		Int("transactions", len(txns)).
		Msg("rehydrated live counters")
	return nil
}

func (c *Counters) markHydrated(clientID string) {
	c.mu.Lock()
	c.hydrated[clientID] = struct{}{}
	c.mu.Unlock()
}

// StartJanitor begins periodic eviction of buckets older than two periods.
func (c *Counters) StartJanitor(interval time.Duration) {
	c.wg.Add(1)
	go c.janitorLoop(interval)
}

// Stop halts the janitor and waits for it to exit.
func (c *Counters) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Counters) janitorLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.Sweep(now)
		}
	}
}

// Sweep evicts counters more than two buckets behind now.
func (c *Counters) Sweep(now time.Time) {
	minHour := HourBucket(now) - 2
	minDay := DayBucket(now) - 2

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.hours {
		if key.bucket < minHour {
			delete(c.hours, key)
		}
	}
	for key := range c.days {
		if key.bucket < minDay {
			delete(c.days, key)
		}
	}
	for key := range c.beneHours {
		if key.bucket < minHour {
			delete(c.beneHours, key)
		}
	}
	for key := range c.beneDays {
		if key.bucket < minDay {
			delete(c.beneDays, key)
		}
	}
	for key := range c.newBene {
		if key.bucket < minDay {
			delete(c.newBene, key)
		}
	}
}

func (c *Counters) hourCounter(key counterKey) *bucketCounter {
	c.mu.RLock()
	counter := c.hours[key]
	c.mu.RUnlock()
	if counter != nil {
		return counter
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if counter = c.hours[key]; counter == nil {
		counter = &bucketCounter{}
		c.hours[key] = counter
	}
	return counter
}

func (c *Counters) dayCounter(key counterKey) *bucketCounter {
	c.mu.RLock()
	counter := c.days[key]
	c.mu.RUnlock()
	if counter != nil {
		return counter
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if counter = c.days[key]; counter == nil {
		counter = &bucketCounter{}
		c.days[key] = counter
	}
	return counter
}

func (c *Counters) beneHourWindow(key beneCounterKey) *beneWindow {
	c.mu.RLock()
	window := c.beneHours[key]
	c.mu.RUnlock()
	if window != nil {
		return window
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if window = c.beneHours[key]; window == nil {
		window = &beneWindow{types: make(map[string]struct{})}
		c.beneHours[key] = window
	}
	return window
}

func (c *Counters) beneDayCounter(key beneCounterKey) *bucketCounter {
	c.mu.RLock()
	counter := c.beneDays[key]
	c.mu.RUnlock()
	if counter != nil {
		return counter
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if counter = c.beneDays[key]; counter == nil {
		counter = &bucketCounter{}
		c.beneDays[key] = counter
	}
	return counter
}

func (c *Counters) newBeneSet(key counterKey) *beneSet {
	c.mu.RLock()
	set := c.newBene[key]
	c.mu.RUnlock()
	if set != nil {
		return set
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if set = c.newBene[key]; set == nil {
		set = &beneSet{keys: make(map[string]struct{})}
		c.newBene[key] = set
	}
	return set
}
