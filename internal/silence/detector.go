// Package silence watches for clients whose transaction flow has stopped.
// A client that reliably sends every few seconds and then goes quiet for
// several multiples of its expected gap is itself an anomaly, even though
// no transaction exists to score.
package silence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/metrics"
	"github.com/enterprise/txn-sentinel/internal/notify"
	"github.com/enterprise/txn-sentinel/internal/repositories"
)

// Alert is one client currently flagged silent.
type Alert struct {
	ClientID           string    `json:"client_id"`
	ExpectedGapSeconds float64   `json:"expected_gap_seconds"`
	ActualGapSeconds   float64   `json:"actual_gap_seconds"`
	LastSeen           time.Time `json:"last_seen"`
	AlertedAt          time.Time `json:"alerted_at"`
}

// candidateLister selects the established profiles worth watching.
type candidateLister interface {
	ListSilenceCandidates(ctx context.Context, minCompletedHours int64, minTps float64) ([]repositories.SilenceCandidate, error)
}

// Detector periodically scans established profiles and compares each
// client's quiet time against its expected inter-transaction gap. Alerts
// clear themselves when flow resumes.
type Detector struct {
	profiles candidateLister
	notifier notify.Notifier
	cfg      configs.SilenceConfig

	mu      sync.Mutex
	alerted map[string]*Alert

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewDetector(profiles candidateLister, notifier notify.Notifier, cfg configs.SilenceConfig) *Detector {
	return &Detector{
		profiles: profiles,
		notifier: notifier,
		cfg:      cfg,
		alerted:  make(map[string]*Alert),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic scan.
func (d *Detector) Start() {
	d.wg.Add(1)
	go d.loop()
	log.Info().
		Dur("interval", d.cfg.CheckInterval).
		Float64("multiplier", d.cfg.Multiplier).
		Msg("Silence detector started")
}

// Stop halts the scan loop and waits for it to exit.
func (d *Detector) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Detector) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, _, err := d.Check(ctx); err != nil {
				log.Error().Err(err).Msg("Silence scan failed")
			}
			cancel()
		}
	}
}

// Check runs one scan and returns how many clients were newly alerted and
// how many alerts resolved. It is also invoked directly by the forced-scan
// endpoint.
func (d *Detector) Check(ctx context.Context) (newAlerts, resolved int, err error) {
	candidates, err := d.profiles.ListSilenceCandidates(ctx, d.cfg.MinCompletedHours, d.cfg.MinExpectedTps)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list silence candidates: %w", err)
	}

	now := time.Now().UTC()
	silent := make(map[string]*Alert, len(candidates))

	for _, c := range candidates {
		if c.EwmaHourlyTps <= 0 {
			continue
		}
		expectedGap := 3600 / c.EwmaHourlyTps
		actualGap := now.Sub(c.LastUpdated).Seconds()
		if actualGap > d.cfg.Multiplier*expectedGap {
			silent[c.ClientID] = &Alert{
				ClientID:           c.ClientID,
				ExpectedGapSeconds: expectedGap,
				ActualGapSeconds:   actualGap,
				LastSeen:           c.LastUpdated,
				AlertedAt:          now,
			}
		}
	}

	d.mu.Lock()
	for clientID, alert := range silent {
		if existing, ok := d.alerted[clientID]; ok {
			// Still silent; keep the original detection time.
			existing.ActualGapSeconds = alert.ActualGapSeconds
			continue
		}
		d.alerted[clientID] = alert
		newAlerts++
		d.notify(alert)
	}
	for clientID := range d.alerted {
		if _, ok := silent[clientID]; !ok {
			delete(d.alerted, clientID)
			resolved++
			log.Info().Str("client_id", clientID).Msg("Silence resolved, flow resumed")
		}
	}
	metrics.SilentClients.Set(float64(len(d.alerted)))
	d.mu.Unlock()

	if newAlerts > 0 || resolved > 0 {
		log.Info().Int("new_alerts", newAlerts).Int("resolved", resolved).Msg("Silence scan completed")
	}
	return newAlerts, resolved, nil
}

func (d *Detector) notify(alert *Alert) {
	if d.notifier == nil {
		return
	}
	d.notifier.Notify(notify.Event{
		Kind:     notify.KindSilence,
		ClientID: alert.ClientID,
		Message: fmt.Sprintf("client %s silent for %.0fs, expected gap %.0fs",
			alert.ClientID, alert.ActualGapSeconds, alert.ExpectedGapSeconds),
		Timestamp: alert.AlertedAt,
	})
}

// Alerted returns the current alerts sorted by client ID.
func (d *Detector) Alerted() []Alert {
	d.mu.Lock()
	out := make([]Alert, 0, len(d.alerted))
	for _, alert := range d.alerted {
		out = append(out, *alert)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
