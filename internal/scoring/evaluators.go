package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/profile"
)

// Context is the read-only view an evaluator inspects: the transaction,
// the client profile as it stood before this transaction, and the live
// counter snapshot taken before dispatch.
type Context struct {
	Txn      models.Transaction
	Profile  *models.ClientProfile
	Live     profile.Snapshot
	Defaults configs.RuleDefaults
	Loc      *time.Location
}

// outcome is one evaluator's verdict before the engine attaches rule
// identity and weight.
type outcome struct {
	triggered    bool
	deviationPct float64
	partialScore float64
	reason       string
}

// evaluator inspects one transaction under one rule. Errors are swallowed
// by the engine: logged, counted, and the rule treated as not-triggered.
type evaluator func(ctx context.Context, ec *Context, rule *models.AnomalyRule) (outcome, error)

// statisticalEvaluators builds the dispatch table for the twelve
// statistical rule types. The Isolation Forest evaluator is registered
// separately by the engine because it carries the model store.
func statisticalEvaluators() map[string]evaluator {
	return map[string]evaluator{
		models.RuleAmountAnomaly:     evalAmountAnomaly,
		models.RuleAmountPerType:     evalAmountPerType,
		models.RuleHourlyAmount:      evalHourlyAmount,
		models.RuleTpsSpike:          evalTpsSpike,
		models.RuleTransactionType:   evalTransactionType,
		models.RuleBeneConcentration: evalBeneficiaryConcentration,
		models.RuleDailyCumulative:   evalDailyCumulative,
		models.RuleNewBeneVelocity:   evalNewBeneVelocity,
		models.RuleDormancyBreak:     evalDormancyBreak,
		models.RuleCrossChannelBene:  evalCrossChannelBene,
		models.RuleSeasonalDeviation: evalSeasonalDeviation,
		models.RuleCvStability:       evalCvStability,
	}
}

// bandDeviation measures how far observed exceeds the variance band above
// expected: 0 at the band edge, 100 one full band width past it. The
// second return is false when the observation sits inside the band or the
// band is undefined.
func bandDeviation(observed, expected, variancePct float64) (float64, bool) {
	if expected <= 0 || variancePct <= 0 {
		return 0, false
	}
	threshold := expected * (1 + variancePct/100)
	if observed <= threshold {
		return 0, false
	}
	return (observed - threshold) / (expected * variancePct / 100) * 100, true
}

// capScore clamps a deviation to the 0..100 partial score range.
func capScore(deviationPct float64) float64 {
	return math.Min(100, math.Max(0, deviationPct))
}

func evalAmountAnomaly(_ context.Context, ec *Context, rule *models.AnomalyRule) (outcome, error) {
	if ec.Profile.TotalTxnCount < 2 {
		return outcome{}, nil
	}
	v := ec.Defaults.Variance(rule.VariancePct)
	ewma := ec.Profile.Amount.Ewma

	dev, over := bandDeviation(ec.Txn.Amount, ewma, v)
	if !over {
		return outcome{}, nil
	}
	return outcome{
		triggered:    true,
		deviationPct: dev,
		partialScore: capScore(dev),
		reason: fmt.Sprintf("amount %.2f exceeds expected %.2f by more than %.0f%%",
			ec.Txn.Amount, ewma, v),
	}, nil
}

func evalAmountPerType(_ context.Context, ec *Context, rule *models.AnomalyRule) (outcome, error) {
	minSamples := int64(rule.Param("minTypeSamples", float64(ec.Defaults.MinTypeSamples)))
	stat, ok := ec.Profile.AmountByType[ec.Txn.TxnType]
	if !ok || stat.Count < minSamples {
		return outcome{}, nil
	}
	v := ec.Defaults.Variance(rule.VariancePct)

	dev, over := bandDeviation(ec.Txn.Amount, stat.Ewma, v)
	if !over {
		return outcome{}, nil
	}
	return outcome{
		triggered:    true,
		deviationPct: dev,
		partialScore: capScore(dev),
		reason: fmt.Sprintf("%s amount %.2f exceeds type expected %.2f by more than %.0f%%",
			ec.Txn.TxnType, ec.Txn.Amount, stat.Ewma, v),
	}, nil
}

func evalHourlyAmount(_ context.Context, ec *Context, rule *models.AnomalyRule) (outcome, error) {
	if ec.Profile.HourlyAmount.Count == 0 {
		return outcome{}, nil
	}
	v := ec.Defaults.Variance(rule.VariancePct)
	observed := ec.Live.HourlyAmount()
	expected := ec.Profile.HourlyAmount.Ewma

	dev, over := bandDeviation(observed, expected, v)
	if !over {
		return outcome{}, nil
	}
	return outcome{
		triggered:    true,
		deviationPct: dev,
		partialScore: capScore(dev),
		reason: fmt.Sprintf("hourly amount %.2f exceeds expected %.2f by more than %.0f%%",
			observed, expected, v),
	}, nil
}

func evalTpsSpike(_ context.Context, ec *Context, rule *models.AnomalyRule) (outcome, error) {
	if ec.Profile.HourlyTps.Count == 0 {
		return outcome{}, nil
	}
	v := ec.Defaults.Variance(rule.VariancePct)
	observed := float64(ec.Live.HourlyTxnCount)
	expected := ec.Profile.HourlyTps.Ewma

	dev, over := bandDeviation(observed, expected, v)
	if !over {
		return outcome{}, nil
	}
	return outcome{
		triggered:    true,
		deviationPct: dev,
		partialScore: capScore(dev),
		reason: fmt.Sprintf("hourly txn count %.0f exceeds expected %.2f by more than %.0f%%",
			observed, expected, v),
	}, nil
}

func evalTransactionType(_ context.Context, ec *Context, rule *models.AnomalyRule) (outcome, error) {
	minRepeat := int64(rule.Param("minRepeatCount", float64(ec.Defaults.MinRepeatCount)))
	if ec.Profile.TotalTxnCount < minRepeat {
		return outcome{}, nil
	}
	minFreqPct := rule.Param("minTypeFrequencyPct", ec.Defaults.MinTypeFrequencyPct)
	minFreq := minFreqPct / 100
	if minFreq <= 0 {
		return outcome{}, nil
	}

	freq := float64(ec.Profile.TxnTypeCounts[ec.Txn.TxnType]) / float64(ec.Profile.TotalTxnCount)
	if freq >= minFreq {
		return outcome{}, nil
	}
	score := 100 * (1 - freq/minFreq)
	return outcome{
		triggered:    true,
		deviationPct: score,
		partialScore: capScore(score),
		reason: fmt.Sprintf("type %s frequency %.2f%% below expected minimum %.2f%%",
			ec.Txn.TxnType, freq*100, minFreqPct),
	}, nil
}

func evalBeneficiaryConcentration(_ context.Context, ec *Context, rule *models.AnomalyRule) (outcome, error) {
	key := ec.Txn.BeneficiaryKey()
	if key == "" {
		return outcome{}, nil
	}
	minDistinct := int64(rule.Param("minDistinctBeneficiaries", float64(ec.Defaults.MinDistinctBeneficiaries)))
	if ec.Profile.DistinctBeneficiaryCount < minDistinct || ec.Profile.TotalTxnCount == 0 {
		return outcome{}, nil
	}
	stat, ok := ec.Profile.Beneficiaries[key]
	if !ok {
		return outcome{}, nil
	}

	v := ec.Defaults.Variance(rule.VariancePct)
	absMin := rule.Param("absMinConcentrationPct", ec.Defaults.AbsMinConcentrationPct) / 100
	baseline := 1 / float64(ec.Profile.DistinctBeneficiaryCount)
	threshold := math.Max(absMin, baseline*(1+v/100))

	concentration := float64(stat.Count) / float64(ec.Profile.TotalTxnCount)
	if concentration < threshold {
		return outcome{}, nil
	}
	return outcome{
		triggered:    true,
		deviationPct: concentration * 100,
		partialScore: capScore(concentration * 100),
		reason: fmt.Sprintf("beneficiary %s holds %.1f%% of traffic, threshold %.1f%% (variance %.0f%%)",
			key, concentration*100, threshold*100, v),
	}, nil
}

func evalDailyCumulative(_ context.Context, ec *Context, rule *models.AnomalyRule) (outcome, error) {
	minDays := int64(rule.Param("dailyCumulativeMinDays", float64(ec.Defaults.DailyCumulativeMinDays)))
	if ec.Profile.CompletedDays() < minDays {
		return outcome{}, nil
	}
	v := ec.Defaults.Variance(rule.VariancePct)
	observed := ec.Live.DailyAmount()
	expected := ec.Profile.DailyAmount.Ewma

	dev, over := bandDeviation(observed, expected, v)
	if !over {
		return outcome{}, nil
	}
	return outcome{
		triggered:    true,
		deviationPct: dev,
		partialScore: capScore(dev),
		reason: fmt.Sprintf("daily cumulative %.2f exceeds expected %.2f by more than %.0f%%",
			observed, expected, v),
	}, nil
}

func evalNewBeneVelocity(_ context.Context, ec *Context, rule *models.AnomalyRule) (outcome, error) {
	minDays := int64(rule.Param("newBeneMinProfileDays", float64(ec.Defaults.NewBeneMinProfileDays)))
	if ec.Profile.DailyNewBeneficiaries.Count < minDays {
		return outcome{}, nil
	}
	v := ec.Defaults.Variance(rule.VariancePct)
	maxPerDay := rule.Param("newBeneMaxPerDay", ec.Defaults.NewBeneMaxPerDay)
	threshold := math.Max(maxPerDay, ec.Profile.DailyNewBeneficiaries.Ewma*(1+v/100))

	observed := float64(ec.Live.NewBeneficiariesToday)
	if observed <= threshold {
		return outcome{}, nil
	}
	dev := 100 * (observed - threshold) / math.Max(1, threshold)
	return outcome{
		triggered:    true,
		deviationPct: dev,
		partialScore: capScore(dev),
		reason: fmt.Sprintf("%.0f new beneficiaries today exceeds threshold %.2f (variance %.0f%%)",
			observed, threshold, v),
	}, nil
}

func evalDormancyBreak(_ context.Context, ec *Context, rule *models.AnomalyRule) (outcome, error) {
	if ec.Profile.LastUpdated.IsZero() {
		return outcome{}, nil
	}
	dormancyDays := rule.Param("dormancyDays", ec.Defaults.DormancyDays)
	if dormancyDays <= 0 {
		return outcome{}, nil
	}
	gap := ec.Txn.Timestamp.Sub(ec.Profile.LastUpdated)
	gapDays := gap.Hours() / 24
	if gapDays < dormancyDays {
		return outcome{}, nil
	}

	// Dormancy alone is not anomalous; the break must also carry an
	// out-of-band amount.
	v := ec.Defaults.Variance(rule.VariancePct)
	if _, over := bandDeviation(ec.Txn.Amount, ec.Profile.Amount.Ewma, v); !over {
		return outcome{}, nil
	}
	return outcome{
		triggered:    true,
		deviationPct: 100 * gapDays / dormancyDays,
		partialScore: 100,
		reason: fmt.Sprintf("dormant %.1f days (threshold %.0f) resumed with amount %.2f above expected %.2f (variance %.0f%%)",
			gapDays, dormancyDays, ec.Txn.Amount, ec.Profile.Amount.Ewma, v),
	}, nil
}

func evalCrossChannelBene(_ context.Context, ec *Context, rule *models.AnomalyRule) (outcome, error) {
	if ec.Txn.BeneficiaryKey() == "" {
		return outcome{}, nil
	}
	observed := float64(ec.Live.BeneficiaryTypes)
	if observed < 2 {
		return outcome{}, nil
	}
	v := ec.Defaults.Variance(rule.VariancePct)

	dev, over := bandDeviation(observed, 1, v)
	if !over {
		return outcome{}, nil
	}
	return outcome{
		triggered:    true,
		deviationPct: dev,
		partialScore: capScore(dev),
		reason: fmt.Sprintf("beneficiary reached via %.0f txn types this hour, expected 1 (variance %.0f%%)",
			observed, v),
	}, nil
}

func evalSeasonalDeviation(_ context.Context, ec *Context, rule *models.AnomalyRule) (outcome, error) {
	minSamples := int64(rule.Param("seasonalMinSamples", float64(ec.Defaults.SeasonalMinSamples)))
	v := ec.Defaults.Variance(rule.VariancePct)
	local := ec.Txn.Timestamp.In(ec.Loc)

	best := outcome{}
	slots := []struct {
		label string
		stat  *models.RunningStat
	}{
		{"hour " + profile.HourSlot(local), ec.Profile.SeasonalHourly[profile.HourSlot(local)]},
		{"weekday " + profile.DaySlot(local), ec.Profile.SeasonalDaily[profile.DaySlot(local)]},
	}

	for _, slot := range slots {
		if slot.stat == nil || slot.stat.Count < minSamples {
			continue
		}
		stddev := slot.stat.StdDev()
		if stddev <= 0 || ec.Txn.Amount <= slot.stat.Ewma*(1+v/100) {
			continue
		}
		z := (ec.Txn.Amount - slot.stat.Mean) / stddev
		dev := 20 * z
		if !best.triggered || dev > best.deviationPct {
			best = outcome{
				triggered:    true,
				deviationPct: dev,
				partialScore: capScore(dev),
				reason: fmt.Sprintf("amount %.2f deviates from %s seasonal expected %.2f (z=%.2f, variance %.0f%%)",
					ec.Txn.Amount, slot.label, slot.stat.Ewma, z, v),
			}
		}
	}
	return best, nil
}

func evalCvStability(_ context.Context, ec *Context, rule *models.AnomalyRule) (outcome, error) {
	key := ec.Txn.BeneficiaryKey()
	if key == "" {
		return outcome{}, nil
	}
	minTxns := int64(rule.Param("minBeneficiaryTxns", float64(ec.Defaults.MinBeneficiaryTxns)))
	stat, ok := ec.Profile.Beneficiaries[key]
	if !ok || stat.Count < minTxns || stat.Mean <= 0 {
		return outcome{}, nil
	}
	maxCv := rule.Param("maxCvPct", ec.Defaults.MaxCvPct)
	if maxCv <= 0 {
		return outcome{}, nil
	}

	cv := stat.StdDev() / stat.Mean * 100
	if cv <= maxCv {
		return outcome{}, nil
	}
	dev := 100 * (cv - maxCv) / maxCv
	return outcome{
		triggered:    true,
		deviationPct: dev,
		partialScore: capScore(dev),
		reason: fmt.Sprintf("beneficiary %s amount variation %.1f%% exceeds stability limit %.0f%%",
			key, cv, maxCv),
	}, nil
}
