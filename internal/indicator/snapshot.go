package indicator

import (
	"sort"
	"time"
)

// TickPoint is a single trade observation used for resampling.
type TickPoint struct {
	Timestamp time.Time
	Price     float64
	Volume    float64
}

// Bar is one OHLCV bucket. Start is the bucket-start instant.
type Bar struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Snapshot is the full indicator state for one symbol at one instant.
// Series run oldest to newest and never exceed the source bar count.
type Snapshot struct {
	Symbol              string                   `json:"symbol"`
	Price               float64                  `json:"price"`
	EMA20               float64                  `json:"ema20"`
	MACD                float64                  `json:"macd"`
	MACDSignal          float64                  `json:"macd_signal"`
	MACDHistogram       float64                  `json:"macd_histogram"`
	RSI7                float64                  `json:"rsi7"`
	RSI14               float64                  `json:"rsi14"`
	ATR3                float64                  `json:"atr3"`
	ATR14               float64                  `json:"atr14"`
	Volume              float64                  `json:"volume"`
	VolumeRatio         float64                  `json:"volume_ratio"`
	Volatility          float64                  `json:"volatility"`
	MidPrices           []float64                `json:"mid_prices"`
	EMA20Series         []float64                `json:"ema20_series"`
	MACDSeries          []float64                `json:"macd_series"`
	MACDHistogramSeries []float64                `json:"macd_histogram_series"`
	RSI7Series          []float64                `json:"rsi7_series"`
	RSI14Series         []float64                `json:"rsi14_series"`
	GeneratedAt         time.Time                `json:"generated_at"`
	HigherTimeframe     *HigherTimeframeSnapshot `json:"higher_timeframe,omitempty"`
}

// HigherTimeframeSnapshot is the condensed long-timeframe context attached to
// a Snapshot. Series keep only the trailing macd-series-points samples.
type HigherTimeframeSnapshot struct {
	EMA20               float64   `json:"ema20"`
	EMA50               float64   `json:"ema50"`
	ATR3                float64   `json:"atr3"`
	ATR14               float64   `json:"atr14"`
	MACD                float64   `json:"macd"`
	MACDSignal          float64   `json:"macd_signal"`
	MACDHistogram       float64   `json:"macd_histogram"`
	MACDHistogramSeries []float64 `json:"macd_histogram_series"`
	RSI14               float64   `json:"rsi14"`
	Volume              float64   `json:"volume"`
	VolumeAvg           float64   `json:"volume_avg"`
	VolumeRatio         float64   `json:"volume_ratio"`
	MACDSeries          []float64 `json:"macd_series"`
	RSI14Series         []float64 `json:"rsi14_series"`
	GeneratedAt         time.Time `json:"generated_at"`
}

// ResampleTicks buckets ticks into OHLCV bars of timeframeSeconds. Buckets
// with no ticks are absent rather than zero-filled. Output is sorted by
// bucket start.
func ResampleTicks(ticks []TickPoint, timeframeSeconds int64) []Bar {
	if len(ticks) == 0 || timeframeSeconds <= 0 {
		return nil
	}
	sorted := make([]TickPoint, len(ticks))
	copy(sorted, ticks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	buckets := make(map[int64]*Bar)
	var order []int64
	for _, tick := range sorted {
		key := tick.Timestamp.Unix() / timeframeSeconds
		bar, ok := buckets[key]
		if !ok {
			buckets[key] = &Bar{
				Start:  time.Unix(key*timeframeSeconds, 0).UTC(),
				Open:   tick.Price,
				High:   tick.Price,
				Low:    tick.Price,
				Close:  tick.Price,
				Volume: tick.Volume,
			}
			order = append(order, key)
			continue
		}
		if tick.Price > bar.High {
			bar.High = tick.Price
		}
		if tick.Price < bar.Low {
			bar.Low = tick.Price
		}
		bar.Close = tick.Price
		bar.Volume += tick.Volume
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	bars := make([]Bar, 0, len(order))
	for _, key := range order {
		bars = append(bars, *buckets[key])
	}
	return bars
}

// ResampleBars re-buckets existing bars into a longer timeframe using
// open=first, high=max, low=min, close=last, volume=sum per bucket.
func ResampleBars(bars []Bar, timeframeSeconds int64) []Bar {
	if len(bars) == 0 || timeframeSeconds <= 0 {
		return nil
	}
	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	buckets := make(map[int64]*Bar)
	var order []int64
	for _, src := range sorted {
		key := src.Start.Unix() / timeframeSeconds
		bar, ok := buckets[key]
		if !ok {
			merged := src
			merged.Start = time.Unix(key*timeframeSeconds, 0).UTC()
			buckets[key] = &merged
			order = append(order, key)
			continue
		}
		if src.High > bar.High {
			bar.High = src.High
		}
		if src.Low < bar.Low {
			bar.Low = src.Low
		}
		bar.Close = src.Close
		bar.Volume += src.Volume
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]Bar, 0, len(order))
	for _, key := range order {
		out = append(out, *buckets[key])
	}
	return out
}

// SnapshotParams configures snapshot construction.
type SnapshotParams struct {
	TimeframeSeconds  int64
	VolumeRatioPeriod int
}

// ComputeSnapshot resamples ticks to the configured timeframe and builds the
// full indicator snapshot. Returns nil when the history is insufficient:
// fewer than max(volumeRatioPeriod, 20) resampled bars.
func ComputeSnapshot(symbol string, ticks []TickPoint, p SnapshotParams) *Snapshot {
	return SnapshotFromBars(symbol, ResampleTicks(ticks, p.TimeframeSeconds), p)
}

// SnapshotFromBars builds the snapshot from already-resampled bars.
func SnapshotFromBars(symbol string, bars []Bar, p SnapshotParams) *Snapshot {
	lookback := p.VolumeRatioPeriod
	if lookback < 20 {
		lookback = 20
	}
	if len(bars) < lookback {
		return nil
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		volumes[i] = b.Volume
	}

	volumeRatios := rollingVolumeRatio(volumes, p.VolumeRatioPeriod)

	ema20Series := EMASeries(closes, 20)
	macdLine, macdSignal, macdHist := MACDSeries(closes)
	rsi7Series := RSISeries(closes, 7)
	rsi14Series := RSISeries(closes, 14)

	last := bars[len(bars)-1]
	return &Snapshot{
		Symbol:              symbol,
		Price:               last.Close,
		EMA20:               lastValue(ema20Series),
		MACD:                lastValue(macdLine),
		MACDSignal:          lastValue(macdSignal),
		MACDHistogram:       lastValue(macdHist),
		RSI7:                lastValue(rsi7Series),
		RSI14:               lastValue(rsi14Series),
		ATR3:                ATR(highs, lows, closes, 3),
		ATR14:               ATR(highs, lows, closes, 14),
		Volume:              last.Volume,
		VolumeRatio:         volumeRatios[len(volumeRatios)-1],
		Volatility:          Volatility(closes, volatilityPeriod),
		MidPrices:           closes,
		EMA20Series:         ema20Series,
		MACDSeries:          macdLine,
		MACDHistogramSeries: macdHist,
		RSI7Series:          rsi7Series,
		RSI14Series:         rsi14Series,
		GeneratedAt:         last.Start.Add(time.Duration(p.TimeframeSeconds) * time.Second),
	}
}

// HigherTimeframeParams configures higher-timeframe snapshot construction.
type HigherTimeframeParams struct {
	TimeframeSeconds  int64
	VolumeRatioPeriod int
	MACDSeriesPoints  int
}

// ComputeHigherTimeframe builds the condensed long-timeframe snapshot from
// ticks. Requires at least two resampled bars.
func ComputeHigherTimeframe(ticks []TickPoint, p HigherTimeframeParams) *HigherTimeframeSnapshot {
	return HigherTimeframeFromBars(ResampleTicks(ticks, p.TimeframeSeconds), p)
}

// HigherTimeframeFromBars builds the condensed snapshot from existing bars,
// re-bucketing them to the configured timeframe first.
func HigherTimeframeFromBars(bars []Bar, p HigherTimeframeParams) *HigherTimeframeSnapshot {
	resampled := ResampleBars(bars, p.TimeframeSeconds)
	if len(resampled) < 2 {
		return nil
	}

	closes := make([]float64, len(resampled))
	highs := make([]float64, len(resampled))
	lows := make([]float64, len(resampled))
	volumes := make([]float64, len(resampled))
	for i, b := range resampled {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		volumes[i] = b.Volume
	}

	volumeRatios := rollingVolumeRatio(volumes, p.VolumeRatioPeriod)
	rollingAvg := rollingMean(volumes, p.VolumeRatioPeriod)

	macdLine, macdSignal, macdHist := MACDSeries(closes)
	rsi14Series := RSISeries(closes, 14)

	points := p.MACDSeriesPoints
	if points <= 0 {
		points = 5
	}

	last := resampled[len(resampled)-1]
	return &HigherTimeframeSnapshot{
		EMA20:               EMA(closes, 20),
		EMA50:               EMA(closes, 50),
		ATR3:                ATR(highs, lows, closes, 3),
		ATR14:               ATR(highs, lows, closes, 14),
		MACD:                lastValue(macdLine),
		MACDSignal:          lastValue(macdSignal),
		MACDHistogram:       lastValue(macdHist),
		MACDHistogramSeries: tail(macdHist, points),
		RSI14:               lastValue(rsi14Series),
		Volume:              last.Volume,
		VolumeAvg:           rollingAvg[len(rollingAvg)-1],
		VolumeRatio:         volumeRatios[len(volumeRatios)-1],
		MACDSeries:          tail(macdLine, points),
		RSI14Series:         tail(rsi14Series, points),
		GeneratedAt:         last.Start.Add(time.Duration(p.TimeframeSeconds) * time.Second),
	}
}

// rollingMean computes a trailing mean with window size n and a minimum of
// one sample, matching a rolling mean with min_periods of 1.
func rollingMean(xs []float64, n int) []float64 {
	if n <= 0 {
		n = 1
	}
	out := make([]float64, len(xs))
	var sum float64
	for i, x := range xs {
		sum += x
		if i >= n {
			sum -= xs[i-n]
		}
		window := i + 1
		if window > n {
			window = n
		}
		out[i] = sum / float64(window)
	}
	return out
}

func rollingVolumeRatio(volumes []float64, period int) []float64 {
	means := rollingMean(volumes, period)
	out := make([]float64, len(volumes))
	for i := range volumes {
		if means[i] == 0 {
			out[i] = 0
			continue
		}
		out[i] = sanitizeRatio(volumes[i] / means[i])
	}
	return out
}

func tail(xs []float64, n int) []float64 {
	if len(xs) <= n {
		out := make([]float64, len(xs))
		copy(out, xs)
		return out
	}
	out := make([]float64, n)
	copy(out, xs[len(xs)-n:])
	return out
}
