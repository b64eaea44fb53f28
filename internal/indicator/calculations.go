// Package indicator implements the pure technical-analysis math used by the
// trading core: EMA/MACD/RSI/ATR/volatility, OHLC resampling and
// multi-timeframe snapshot construction. No I/O, no shared state.
package indicator

import (
	"math"
)

const (
	emaFastPeriod    = 12
	emaSlowPeriod    = 26
	signalPeriod     = 9
	volatilityPeriod = 30
)

// EMASeries returns the exponential moving average of xs with smoothing
// alpha = 2/(n+1), seeded with the first sample. Empty input returns nil.
func EMASeries(xs []float64, n int) []float64 {
	if len(xs) == 0 || n <= 0 {
		return nil
	}
	alpha := 2.0 / (float64(n) + 1.0)
	out := make([]float64, len(xs))
	out[0] = xs[0]
	for i := 1; i < len(xs); i++ {
		out[i] = alpha*xs[i] + (1-alpha)*out[i-1]
	}
	return out
}

// EMA returns the last value of EMASeries, or 0 for empty input.
func EMA(xs []float64, n int) float64 {
	return lastValue(EMASeries(xs, n))
}

// RSISeries computes Wilder-smoothed RSI with alpha = 1/n. A zero average
// loss maps to 100 (pure gains); samples without enough history map to 50.
func RSISeries(xs []float64, n int) []float64 {
	if len(xs) == 0 || n <= 0 {
		return nil
	}
	out := make([]float64, len(xs))
	out[0] = 50.0
	if len(xs) == 1 {
		return out
	}
	alpha := 1.0 / float64(n)
	var avgGain, avgLoss float64
	for i := 1; i < len(xs); i++ {
		delta := xs[i] - xs[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		if i == 1 {
			avgGain, avgLoss = gain, loss
		} else {
			avgGain = alpha*gain + (1-alpha)*avgGain
			avgLoss = alpha*loss + (1-alpha)*avgLoss
		}
		switch {
		case avgLoss == 0 && avgGain > 0:
			out[i] = 100.0
		case avgLoss == 0:
			out[i] = 50.0
		default:
			rs := avgGain / avgLoss
			out[i] = 100.0 - 100.0/(1.0+rs)
		}
	}
	return out
}

// RSI returns the last value of RSISeries, or 0 for empty input.
func RSI(xs []float64, n int) float64 {
	return lastValue(RSISeries(xs, n))
}

// ATRSeries computes the EWMA (alpha = 1/n) of the true range
// max(high-low, |high-prevClose|, |low-prevClose|). The first sample has no
// previous close, so its true range is high-low.
func ATRSeries(highs, lows, closes []float64, n int) []float64 {
	if len(closes) == 0 || n <= 0 || len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}
	alpha := 1.0 / float64(n)
	out := make([]float64, len(closes))
	out[0] = highs[0] - lows[0]
	for i := 1; i < len(closes); i++ {
		tr := highs[i] - lows[i]
		if hc := math.Abs(highs[i] - closes[i-1]); hc > tr {
			tr = hc
		}
		if lc := math.Abs(lows[i] - closes[i-1]); lc > tr {
			tr = lc
		}
		out[i] = alpha*tr + (1-alpha)*out[i-1]
	}
	return out
}

// ATR returns the last value of ATRSeries, or 0 for empty input.
func ATR(highs, lows, closes []float64, n int) float64 {
	return lastValue(ATRSeries(highs, lows, closes, n))
}

// MACDSeries returns the MACD line (EMA12-EMA26), signal (EMA9 of the line)
// and histogram series.
func MACDSeries(xs []float64) (line, signal, histogram []float64) {
	if len(xs) == 0 {
		return nil, nil, nil
	}
	fast := EMASeries(xs, emaFastPeriod)
	slow := EMASeries(xs, emaSlowPeriod)
	line = make([]float64, len(xs))
	for i := range xs {
		line[i] = fast[i] - slow[i]
	}
	signal = EMASeries(line, signalPeriod)
	histogram = make([]float64, len(xs))
	for i := range xs {
		histogram[i] = line[i] - signal[i]
	}
	return line, signal, histogram
}

// MACD returns the latest MACD line, signal and histogram values.
func MACD(xs []float64) (line, signal, histogram float64) {
	l, s, h := MACDSeries(xs)
	return lastValue(l), lastValue(s), lastValue(h)
}

// Volatility is the population standard deviation over the trailing n
// samples, or 0 when fewer than n samples exist.
func Volatility(xs []float64, n int) float64 {
	if n <= 0 || len(xs) < n {
		return 0
	}
	window := xs[len(xs)-n:]
	var sum float64
	for _, x := range window {
		sum += x
	}
	mean := sum / float64(n)
	var sq float64
	for _, x := range window {
		d := x - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(n))
}

// SMA is the arithmetic mean of the trailing period samples, or 0 when
// fewer than period samples exist.
func SMA(xs []float64, period int) float64 {
	if period <= 0 || len(xs) < period {
		return 0
	}
	var sum float64
	for _, x := range xs[len(xs)-period:] {
		sum += x
	}
	return sum / float64(period)
}

// VolumeAverage is SMA over volume samples.
func VolumeAverage(volumes []float64, period int) float64 {
	return SMA(volumes, period)
}

// TrendDirection classifies the net move over the trailing lookback samples.
func TrendDirection(xs []float64, lookback int, tolerance float64) string {
	if len(xs) == 0 {
		return "sideways"
	}
	window := xs
	if lookback > 0 && len(xs) > lookback {
		window = xs[len(xs)-lookback:]
	}
	delta := window[len(window)-1] - window[0]
	tol := math.Abs(tolerance)
	switch {
	case delta > tol:
		return "uptrend"
	case delta < -tol:
		return "downtrend"
	default:
		return "sideways"
	}
}

func lastValue(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	v := xs[len(xs)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func sanitizeRatio(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
