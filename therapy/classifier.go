package therapy

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/bennesher/csep590c-sp23/neuro"
)

// WindowSize is the number of samples the classifier consumes per verdict.
const WindowSize = 178

// SpectrumBins is the number of spectral power bins the model weighs,
// covering frequency bins 1 through 44 (DC is skipped).
const SpectrumBins = 44

// fftPool reuses FFT plans across evaluations; planning for a fixed length
// is deterministic, so pooled plans do not affect results.
var fftPool = sync.Pool{
	New: func() any { return fourier.NewFFT(WindowSize) },
}

// Classify maps one window of 178 samples to a seizure verdict.
//
// It is a pure function: the forward DFT of the window is taken without
// normalization, the magnitudes of bins 1-44 form the spectral power vector,
// and a fixed linear model over that vector yields the decision value d.
// The label is d > 0 and the confidence is |d|.
//
// Classify panics if len(window) != WindowSize.
func Classify(window []float64) neuro.SeizureClassification {
	if len(window) != WindowSize {
		panic(fmt.Sprintf("therapy: classifier window must hold %d samples, got %d",
			WindowSize, len(window)))
	}

	fft := fftPool.Get().(*fourier.FFT)
	coeffs := fft.Coefficients(nil, window)
	fftPool.Put(fft)

	var spectrum [SpectrumBins]float64

	d := modelBias
	for k := 0; k < SpectrumBins; k++ {
		spectrum[k] = cmplx.Abs(coeffs[k+1])
		d += modelWeights[k] * spectrum[k]
	}

	return neuro.SeizureClassification{
		Seizure:    d > 0,
		Confidence: math.Abs(d),
		Spectrum:   spectrum,
	}
}
