// Package errormodel provides the analytic raw bit error rate model the
// refresh engine consults. RBER is a pure function of retention interval,
// program/erase count and wordline layer; error-count sampling adds seeded
// gaussian noise so repeated runs stay reproducible.
package errormodel

import (
	"math"
	"math/rand"

	"github.com/wooks1998/simplessd/internal/config"
)

const (
	// activationEnergy is the Arrhenius activation energy in eV.
	activationEnergy = 1.1
	// boltzmann is the Boltzmann constant in eV/K.
	boltzmann = 8.617333262e-5
	// referenceTemperature is the retention reference temperature in K.
	referenceTemperature = 298.15

	layerCount = 64
)

// Model evaluates RBER(retention, P/E, layer).
type Model struct {
	epsilon float64
	alpha   float64
	beta    float64
	kTerm   float64
	mTerm   float64
	nTerm   float64
	sigma   float64

	accelFactor float64
	layerFactor [layerCount]float64
	pageBits    float64

	rng *rand.Rand
}

// New builds the model. Per-layer variation factors are drawn once from the
// seeded generator so a given seed always yields the same device.
func New(cfg config.Error, pageSize uint32, seed int64) *Model {
	m := &Model{
		epsilon:  cfg.Epsilon,
		alpha:    cfg.Alpha,
		beta:     cfg.Beta,
		kTerm:    cfg.KTerm,
		mTerm:    cfg.MTerm,
		nTerm:    cfg.NTerm,
		sigma:    cfg.Sigma,
		pageBits: float64(pageSize) * 8,
		rng:      rand.New(rand.NewSource(seed)),
	}

	// Arrhenius acceleration of retention loss at the operating temperature.
	m.accelFactor = math.Exp(activationEnergy / boltzmann *
		(1/referenceTemperature - 1/cfg.Temperature))

	for i := range m.layerFactor {
		f := 1 + m.sigma*m.rng.NormFloat64()
		if f < 0.1 {
			f = 0.1
		}
		m.layerFactor[i] = f
	}

	return m
}

// RBER returns the predicted raw bit error rate after retentionNs of
// retention at eraseCount program/erase cycles on the given wordline layer.
// The prediction is monotonically nondecreasing in retention and P/E count.
func (m *Model) RBER(retentionNs uint64, eraseCount uint32, layer uint32) float64 {
	retention := float64(retentionNs) / 1e9 * m.accelFactor
	pe := float64(eraseCount)

	wear := m.alpha * math.Pow(pe, m.kTerm)
	loss := m.beta * math.Pow(pe, m.mTerm) * math.Pow(retention, m.nTerm)

	return (m.epsilon + wear + loss) * m.layerFactor[layer%layerCount]
}

// RandError samples an observed per-page error count at the given
// conditions: the RBER expectation over the page bits plus gaussian noise.
func (m *Model) RandError(retentionNs uint64, eraseCount uint32, layer uint32) uint64 {
	mean := m.RBER(retentionNs, eraseCount, layer) * m.pageBits
	sample := mean + m.rng.NormFloat64()*m.sigma*math.Sqrt(mean+1)
	if sample < 0 {
		return 0
	}
	return uint64(sample)
}
